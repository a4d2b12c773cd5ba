package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// PermissionsHandler reports which access-service scopes the caller holds,
// so clients can hide actions they would be refused.
type PermissionsHandler struct {
	logger  *slog.Logger
	checker PermissionChecker
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, checker PermissionChecker) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{logger: logger, checker: checker}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/", h.listScopes)
}

func (h *PermissionsHandler) listScopes(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	scopes := shared.CoreScopes()
	out := make([]ScopeStatus, 0, len(scopes))
	for _, s := range scopes {
		allowed, err := h.checker.Can(r.Context(), id.TenantID, id.UserID, s.Resource, s.Action)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "list scopes", slog.Int64("user_id", id.UserID), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		out = append(out, ScopeStatus{Resource: s.Resource, Action: s.Action, Allowed: allowed})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"scopes": out})
}
