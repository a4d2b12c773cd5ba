package accesshttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	mutationRateLimit  = 30
	mutationRateWindow = time.Minute
)

// MountRoutes registers the access endpoints under the given router, which
// the app mounts at /access.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(mutationRateLimit, mutationRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	guard := h.rbac.RequireAction

	r.Route("/users/{userID}", func(r chi.Router) {
		r.With(guard(shared.ResourceAccessPermissions, shared.ActionView)).Get("/effective-permissions", h.handleEffectivePermissions)
		r.With(guard(shared.ResourceAccessPermissions, shared.ActionView)).Get("/can", h.handleCan)
		r.With(guard(shared.ResourceAccessOverrides, shared.ActionView)).Get("/overrides", h.handleListOverrides)
		r.With(guard(shared.ResourceAccessOverrides, shared.ActionView)).Get("/overrides/{overrideID}/approvals", h.handleOverrideApprovals)
		r.Group(func(r chi.Router) {
			r.Use(limiter)
			r.With(guard(shared.ResourceAccessPermissions, shared.ActionEdit)).Post("/permission-changes", h.handlePermissionChanges)
			r.With(guard(shared.ResourceAccessOverrides, shared.ActionApprove)).Post("/overrides/{overrideID}/approve", h.handleApproveOverride)
			r.With(guard(shared.ResourceAccessOverrides, shared.ActionEdit)).Post("/overrides/{overrideID}/disable", h.handleDisableOverride)
		})
	})

	r.Route("/roles", func(r chi.Router) {
		r.With(guard(shared.ResourceAccessRoles, shared.ActionView)).Get("/", h.handleListRoles)
		r.With(guard(shared.ResourceAccessRoles, shared.ActionView)).Get("/{roleID}", h.handleGetRole)
		r.Group(func(r chi.Router) {
			r.Use(limiter, guard(shared.ResourceAccessRoles, shared.ActionEdit))
			r.Post("/", h.handleCreateRole)
			r.Put("/{roleID}", h.handleUpdateRole)
			r.Delete("/{roleID}", h.handleDeleteRole)
		})
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if id, ok := shared.IdentityFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(id.UserID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
