package accesshttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// IdempotencyHeader carries the client's replay-protection key on mutations.
const IdempotencyHeader = "Idempotency-Key"

type accessService interface {
	EffectivePermissions(ctx context.Context, tenantID, userID int64) (access.Permissions, error)
	Can(ctx context.Context, tenantID, userID int64, resourceKey, action string) (bool, error)
	UserOverrides(ctx context.Context, tenantID, userID int64) ([]access.Override, error)
	OverrideApprovals(ctx context.Context, tenantID, userID int64, overrideID uuid.UUID) ([]shared.ApprovalLog, error)
	ApplyPermissionChanges(ctx context.Context, req access.ChangeRequest) (access.ChangeResult, error)
	ApproveOverride(ctx context.Context, req access.ApprovalRequest) (access.Override, error)
	DisableOverride(ctx context.Context, req access.DisableRequest) error
	ListRoles(ctx context.Context, tenantID int64) ([]access.Role, error)
	GetRole(ctx context.Context, tenantID, roleID int64) (access.Role, error)
	CreateRole(ctx context.Context, in access.RoleInput) (access.Role, error)
	UpdateRole(ctx context.Context, roleID int64, in access.RoleInput) (access.Role, error)
	DeleteRole(ctx context.Context, tenantID, roleID, actorID int64, reason string) error
}

// Handler exposes the access service over JSON. Every route is tenant scoped
// to the caller's session and guarded by the effective-permission engine.
type Handler struct {
	logger  *slog.Logger
	service accessService
	rbac    rbac.Middleware
}

// NewHandler builds the access HTTP handler.
func NewHandler(logger *slog.Logger, service accessService, guard rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: guard}
}

type noteBody struct {
	Note string `json:"note"`
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := h.target(w, r)
	if !ok {
		return
	}
	perms, err := h.service.EffectivePermissions(r.Context(), id.TenantID, userID)
	if err != nil {
		h.writeError(w, r, "effective permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) handleCan(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := h.target(w, r)
	if !ok {
		return
	}
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	action := strings.TrimSpace(r.URL.Query().Get("action"))
	if resource == "" || action == "" {
		h.writeError(w, r, "can", validation("resource and action query parameters are required"))
		return
	}
	allowed, err := h.service.Can(r.Context(), id.TenantID, userID, resource, action)
	if err != nil {
		h.writeError(w, r, "can", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"resource": resource, "action": action, "allowed": allowed})
}

func (h *Handler) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := h.target(w, r)
	if !ok {
		return
	}
	overrides, err := h.service.UserOverrides(r.Context(), id.TenantID, userID)
	if err != nil {
		h.writeError(w, r, "list overrides", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

func (h *Handler) handleOverrideApprovals(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := h.target(w, r)
	if !ok {
		return
	}
	overrideID, ok := h.overrideParam(w, r)
	if !ok {
		return
	}
	logs, err := h.service.OverrideApprovals(r.Context(), id.TenantID, userID, overrideID)
	if err != nil {
		h.writeError(w, r, "override approvals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"approvals": logs})
}

func (h *Handler) handlePermissionChanges(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req access.ChangeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, "decode permission changes", err)
		return
	}
	req.TenantID = id.TenantID
	req.UserID = userID
	req.ActorID = id.UserID
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	result, err := h.service.ApplyPermissionChanges(r.Context(), req)
	if err != nil {
		h.writeError(w, r, "apply permission changes", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleApproveOverride(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := h.target(w, r)
	if !ok {
		return
	}
	overrideID, ok := h.overrideParam(w, r)
	if !ok {
		return
	}
	var body noteBody
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(w, r, &body); err != nil {
			h.writeError(w, r, "decode approval", err)
			return
		}
	}
	o, err := h.service.ApproveOverride(r.Context(), access.ApprovalRequest{
		TenantID:   id.TenantID,
		UserID:     userID,
		OverrideID: overrideID,
		ApproverID: id.UserID,
		Note:       strings.TrimSpace(body.Note),
	})
	if err != nil {
		h.writeError(w, r, "approve override", err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

func (h *Handler) handleDisableOverride(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := h.target(w, r)
	if !ok {
		return
	}
	overrideID, ok := h.overrideParam(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(w, r, &body); err != nil {
			h.writeError(w, r, "decode disable", err)
			return
		}
	}
	err := h.service.DisableOverride(r.Context(), access.DisableRequest{
		TenantID:   id.TenantID,
		UserID:     userID,
		OverrideID: overrideID,
		ActorID:    id.UserID,
		Reason:     body.Reason,
	})
	if err != nil {
		h.writeError(w, r, "disable override", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	roles, err := h.service.ListRoles(r.Context(), id.TenantID)
	if err != nil {
		h.writeError(w, r, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) handleGetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	roleID, ok := h.int64Param(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id.TenantID, roleID)
	if err != nil {
		h.writeError(w, r, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var in access.RoleInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, "decode role", err)
		return
	}
	in.TenantID = id.TenantID
	in.ActorID = id.UserID
	role, err := h.service.CreateRole(r.Context(), in)
	if err != nil {
		h.writeError(w, r, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	roleID, ok := h.int64Param(w, r, "roleID")
	if !ok {
		return
	}
	var in access.RoleInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, "decode role", err)
		return
	}
	in.TenantID = id.TenantID
	in.ActorID = id.UserID
	role, err := h.service.UpdateRole(r.Context(), roleID, in)
	if err != nil {
		h.writeError(w, r, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	roleID, ok := h.int64Param(w, r, "roleID")
	if !ok {
		return
	}
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if err := h.service.DeleteRole(r.Context(), id.TenantID, roleID, id.UserID, reason); err != nil {
		h.writeError(w, r, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// identity returns the session identity. Route guards run first, so a
// missing identity here only happens when the handler is mounted unguarded.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (shared.Identity, bool) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return shared.Identity{}, false
	}
	return id, true
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (shared.Identity, int64, bool) {
	id, ok := h.identity(w, r)
	if !ok {
		return shared.Identity{}, 0, false
	}
	userID, ok := h.int64Param(w, r, "userID")
	if !ok {
		return shared.Identity{}, 0, false
	}
	return id, userID, true
}

func (h *Handler) int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	value, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || value <= 0 {
		h.writeError(w, r, "parse "+name, validation(name+" must be a positive integer"))
		return 0, false
	}
	return value, true
}

func (h *Handler) overrideParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "overrideID"))
	if err != nil {
		h.writeError(w, r, "parse overrideID", validation("overrideID must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}
