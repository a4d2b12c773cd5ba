package rbac

import "context"

// PermissionChecker answers point permission checks for a tenant user.
// access.Service satisfies it.
type PermissionChecker interface {
	Can(ctx context.Context, tenantID, userID int64, resourceKey, action string) (bool, error)
}

// ScopeStatus reports whether the caller holds one scope.
type ScopeStatus struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Allowed  bool   `json:"allowed"`
}
