package shared

// Resource keys guarding the access service's own endpoints. They live in
// menu_permissions next to the host's resources and are granted through roles
// like any other resource.
const (
	ResourceAccessPermissions = "access.permissions"
	ResourceAccessOverrides   = "access.overrides"
	ResourceAccessRoles       = "access.roles"
	ResourceAccessAudit       = "access.audit"
)

// Actions checked on the resources above.
const (
	ActionView    = "view"
	ActionEdit    = "edit"
	ActionApprove = "approve"
	ActionExport  = "export"
)

// Scope is one resource/action pair.
type Scope struct {
	Resource string
	Action   string
}

// CoreScopes lists every resource/action pair the access endpoints check.
func CoreScopes() []Scope {
	return []Scope{
		{ResourceAccessPermissions, ActionView},
		{ResourceAccessPermissions, ActionEdit},
		{ResourceAccessOverrides, ActionView},
		{ResourceAccessOverrides, ActionApprove},
		{ResourceAccessOverrides, ActionEdit},
		{ResourceAccessRoles, ActionView},
		{ResourceAccessRoles, ActionEdit},
		{ResourceAccessAudit, ActionView},
		{ResourceAccessAudit, ActionExport},
	}
}

// ScopeActions groups CoreScopes by resource key.
func ScopeActions() map[string][]string {
	out := make(map[string][]string)
	for _, s := range CoreScopes() {
		out[s.Resource] = append(out[s.Resource], s.Action)
	}
	return out
}
