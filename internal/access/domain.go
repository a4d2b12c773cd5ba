package access

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Grant allows a set of actions on one resource key.
type Grant struct {
	ResourceKey string   `json:"resourceKey" validate:"required,max=150"`
	Actions     []string `json:"actions" validate:"required,min=1,dive,required,max=64"`
}

// Role is a named bundle of grants with a hierarchy level and an optional parent.
type Role struct {
	ID                int64   `json:"id"`
	TenantID          int64   `json:"tenantId"`
	Name              string  `json:"name"`
	Description       string  `json:"description"`
	HierarchyLevel    int     `json:"hierarchyLevel"`
	InheritFromRoleID *int64  `json:"inheritFromRoleId,omitempty"`
	Grants            []Grant `json:"grants"`
	// Visible is false once a role has been soft deleted.
	Visible   bool      `json:"visible"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RoleAssignment links a user to a role.
type RoleAssignment struct {
	ID         int64
	TenantID   int64
	UserID     int64
	RoleID     int64
	AssignedBy int64
	AssignedAt time.Time
	IsActive   bool
}

// OverrideType enumerates the override variants.
type OverrideType string

const (
	OverrideGrantAdditional OverrideType = "GRANT_ADDITIONAL"
	OverrideRevokeExisting  OverrideType = "REVOKE_EXISTING"
	OverrideModifyExisting  OverrideType = "MODIFY_EXISTING"
)

// Valid reports whether t is a known variant.
func (t OverrideType) Valid() bool {
	switch t {
	case OverrideGrantAdditional, OverrideRevokeExisting, OverrideModifyExisting:
		return true
	}
	return false
}

// OverrideEffect is the closed set of things an override can do to an entry.
// Only the three variants in this package implement it.
type OverrideEffect interface {
	Type() OverrideType
	AllowedActions() []string
	DeniedActions() []string
	apply(entry *EffectivePermission)
}

// GrantAdditional unions its actions into the allowed set.
type GrantAdditional struct {
	Allowed ActionSet
}

// Type implements OverrideEffect.
func (GrantAdditional) Type() OverrideType { return OverrideGrantAdditional }

// AllowedActions implements OverrideEffect.
func (g GrantAdditional) AllowedActions() []string { return g.Allowed.Sorted() }

// DeniedActions implements OverrideEffect.
func (GrantAdditional) DeniedActions() []string { return nil }

func (g GrantAdditional) apply(e *EffectivePermission) {
	e.Allowed.Union(g.Allowed)
}

// RevokeExisting removes its actions from the allowed set and records them as denied.
type RevokeExisting struct {
	Denied ActionSet
}

// Type implements OverrideEffect.
func (RevokeExisting) Type() OverrideType { return OverrideRevokeExisting }

// AllowedActions implements OverrideEffect.
func (RevokeExisting) AllowedActions() []string { return nil }

// DeniedActions implements OverrideEffect.
func (r RevokeExisting) DeniedActions() []string { return r.Denied.Sorted() }

func (r RevokeExisting) apply(e *EffectivePermission) {
	e.Allowed.Subtract(r.Denied)
	e.Denied.Union(r.Denied)
}

// ModifyExisting replaces the allowed set wholesale.
type ModifyExisting struct {
	Allowed ActionSet
}

// Type implements OverrideEffect.
func (ModifyExisting) Type() OverrideType { return OverrideModifyExisting }

// AllowedActions implements OverrideEffect.
func (m ModifyExisting) AllowedActions() []string { return m.Allowed.Sorted() }

// DeniedActions implements OverrideEffect.
func (ModifyExisting) DeniedActions() []string { return nil }

func (m ModifyExisting) apply(e *EffectivePermission) {
	e.Allowed = m.Allowed.Clone()
}

// NewOverrideEffect builds the variant for t. Fields that t does not use are
// rejected rather than dropped.
func NewOverrideEffect(t OverrideType, allowed, denied []string) (OverrideEffect, error) {
	allowedSet := NewActionSet(allowed...)
	deniedSet := NewActionSet(denied...)
	switch t {
	case OverrideGrantAdditional:
		if len(deniedSet) > 0 {
			return nil, validationf("%s does not accept denied actions", t)
		}
		if len(allowedSet) == 0 {
			return nil, validationf("%s requires allowed actions", t)
		}
		return GrantAdditional{Allowed: allowedSet}, nil
	case OverrideRevokeExisting:
		if len(allowedSet) > 0 {
			return nil, validationf("%s does not accept allowed actions", t)
		}
		if len(deniedSet) == 0 {
			return nil, validationf("%s requires denied actions", t)
		}
		return RevokeExisting{Denied: deniedSet}, nil
	case OverrideModifyExisting:
		if len(deniedSet) > 0 {
			return nil, validationf("%s does not accept denied actions", t)
		}
		// An empty allowed set is a legal reset to "no actions".
		return ModifyExisting{Allowed: allowedSet}, nil
	default:
		return nil, validationf("unknown override type %q", t)
	}
}

// Override is a per-user, per-resource exception to role-derived permissions.
type Override struct {
	ID               uuid.UUID
	TenantID         int64
	UserID           int64
	ResourceKey      string
	Effect           OverrideEffect
	Reason           string
	ExpiresAt        *time.Time
	RequiresApproval bool
	ApprovedBy       *int64
	ApprovedAt       *time.Time
	IsEnabled        bool
	CreatedBy        int64
	CreatedAt        time.Time
}

type overrideJSON struct {
	ID               uuid.UUID    `json:"id"`
	UserID           int64        `json:"userId"`
	ResourceKey      string       `json:"resourceKey"`
	OverrideType     OverrideType `json:"overrideType"`
	AllowedActions   []string     `json:"allowedActions"`
	DeniedActions    []string     `json:"deniedActions"`
	Reason           string       `json:"reason"`
	ExpiresAt        *time.Time   `json:"expiresAt,omitempty"`
	RequiresApproval bool         `json:"requiresApproval"`
	ApprovedBy       *int64       `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time   `json:"approvedAt,omitempty"`
	IsEnabled        bool         `json:"isEnabled"`
	CreatedBy        int64        `json:"createdBy"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// MarshalJSON flattens the effect into overrideType plus its action lists.
func (o Override) MarshalJSON() ([]byte, error) {
	out := overrideJSON{
		ID:               o.ID,
		UserID:           o.UserID,
		ResourceKey:      o.ResourceKey,
		AllowedActions:   []string{},
		DeniedActions:    []string{},
		Reason:           o.Reason,
		ExpiresAt:        o.ExpiresAt,
		RequiresApproval: o.RequiresApproval,
		ApprovedBy:       o.ApprovedBy,
		ApprovedAt:       o.ApprovedAt,
		IsEnabled:        o.IsEnabled,
		CreatedBy:        o.CreatedBy,
		CreatedAt:        o.CreatedAt,
	}
	if o.Effect != nil {
		out.OverrideType = o.Effect.Type()
		if allowed := o.Effect.AllowedActions(); allowed != nil {
			out.AllowedActions = allowed
		}
		if denied := o.Effect.DeniedActions(); denied != nil {
			out.DeniedActions = denied
		}
	}
	return json.Marshal(out)
}

// Approved reports whether an approval has been recorded.
func (o Override) Approved() bool {
	return o.ApprovedAt != nil
}

// ActiveAt reports whether the override takes part in resolution at now.
// Overrides awaiting approval are inert.
func (o Override) ActiveAt(now time.Time) bool {
	if !o.IsEnabled || o.Effect == nil {
		return false
	}
	if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
		return false
	}
	if o.RequiresApproval && !o.Approved() {
		return false
	}
	return true
}

// SortOverrides orders overrides by CreatedAt then ID, the order resolution applies them in.
func SortOverrides(overrides []Override) {
	sort.SliceStable(overrides, func(i, j int) bool {
		a, b := overrides[i], overrides[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
}

// Source tells where an entry's final shape came from.
type Source string

const (
	SourceRole     Source = "role"
	SourceOverride Source = "override"
)

// EffectivePermission is the computed allow/deny state for one resource key.
type EffectivePermission struct {
	ResourceKey       string    `json:"-"`
	Allowed           ActionSet `json:"allowedActions"`
	Denied            ActionSet `json:"deniedActions"`
	Source            Source    `json:"source"`
	ContributingRoles []string  `json:"contributingRoles"`
	HasOverride       bool      `json:"hasOverride"`
	OverrideReason    string    `json:"overrideReason,omitempty"`
}

// Allows reports whether action is allowed.
func (e EffectivePermission) Allows(action string) bool {
	return e.Allowed.Has(action)
}

// Permissions maps resource keys to their effective entry.
type Permissions map[string]*EffectivePermission

// Allows reports whether the user may perform action on resourceKey.
// An absent entry and an empty entry both mean no access.
func (p Permissions) Allows(resourceKey, action string) bool {
	entry, ok := p[resourceKey]
	if !ok || entry == nil {
		return false
	}
	return entry.Allows(action)
}

// Keys returns the resource keys in lexical order.
func (p Permissions) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
