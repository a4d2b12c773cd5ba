package access

import (
	"fmt"
	"sort"
	"time"
)

// ResolveInput is everything a single resolution reads. It is loaded fresh per request.
type ResolveInput struct {
	Catalog     *Catalog
	Assignments []RoleAssignment
	Overrides   []Override
	Now         time.Time
}

// Resolve computes the effective permission map for one user.
//
// Role pass: active assignments contribute the union of their inherited grants.
// Override pass: active overrides are applied in CreatedAt, ID order. Denied
// actions are removed from the allowed set at the end, so a revoke holds
// regardless of what ran before or after it.
//
// Any structural error aborts the whole computation; no partial map is returned.
func Resolve(in ResolveInput) (Permissions, error) {
	if in.Catalog == nil {
		return nil, fmt.Errorf("resolve: %w: catalog not loaded", ErrInvalidHierarchy)
	}
	perms := make(Permissions)
	contributors := make(map[string]map[string]struct{})

	for _, assignment := range in.Assignments {
		if !assignment.IsActive {
			continue
		}
		role, err := in.Catalog.GetRole(assignment.RoleID)
		if err != nil {
			// An assignment to a role the catalog lacks is corrupt state, not a missing user.
			return nil, fmt.Errorf("resolve assignment %d: %w: role %d missing from catalog", assignment.ID, ErrInvalidHierarchy, assignment.RoleID)
		}
		grants, err := in.Catalog.ResolveGrants(role.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve role %q: %w", role.Name, err)
		}
		for key, actions := range grants {
			entry := perms.entry(key, SourceRole)
			entry.Allowed.Union(actions)
			names, ok := contributors[key]
			if !ok {
				names = make(map[string]struct{})
				contributors[key] = names
			}
			names[role.Name] = struct{}{}
		}
	}
	for key, names := range contributors {
		list := make([]string, 0, len(names))
		for name := range names {
			list = append(list, name)
		}
		sort.Strings(list)
		perms[key].ContributingRoles = list
	}

	active := make([]Override, 0, len(in.Overrides))
	for _, o := range in.Overrides {
		if o.ActiveAt(in.Now) {
			active = append(active, o)
		}
	}
	SortOverrides(active)
	for _, o := range active {
		entry := perms.entry(o.ResourceKey, SourceOverride)
		o.Effect.apply(entry)
		entry.Source = SourceOverride
		entry.HasOverride = true
		entry.OverrideReason = o.Reason
	}

	for _, entry := range perms {
		entry.Allowed.Subtract(entry.Denied)
	}
	return perms, nil
}

func (p Permissions) entry(key string, source Source) *EffectivePermission {
	if e, ok := p[key]; ok {
		return e
	}
	e := &EffectivePermission{
		ResourceKey:       key,
		Allowed:           make(ActionSet),
		Denied:            make(ActionSet),
		Source:            source,
		ContributingRoles: []string{},
	}
	p[key] = e
	return e
}
