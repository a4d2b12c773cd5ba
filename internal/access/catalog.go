package access

import (
	"fmt"
	"sort"
)

// Catalog is an immutable, tenant-scoped snapshot of role definitions.
// It includes soft-deleted roles because existing assignments may still reference them.
type Catalog struct {
	tenantID int64
	roles    map[int64]Role
	children map[int64][]int64
}

// NewCatalog indexes roles for one tenant. Roles from other tenants are ignored.
func NewCatalog(tenantID int64, roles []Role) *Catalog {
	c := &Catalog{
		tenantID: tenantID,
		roles:    make(map[int64]Role, len(roles)),
		children: make(map[int64][]int64),
	}
	for _, role := range roles {
		if role.TenantID != tenantID {
			continue
		}
		c.roles[role.ID] = role
	}
	for id, role := range c.roles {
		if role.InheritFromRoleID != nil {
			parent := *role.InheritFromRoleID
			c.children[parent] = append(c.children[parent], id)
		}
	}
	for parent := range c.children {
		ids := c.children[parent]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return c
}

// TenantID returns the tenant the catalog belongs to.
func (c *Catalog) TenantID() int64 {
	return c.tenantID
}

// Len returns the number of roles in the catalog.
func (c *Catalog) Len() int {
	return len(c.roles)
}

// GetRole returns the role with the given id.
func (c *Catalog) GetRole(id int64) (Role, error) {
	role, ok := c.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	return role, nil
}

// Roles returns every role ordered by id. Soft-deleted roles are included when includeHidden is true.
func (c *Catalog) Roles(includeHidden bool) []Role {
	out := make([]Role, 0, len(c.roles))
	for _, role := range c.roles {
		if !role.Visible && !includeHidden {
			continue
		}
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChildRoles returns the roles that inherit directly from id.
func (c *Catalog) ChildRoles(id int64) ([]Role, error) {
	if _, ok := c.roles[id]; !ok {
		return nil, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	ids := c.children[id]
	out := make([]Role, 0, len(ids))
	for _, childID := range ids {
		out = append(out, c.roles[childID])
	}
	return out, nil
}

// InheritedRole returns the parent of id. ok is false when the role has no parent.
func (c *Catalog) InheritedRole(id int64) (parent Role, ok bool, err error) {
	role, err := c.GetRole(id)
	if err != nil {
		return Role{}, false, err
	}
	if role.InheritFromRoleID == nil {
		return Role{}, false, nil
	}
	parent, found := c.roles[*role.InheritFromRoleID]
	if !found {
		return Role{}, false, fmt.Errorf("role %d inherits from missing role %d: %w", id, *role.InheritFromRoleID, ErrInvalidHierarchy)
	}
	return parent, true, nil
}

// Chain returns id followed by its ancestors, nearest first.
func (c *Catalog) Chain(id int64) ([]Role, error) {
	role, err := c.GetRole(id)
	if err != nil {
		return nil, err
	}
	visited := make(map[int64]struct{}, len(c.roles))
	chain := make([]Role, 0, 4)
	for {
		if _, seen := visited[role.ID]; seen {
			return nil, fmt.Errorf("role %d: inheritance cycle through role %d: %w", id, role.ID, ErrInvalidHierarchy)
		}
		visited[role.ID] = struct{}{}
		chain = append(chain, role)
		if role.InheritFromRoleID == nil {
			return chain, nil
		}
		parentID := *role.InheritFromRoleID
		parent, ok := c.roles[parentID]
		if !ok {
			return nil, fmt.Errorf("role %d inherits from missing role %d: %w", role.ID, parentID, ErrInvalidHierarchy)
		}
		role = parent
	}
}

// ResolveGrants returns the union of the role's own grants and everything it inherits.
func (c *Catalog) ResolveGrants(id int64) (map[string]ActionSet, error) {
	chain, err := c.Chain(id)
	if err != nil {
		return nil, err
	}
	grants := make(map[string]ActionSet)
	for _, role := range chain {
		for _, g := range role.Grants {
			set, ok := grants[g.ResourceKey]
			if !ok {
				set = make(ActionSet, len(g.Actions))
				grants[g.ResourceKey] = set
			}
			for _, a := range g.Actions {
				set.Add(a)
			}
		}
	}
	return grants, nil
}

// ValidateHierarchy checks a new or edited role against the catalog: its parent
// must exist, must not lead back to the role, and must sit at the same or a higher level.
func (c *Catalog) ValidateHierarchy(candidate Role) error {
	if candidate.InheritFromRoleID == nil {
		return nil
	}
	parentID := *candidate.InheritFromRoleID
	if candidate.ID != 0 && parentID == candidate.ID {
		return fmt.Errorf("role %d cannot inherit from itself: %w", candidate.ID, ErrInvalidHierarchy)
	}
	parent, ok := c.roles[parentID]
	if !ok {
		return fmt.Errorf("parent role %d: %w", parentID, ErrInvalidReference)
	}
	if candidate.HierarchyLevel > parent.HierarchyLevel {
		return fmt.Errorf("role level %d exceeds parent %q level %d: %w",
			candidate.HierarchyLevel, parent.Name, parent.HierarchyLevel, ErrInvalidHierarchy)
	}
	if candidate.ID == 0 {
		_, err := c.Chain(parentID)
		return err
	}
	// Walk the prospective chain with the candidate substituted in.
	trial := c.with(candidate)
	_, err := trial.Chain(candidate.ID)
	return err
}

func (c *Catalog) with(role Role) *Catalog {
	roles := make([]Role, 0, len(c.roles)+1)
	for id, r := range c.roles {
		if id == role.ID {
			continue
		}
		roles = append(roles, r)
	}
	role.TenantID = c.tenantID
	roles = append(roles, role)
	return NewCatalog(c.tenantID, roles)
}
