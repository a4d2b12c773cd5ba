package access

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
)

// ListRoles returns the tenant's visible roles ordered by id.
func (s *Service) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	catalog, err := s.catalogs.Catalog(ctx, tenantID)
	if err != nil {
		return nil, loadError(ctx, "load roles", err)
	}
	return catalog.Roles(false), nil
}

// GetRole returns a visible role.
func (s *Service) GetRole(ctx context.Context, tenantID, roleID int64) (Role, error) {
	catalog, err := s.catalogs.Catalog(ctx, tenantID)
	if err != nil {
		return Role{}, loadError(ctx, "load roles", err)
	}
	role, err := catalog.GetRole(roleID)
	if err != nil {
		return Role{}, err
	}
	if !role.Visible {
		return Role{}, fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	return role, nil
}

// CreateRole validates the hierarchy and inserts a new role.
func (s *Service) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	role, err := s.saveRole(ctx, 0, in)
	s.metrics.ObserveMutation("create_role", outcome(err))
	return role, err
}

// UpdateRole edits an existing role. The new parent and level are checked
// against the rest of the catalog, including roles that inherit from this one.
func (s *Service) UpdateRole(ctx context.Context, roleID int64, in RoleInput) (Role, error) {
	role, err := s.saveRole(ctx, roleID, in)
	s.metrics.ObserveMutation("update_role", outcome(err))
	return role, err
}

func (s *Service) saveRole(ctx context.Context, roleID int64, in RoleInput) (Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.Grants = normalizeGrants(in.Grants)
	if err := s.validator.Struct(in); err != nil {
		return Role{}, err
	}
	now := s.now().UTC()
	var saved Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockRoleCatalog(ctx, in.TenantID); err != nil {
			return err
		}
		roles, err := tx.ListRoles(ctx, in.TenantID)
		if err != nil {
			return err
		}
		catalog := NewCatalog(in.TenantID, roles)

		candidate := Role{
			ID:                roleID,
			TenantID:          in.TenantID,
			Name:              in.Name,
			Description:       in.Description,
			HierarchyLevel:    in.HierarchyLevel,
			InheritFromRoleID: in.InheritFromRoleID,
			Grants:            in.Grants,
			Visible:           true,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		var before *Role
		if roleID != 0 {
			existing, err := catalog.GetRole(roleID)
			if err != nil {
				return err
			}
			if !existing.Visible {
				return fmt.Errorf("role %d: %w", roleID, ErrNotFound)
			}
			before = &existing
			candidate.CreatedAt = existing.CreatedAt
		}
		if err := s.checkRole(ctx, tx, catalog, candidate); err != nil {
			return err
		}

		action := audit.ActionCreated
		detail := map[string]any{"role": candidate}
		if before == nil {
			saved, err = tx.InsertRole(ctx, candidate)
		} else {
			saved, err = tx.UpdateRole(ctx, candidate)
			action = audit.ActionModified
			detail = map[string]any{"before": before, "after": candidate}
		}
		if err != nil {
			return err
		}
		_, err = tx.AppendAudit(ctx, audit.Entry{
			TenantID:    in.TenantID,
			EntityType:  EntityRole,
			EntityID:    strconv.FormatInt(saved.ID, 10),
			Action:      action,
			Detail:      detail,
			Reason:      strings.TrimSpace(in.Reason),
			PerformedBy: in.ActorID,
			PerformedAt: now,
		})
		return err
	})
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx, in.TenantID)
	return saved, nil
}

func (s *Service) checkRole(ctx context.Context, tx TxRepository, catalog *Catalog, candidate Role) error {
	for _, existing := range catalog.Roles(true) {
		if existing.ID != candidate.ID && strings.EqualFold(existing.Name, candidate.Name) {
			return fmt.Errorf("role name %q already used: %w", candidate.Name, ErrConflict)
		}
	}
	if candidate.InheritFromRoleID != nil {
		if parent, err := catalog.GetRole(*candidate.InheritFromRoleID); err == nil && !parent.Visible {
			return fmt.Errorf("parent role %d: %w", parent.ID, ErrInvalidReference)
		}
	}
	if err := catalog.ValidateHierarchy(candidate); err != nil {
		return err
	}
	if candidate.ID != 0 {
		children, err := catalog.ChildRoles(candidate.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.HierarchyLevel > candidate.HierarchyLevel {
				return fmt.Errorf("child role %q level %d exceeds new level %d: %w",
					child.Name, child.HierarchyLevel, candidate.HierarchyLevel, ErrInvalidHierarchy)
			}
		}
	}

	keys := make([]string, 0, len(candidate.Grants))
	for _, g := range candidate.Grants {
		keys = append(keys, g.ResourceKey)
	}
	keys = uniqueStrings(keys)
	if len(keys) == 0 {
		return nil
	}
	known, err := tx.KnownResources(ctx, candidate.TenantID, keys)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !known[key] {
			return fmt.Errorf("resource %q: %w", key, ErrInvalidReference)
		}
	}
	return nil
}

// DeleteRole removes a role. A role that was ever assigned is hidden instead
// so history keeps resolving; a role with child roles cannot be deleted.
func (s *Service) DeleteRole(ctx context.Context, tenantID, roleID, actorID int64, reason string) error {
	err := s.deleteRole(ctx, tenantID, roleID, actorID, reason)
	s.metrics.ObserveMutation("delete_role", outcome(err))
	return err
}

func (s *Service) deleteRole(ctx context.Context, tenantID, roleID, actorID int64, reason string) error {
	if tenantID <= 0 || actorID <= 0 {
		return validationf("tenant and actor required")
	}
	now := s.now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockRoleCatalog(ctx, tenantID); err != nil {
			return err
		}
		roles, err := tx.ListRoles(ctx, tenantID)
		if err != nil {
			return err
		}
		catalog := NewCatalog(tenantID, roles)
		role, err := catalog.GetRole(roleID)
		if err != nil {
			return err
		}
		if !role.Visible {
			return fmt.Errorf("role %d: %w", roleID, ErrNotFound)
		}
		children, err := catalog.ChildRoles(roleID)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return fmt.Errorf("role %q has %d child roles: %w", role.Name, len(children), ErrInvalidHierarchy)
		}
		assigned, err := tx.RoleEverAssigned(ctx, tenantID, roleID)
		if err != nil {
			return err
		}
		if assigned {
			err = tx.HideRole(ctx, tenantID, roleID)
		} else {
			err = tx.DeleteRole(ctx, tenantID, roleID)
		}
		if err != nil {
			return err
		}
		_, err = tx.AppendAudit(ctx, audit.Entry{
			TenantID:    tenantID,
			EntityType:  EntityRole,
			EntityID:    strconv.FormatInt(roleID, 10),
			Action:      audit.ActionRevoked,
			Detail:      map[string]any{"role": role, "softDeleted": assigned},
			Reason:      strings.TrimSpace(reason),
			PerformedBy: actorID,
			PerformedAt: now,
		})
		return err
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, tenantID)
	return nil
}

// invalidate runs after commit. A failure only delays other processes seeing the edit.
func (s *Service) invalidate(ctx context.Context, tenantID int64) {
	if err := s.catalogs.Invalidate(ctx, tenantID); err != nil {
		s.logger.Warn("invalidate role catalog", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
	}
}

func normalizeGrants(grants []Grant) []Grant {
	merged := make(map[string]ActionSet, len(grants))
	order := make([]string, 0, len(grants))
	for _, g := range grants {
		key := strings.TrimSpace(g.ResourceKey)
		set, ok := merged[key]
		if !ok {
			set = make(ActionSet)
			merged[key] = set
			order = append(order, key)
		}
		for _, a := range g.Actions {
			set.Add(a)
		}
	}
	out := make([]Grant, 0, len(order))
	for _, key := range order {
		out = append(out, Grant{ResourceKey: key, Actions: merged[key].Sorted()})
	}
	return out
}
