package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const overrideColumns = `id, tenant_id, user_id, resource_key, override_type, allowed_actions, denied_actions,
reason, expires_at, requires_approval, approved_by, approved_at, is_enabled, created_by, created_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool   *pgxpool.Pool
	ledger *audit.Ledger
	logger *slog.Logger
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, ledger *audit.Ledger, logger *slog.Logger) *Repository {
	if ledger == nil {
		ledger = audit.NewLedger()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{pool: pool, ledger: ledger, logger: logger}
}

type txRepo struct {
	tx          pgx.Tx
	ledger      *audit.Ledger
	approvals   *shared.ApprovalRecorder
	idempotency *shared.IdempotencyStore
}

// WithTx wraps callback in a read-committed transaction. Mutations take a row
// or advisory lock first, so every later statement sees what the previous
// lock holder committed.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		wrapper := &txRepo{
			tx:          tx,
			ledger:      r.ledger,
			approvals:   shared.NewApprovalRecorder(tx, r.logger),
			idempotency: shared.NewIdempotencyStore(tx),
		}
		return fn(ctx, wrapper)
	})
	return mapPgError(err)
}

func mapPgError(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsSerializationFailure(err), db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return err
	}
}

// UserExists reports whether the host application knows the user in the tenant.
func (r *Repository) UserExists(ctx context.Context, tenantID, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE tenant_id=$1 AND id=$2)`, tenantID, userID).Scan(&exists)
	return exists, err
}

// ListRoles returns every role of the tenant, hidden ones included.
func (r *Repository) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	return listRoles(ctx, r.pool, tenantID)
}

// ListAssignments returns the user's active role assignments.
func (r *Repository) ListAssignments(ctx context.Context, tenantID, userID int64) ([]RoleAssignment, error) {
	return listAssignments(ctx, r.pool, tenantID, userID)
}

// ListOverrides returns the user's enabled overrides. Expiry and approval are
// left to the resolution engine.
func (r *Repository) ListOverrides(ctx context.Context, tenantID, userID int64) ([]Override, error) {
	return listOverrides(ctx, r.pool, tenantID, userID)
}

// GetOverride fetches one override.
func (r *Repository) GetOverride(ctx context.Context, tenantID int64, id uuid.UUID) (Override, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+overrideColumns+` FROM permission_overrides WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return scanOverride(row)
}

// ListApprovals returns the approval history of an override.
func (r *Repository) ListApprovals(ctx context.Context, overrideID uuid.UUID) ([]shared.ApprovalLog, error) {
	return shared.NewApprovalRecorder(r.pool, r.logger).List(ctx, approvalModule, overrideID)
}

func (t *txRepo) LockUser(ctx context.Context, tenantID, userID int64) error {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM users WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return err
}

func (t *txRepo) LockRoleCatalog(ctx context.Context, tenantID int64) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('access.roles:' || $1::text, 0))`, tenantID)
	return err
}

func (t *txRepo) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	err := t.idempotency.CheckAndInsert(ctx, key, module)
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return fmt.Errorf("idempotency key %q: %w", key, ErrConflict)
	}
	return err
}

func (t *txRepo) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	return listRoles(ctx, t.tx, tenantID)
}

func (t *txRepo) ListAssignments(ctx context.Context, tenantID, userID int64) ([]RoleAssignment, error) {
	return listAssignments(ctx, t.tx, tenantID, userID)
}

func (t *txRepo) ListOverrides(ctx context.Context, tenantID, userID int64) ([]Override, error) {
	return listOverrides(ctx, t.tx, tenantID, userID)
}

func (t *txRepo) KnownResources(ctx context.Context, tenantID int64, keys []string) (map[string]bool, error) {
	rows, err := t.tx.Query(ctx, `SELECT resource_key FROM menu_permissions WHERE tenant_id=$1 AND resource_key = ANY($2)`, tenantID, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	known := make(map[string]bool, len(keys))
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		known[key] = true
	}
	return known, rows.Err()
}

func (t *txRepo) DeactivateAssignments(ctx context.Context, tenantID, userID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE role_assignments SET is_active=false WHERE tenant_id=$1 AND user_id=$2 AND is_active`, tenantID, userID)
	return err
}

func (t *txRepo) InsertAssignment(ctx context.Context, a RoleAssignment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO role_assignments (tenant_id, user_id, role_id, assigned_by, assigned_at, is_active)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, a.TenantID, a.UserID, a.RoleID, a.AssignedBy, a.AssignedAt, a.IsActive).Scan(&id)
	return id, err
}

func (t *txRepo) DisableOverrides(ctx context.Context, tenantID, userID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE permission_overrides SET is_enabled=false WHERE tenant_id=$1 AND user_id=$2 AND is_enabled`, tenantID, userID)
	return err
}

func (t *txRepo) InsertOverride(ctx context.Context, o Override) error {
	if o.Effect == nil {
		return errors.New("access: override effect required")
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO permission_overrides (`+overrideColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.TenantID, o.UserID, o.ResourceKey, string(o.Effect.Type()),
		nonNil(o.Effect.AllowedActions()), nonNil(o.Effect.DeniedActions()),
		o.Reason, o.ExpiresAt, o.RequiresApproval, o.ApprovedBy, o.ApprovedAt, o.IsEnabled, o.CreatedBy, o.CreatedAt)
	return err
}

func (t *txRepo) GetOverrideForUpdate(ctx context.Context, tenantID int64, id uuid.UUID) (Override, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+overrideColumns+` FROM permission_overrides WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id)
	return scanOverride(row)
}

func (t *txRepo) SetOverrideApproval(ctx context.Context, tenantID int64, id uuid.UUID, approvedBy int64, approvedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE permission_overrides SET approved_by=$3, approved_at=$4 WHERE tenant_id=$1 AND id=$2`, tenantID, id, approvedBy, approvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("override %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *txRepo) DisableOverride(ctx context.Context, tenantID int64, id uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `UPDATE permission_overrides SET is_enabled=false WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

func (t *txRepo) ExpiredOverrides(ctx context.Context, now time.Time, limit int) ([]Override, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+overrideColumns+` FROM permission_overrides
WHERE is_enabled AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY expires_at, id LIMIT $2 FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectOverrides(rows)
}

func (t *txRepo) InsertRole(ctx context.Context, role Role) (Role, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO roles (tenant_id, name, description, hierarchy_level, inherit_from_role_id, visible, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, true, $6, $7) RETURNING id`,
		role.TenantID, role.Name, role.Description, role.HierarchyLevel, role.InheritFromRoleID, role.CreatedAt, role.UpdatedAt).Scan(&role.ID)
	if err != nil {
		return Role{}, err
	}
	if err := t.insertGrants(ctx, role.ID, role.Grants); err != nil {
		return Role{}, err
	}
	return role, nil
}

func (t *txRepo) UpdateRole(ctx context.Context, role Role) (Role, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE roles SET name=$3, description=$4, hierarchy_level=$5, inherit_from_role_id=$6, updated_at=$7
WHERE tenant_id=$1 AND id=$2`,
		role.TenantID, role.ID, role.Name, role.Description, role.HierarchyLevel, role.InheritFromRoleID, role.UpdatedAt)
	if err != nil {
		return Role{}, err
	}
	if tag.RowsAffected() == 0 {
		return Role{}, fmt.Errorf("role %d: %w", role.ID, ErrNotFound)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM role_grants WHERE role_id=$1`, role.ID); err != nil {
		return Role{}, err
	}
	if err := t.insertGrants(ctx, role.ID, role.Grants); err != nil {
		return Role{}, err
	}
	return role, nil
}

func (t *txRepo) insertGrants(ctx context.Context, roleID int64, grants []Grant) error {
	for _, g := range grants {
		if _, err := t.tx.Exec(ctx, `INSERT INTO role_grants (role_id, resource_key, actions) VALUES ($1, $2, $3)`,
			roleID, g.ResourceKey, nonNil(g.Actions)); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) RoleEverAssigned(ctx context.Context, tenantID, roleID int64) (bool, error) {
	var assigned bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM role_assignments WHERE tenant_id=$1 AND role_id=$2)`, tenantID, roleID).Scan(&assigned)
	return assigned, err
}

func (t *txRepo) HideRole(ctx context.Context, tenantID, roleID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE roles SET visible=false, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`, tenantID, roleID)
	return err
}

func (t *txRepo) DeleteRole(ctx context.Context, tenantID, roleID int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM role_grants WHERE role_id=$1`, roleID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM roles WHERE tenant_id=$1 AND id=$2`, tenantID, roleID)
	return err
}

func (t *txRepo) RecordApproval(ctx context.Context, log shared.ApprovalLog) error {
	return t.approvals.Record(ctx, log)
}

func (t *txRepo) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	return t.ledger.Append(ctx, t.tx, entry)
}

// Shared query helpers usable on the pool or inside a transaction.

func listRoles(ctx context.Context, q db.DBTX, tenantID int64) ([]Role, error) {
	rows, err := q.Query(ctx, `SELECT id, tenant_id, name, description, hierarchy_level, inherit_from_role_id, visible, created_at, updated_at
FROM roles WHERE tenant_id=$1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	var roles []Role
	index := make(map[int64]int)
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.HierarchyLevel,
			&role.InheritFromRoleID, &role.Visible, &role.CreatedAt, &role.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		index[role.ID] = len(roles)
		roles = append(roles, role)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	grantRows, err := q.Query(ctx, `SELECT g.role_id, g.resource_key, g.actions
FROM role_grants g JOIN roles r ON r.id = g.role_id
WHERE r.tenant_id=$1 ORDER BY g.role_id, g.resource_key`, tenantID)
	if err != nil {
		return nil, err
	}
	defer grantRows.Close()
	for grantRows.Next() {
		var roleID int64
		var g Grant
		if err := grantRows.Scan(&roleID, &g.ResourceKey, &g.Actions); err != nil {
			return nil, err
		}
		if i, ok := index[roleID]; ok {
			roles[i].Grants = append(roles[i].Grants, g)
		}
	}
	if err := grantRows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func listAssignments(ctx context.Context, q db.DBTX, tenantID, userID int64) ([]RoleAssignment, error) {
	rows, err := q.Query(ctx, `SELECT id, tenant_id, user_id, role_id, assigned_by, assigned_at, is_active
FROM role_assignments WHERE tenant_id=$1 AND user_id=$2 AND is_active ORDER BY id`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.ID, &a.TenantID, &a.UserID, &a.RoleID, &a.AssignedBy, &a.AssignedAt, &a.IsActive); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func listOverrides(ctx context.Context, q db.DBTX, tenantID, userID int64) ([]Override, error) {
	rows, err := q.Query(ctx, `SELECT `+overrideColumns+` FROM permission_overrides
WHERE tenant_id=$1 AND user_id=$2 AND is_enabled ORDER BY created_at, id`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return collectOverrides(rows)
}

func collectOverrides(rows pgx.Rows) ([]Override, error) {
	defer rows.Close()
	var out []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanOverride(row pgx.Row) (Override, error) {
	var (
		o       Override
		kind    string
		allowed []string
		denied  []string
	)
	err := row.Scan(&o.ID, &o.TenantID, &o.UserID, &o.ResourceKey, &kind, &allowed, &denied,
		&o.Reason, &o.ExpiresAt, &o.RequiresApproval, &o.ApprovedBy, &o.ApprovedAt, &o.IsEnabled, &o.CreatedBy, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, fmt.Errorf("override: %w", ErrNotFound)
		}
		return Override{}, err
	}
	effect, err := NewOverrideEffect(OverrideType(kind), allowed, denied)
	if err != nil {
		// Stored rows are trusted input; a bad one is an internal fault, not a client error.
		return Override{}, fmt.Errorf("override %s: stored effect invalid: %v", o.ID, err)
	}
	o.Effect = effect
	return o, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
