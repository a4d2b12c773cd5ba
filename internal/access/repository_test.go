package access

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// mockRepository is an in-memory store. WithTx snapshots the state and
// restores it when the callback fails, mirroring a rolled back transaction.
type mockRepository struct {
	mu sync.Mutex

	users        map[int64]int64 // user id -> tenant id
	roles        map[int64]Role
	nextRoleID   int64
	assignments  []RoleAssignment
	nextAssignID int64
	overrides    []Override
	resources    map[string]bool
	approvals    []shared.ApprovalLog
	idempotency  map[string]string
	audits       []audit.Entry

	// error injection
	txError        error
	loadError      error
	failOn         map[string]error
	catalogLoads   int
	lockedUsers    []int64
	lockedCatalogs []int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		users:       make(map[int64]int64),
		roles:       make(map[int64]Role),
		nextRoleID:  100,
		resources:   make(map[string]bool),
		idempotency: make(map[string]string),
		failOn:      make(map[string]error),
	}
}

type mockState struct {
	roles        map[int64]Role
	nextRoleID   int64
	assignments  []RoleAssignment
	nextAssignID int64
	overrides    []Override
	approvals    []shared.ApprovalLog
	idempotency  map[string]string
	audits       []audit.Entry
}

func (m *mockRepository) snapshot() mockState {
	roles := make(map[int64]Role, len(m.roles))
	for id, r := range m.roles {
		roles[id] = r
	}
	idem := make(map[string]string, len(m.idempotency))
	for k, v := range m.idempotency {
		idem[k] = v
	}
	return mockState{
		roles:        roles,
		nextRoleID:   m.nextRoleID,
		assignments:  append([]RoleAssignment(nil), m.assignments...),
		nextAssignID: m.nextAssignID,
		overrides:    append([]Override(nil), m.overrides...),
		approvals:    append([]shared.ApprovalLog(nil), m.approvals...),
		idempotency:  idem,
		audits:       append([]audit.Entry(nil), m.audits...),
	}
}

func (m *mockRepository) restore(s mockState) {
	m.roles = s.roles
	m.nextRoleID = s.nextRoleID
	m.assignments = s.assignments
	m.nextAssignID = s.nextAssignID
	m.overrides = s.overrides
	m.approvals = s.approvals
	m.idempotency = s.idempotency
	m.audits = s.audits
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if m.txError != nil {
		return m.txError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := m.snapshot()
	if err := fn(ctx, &mockTxRepo{mock: m}); err != nil {
		m.restore(saved)
		return err
	}
	return nil
}

// Seed helpers

func (m *mockRepository) addUser(tenantID, userID int64) {
	m.users[userID] = tenantID
}

func (m *mockRepository) addResources(keys ...string) {
	for _, k := range keys {
		m.resources[k] = true
	}
}

func (m *mockRepository) addRole(role Role) Role {
	if role.ID == 0 {
		m.nextRoleID++
		role.ID = m.nextRoleID
	}
	if role.TenantID == 0 {
		role.TenantID = 1
	}
	role.Visible = true
	m.roles[role.ID] = role
	return role
}

func (m *mockRepository) assign(tenantID, userID, roleID int64) {
	m.nextAssignID++
	m.assignments = append(m.assignments, RoleAssignment{
		ID: m.nextAssignID, TenantID: tenantID, UserID: userID, RoleID: roleID, AssignedBy: 1, IsActive: true,
	})
}

func (m *mockRepository) addOverride(o Override) Override {
	if o.ID == uuid.Nil {
		o.ID = uuid.Must(uuid.NewV7())
	}
	if o.TenantID == 0 {
		o.TenantID = 1
	}
	m.overrides = append(m.overrides, o)
	return o
}

func (m *mockRepository) activeRoleIDs(tenantID, userID int64) []int64 {
	var ids []int64
	for _, a := range m.assignments {
		if a.TenantID == tenantID && a.UserID == userID && a.IsActive {
			ids = append(ids, a.RoleID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *mockRepository) enabledOverrides(tenantID, userID int64) []Override {
	var out []Override
	for _, o := range m.overrides {
		if o.TenantID == tenantID && o.UserID == userID && o.IsEnabled {
			out = append(out, o)
		}
	}
	return out
}

// RepositoryPort

func (m *mockRepository) UserExists(ctx context.Context, tenantID, userID int64) (bool, error) {
	if m.loadError != nil {
		return false, m.loadError
	}
	tenant, ok := m.users[userID]
	return ok && tenant == tenantID, nil
}

func (m *mockRepository) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	m.catalogLoads++
	if err := m.failOn["ListRoles"]; err != nil {
		return nil, err
	}
	var out []Role
	for _, r := range m.roles {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRepository) ListAssignments(ctx context.Context, tenantID, userID int64) ([]RoleAssignment, error) {
	if err := m.failOn["ListAssignments"]; err != nil {
		return nil, err
	}
	var out []RoleAssignment
	for _, a := range m.assignments {
		if a.TenantID == tenantID && a.UserID == userID && a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockRepository) ListOverrides(ctx context.Context, tenantID, userID int64) ([]Override, error) {
	if err := m.failOn["ListOverrides"]; err != nil {
		return nil, err
	}
	return m.enabledOverrides(tenantID, userID), nil
}

func (m *mockRepository) GetOverride(ctx context.Context, tenantID int64, id uuid.UUID) (Override, error) {
	for _, o := range m.overrides {
		if o.TenantID == tenantID && o.ID == id {
			return o, nil
		}
	}
	return Override{}, fmt.Errorf("override: %w", ErrNotFound)
}

func (m *mockRepository) ListApprovals(ctx context.Context, overrideID uuid.UUID) ([]shared.ApprovalLog, error) {
	var out []shared.ApprovalLog
	for _, l := range m.approvals {
		if l.RefID == overrideID {
			out = append(out, l)
		}
	}
	return out, nil
}

// TxRepository

type mockTxRepo struct {
	mock *mockRepository
}

func (t *mockTxRepo) fail(op string) error {
	return t.mock.failOn[op]
}

func (t *mockTxRepo) LockUser(ctx context.Context, tenantID, userID int64) error {
	if tenant, ok := t.mock.users[userID]; !ok || tenant != tenantID {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	t.mock.lockedUsers = append(t.mock.lockedUsers, userID)
	return nil
}

func (t *mockTxRepo) LockRoleCatalog(ctx context.Context, tenantID int64) error {
	t.mock.lockedCatalogs = append(t.mock.lockedCatalogs, tenantID)
	return nil
}

func (t *mockTxRepo) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	if _, used := t.mock.idempotency[key]; used {
		return fmt.Errorf("idempotency key %q: %w", key, ErrConflict)
	}
	t.mock.idempotency[key] = module
	return nil
}

func (t *mockTxRepo) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	return t.mock.ListRoles(ctx, tenantID)
}

func (t *mockTxRepo) ListAssignments(ctx context.Context, tenantID, userID int64) ([]RoleAssignment, error) {
	return t.mock.ListAssignments(ctx, tenantID, userID)
}

func (t *mockTxRepo) ListOverrides(ctx context.Context, tenantID, userID int64) ([]Override, error) {
	return t.mock.ListOverrides(ctx, tenantID, userID)
}

func (t *mockTxRepo) KnownResources(ctx context.Context, tenantID int64, keys []string) (map[string]bool, error) {
	known := make(map[string]bool)
	for _, k := range keys {
		if t.mock.resources[k] {
			known[k] = true
		}
	}
	return known, nil
}

func (t *mockTxRepo) DeactivateAssignments(ctx context.Context, tenantID, userID int64) error {
	for i, a := range t.mock.assignments {
		if a.TenantID == tenantID && a.UserID == userID {
			t.mock.assignments[i].IsActive = false
		}
	}
	return nil
}

func (t *mockTxRepo) InsertAssignment(ctx context.Context, a RoleAssignment) (int64, error) {
	if err := t.fail("InsertAssignment"); err != nil {
		return 0, err
	}
	t.mock.nextAssignID++
	a.ID = t.mock.nextAssignID
	t.mock.assignments = append(t.mock.assignments, a)
	return a.ID, nil
}

func (t *mockTxRepo) DisableOverrides(ctx context.Context, tenantID, userID int64) error {
	for i, o := range t.mock.overrides {
		if o.TenantID == tenantID && o.UserID == userID {
			t.mock.overrides[i].IsEnabled = false
		}
	}
	return nil
}

func (t *mockTxRepo) InsertOverride(ctx context.Context, o Override) error {
	if err := t.fail("InsertOverride"); err != nil {
		return err
	}
	t.mock.overrides = append(t.mock.overrides, o)
	return nil
}

func (t *mockTxRepo) GetOverrideForUpdate(ctx context.Context, tenantID int64, id uuid.UUID) (Override, error) {
	return t.mock.GetOverride(ctx, tenantID, id)
}

func (t *mockTxRepo) SetOverrideApproval(ctx context.Context, tenantID int64, id uuid.UUID, approvedBy int64, approvedAt time.Time) error {
	for i, o := range t.mock.overrides {
		if o.TenantID == tenantID && o.ID == id {
			by, at := approvedBy, approvedAt
			t.mock.overrides[i].ApprovedBy = &by
			t.mock.overrides[i].ApprovedAt = &at
			return nil
		}
	}
	return fmt.Errorf("override %s: %w", id, ErrNotFound)
}

func (t *mockTxRepo) DisableOverride(ctx context.Context, tenantID int64, id uuid.UUID) error {
	for i, o := range t.mock.overrides {
		if o.TenantID == tenantID && o.ID == id {
			t.mock.overrides[i].IsEnabled = false
		}
	}
	return nil
}

func (t *mockTxRepo) ExpiredOverrides(ctx context.Context, now time.Time, limit int) ([]Override, error) {
	var out []Override
	for _, o := range t.mock.overrides {
		if o.IsEnabled && o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			out = append(out, o)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *mockTxRepo) InsertRole(ctx context.Context, role Role) (Role, error) {
	t.mock.nextRoleID++
	role.ID = t.mock.nextRoleID
	t.mock.roles[role.ID] = role
	return role, nil
}

func (t *mockTxRepo) UpdateRole(ctx context.Context, role Role) (Role, error) {
	if _, ok := t.mock.roles[role.ID]; !ok {
		return Role{}, fmt.Errorf("role %d: %w", role.ID, ErrNotFound)
	}
	t.mock.roles[role.ID] = role
	return role, nil
}

func (t *mockTxRepo) RoleEverAssigned(ctx context.Context, tenantID, roleID int64) (bool, error) {
	for _, a := range t.mock.assignments {
		if a.TenantID == tenantID && a.RoleID == roleID {
			return true, nil
		}
	}
	return false, nil
}

func (t *mockTxRepo) HideRole(ctx context.Context, tenantID, roleID int64) error {
	role := t.mock.roles[roleID]
	role.Visible = false
	t.mock.roles[roleID] = role
	return nil
}

func (t *mockTxRepo) DeleteRole(ctx context.Context, tenantID, roleID int64) error {
	delete(t.mock.roles, roleID)
	return nil
}

func (t *mockTxRepo) RecordApproval(ctx context.Context, log shared.ApprovalLog) error {
	if err := t.fail("RecordApproval"); err != nil {
		return err
	}
	t.mock.approvals = append(t.mock.approvals, log)
	return nil
}

func (t *mockTxRepo) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	if err := t.fail("AppendAudit"); err != nil {
		return audit.Entry{}, err
	}
	entry.ID = uuid.Must(uuid.NewV7())
	t.mock.audits = append(t.mock.audits, entry)
	return entry, nil
}
