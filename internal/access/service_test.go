package access

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	tenantID   int64 = 1
	targetUser int64 = 10
	adminUser  int64 = 1
	approver   int64 = 2
)

type recordingMetrics struct {
	mu          sync.Mutex
	resolutions []string
	mutations   map[string][]string
}

func (r *recordingMetrics) ObserveResolution(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolutions = append(r.resolutions, outcome)
}

func (r *recordingMetrics) ObserveMutation(op, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mutations == nil {
		r.mutations = make(map[string][]string)
	}
	r.mutations[op] = append(r.mutations[op], outcome)
}

type testService struct {
	*Service
	mock    *mockRepository
	metrics *recordingMetrics
	roles   map[string]Role
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	mock := newMockRepository()
	for _, id := range []int64{targetUser, adminUser, approver, 11} {
		mock.addUser(tenantID, id)
	}
	mock.addUser(2, 99)
	mock.addResources("invoices", "payments", "reports", "vendors", "ledger")

	roles := map[string]Role{}
	roles["R1"] = mock.addRole(role(0, "R1", 1, nil, grant("invoices", "read", "write")))
	roles["payables"] = mock.addRole(role(0, "payables", 2, nil, grant("payments", "read", "write")))
	roles["reporter"] = mock.addRole(role(0, "reporter", 1, nil, grant("reports", "read")))
	roles["controller"] = mock.addRole(role(0, "controller", 5, nil, grant("ledger", "read", "close")))
	roles["senior"] = mock.addRole(role(0, "senior", 4, ptr(roles["controller"].ID), grant("payments", "approve")))

	metrics := &recordingMetrics{}
	svc := NewService(mock, nil, WithClock(func() time.Time { return baseTime }), WithMetrics(metrics))
	return &testService{Service: svc, mock: mock, metrics: metrics, roles: roles}
}

func (ts *testService) change(roleIDs *[]int64, overrides *[]OverrideSpec) ChangeRequest {
	return ChangeRequest{
		TenantID:    tenantID,
		UserID:      targetUser,
		RoleUpdates: roleIDs,
		Overrides:   overrides,
		Reason:      "access review",
		ActorID:     adminUser,
	}
}

func ids(values ...int64) *[]int64 { return &values }

func specs(values ...OverrideSpec) *[]OverrideSpec { return &values }

func TestEffectivePermissionsUnknownUser(t *testing.T) {
	ts := newTestService(t)
	_, err := ts.EffectivePermissions(context.Background(), tenantID, 404)
	require.ErrorIs(t, err, ErrNotFound)

	// A user of another tenant is unknown here.
	_, err = ts.EffectivePermissions(context.Background(), tenantID, 99)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"NotFound", "NotFound"}, ts.metrics.resolutions)
}

func TestEffectivePermissionsCancelledBeforeLoad(t *testing.T) {
	ts := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	perms, err := ts.EffectivePermissions(ctx, tenantID, targetUser)
	require.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, perms)
}

func TestEffectivePermissionsLoadTimeoutIsCancelled(t *testing.T) {
	ts := newTestService(t)
	ts.mock.failOn["ListOverrides"] = context.DeadlineExceeded
	perms, err := ts.EffectivePermissions(context.Background(), tenantID, targetUser)
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Nil(t, perms)
}

func TestEffectivePermissionsLoadFailureIsInternal(t *testing.T) {
	ts := newTestService(t)
	ts.mock.failOn["ListAssignments"] = errors.New("connection reset")
	perms, err := ts.EffectivePermissions(context.Background(), tenantID, targetUser)
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Nil(t, perms)
}

func TestEffectivePermissionsCorruptHierarchyFailsClosed(t *testing.T) {
	ts := newTestService(t)
	a := ts.mock.addRole(role(0, "loop-a", 1, nil))
	b := ts.mock.addRole(role(0, "loop-b", 1, ptr(a.ID)))
	a.InheritFromRoleID = ptr(b.ID)
	ts.mock.roles[a.ID] = a
	ts.mock.assign(tenantID, targetUser, ts.roles["R1"].ID)
	ts.mock.assign(tenantID, targetUser, a.ID)

	perms, err := ts.EffectivePermissions(context.Background(), tenantID, targetUser)
	require.ErrorIs(t, err, ErrInvalidHierarchy)
	assert.Nil(t, perms)

	allowed, err := ts.Can(context.Background(), tenantID, targetUser, "invoices", "read")
	require.Error(t, err)
	assert.False(t, allowed)
}

func TestApplyPermissionChangesInvoiceScenario(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	r1 := ts.roles["R1"].ID

	_, err := ts.ApplyPermissionChanges(ctx, ts.change(ids(r1), specs(
		OverrideSpec{ResourceKey: "invoices", OverrideType: OverrideGrantAdditional, AllowedActions: []string{"delete"}},
	)))
	require.NoError(t, err)
	perms, err := ts.EffectivePermissions(ctx, tenantID, targetUser)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete", "read", "write"}, perms["invoices"].Allowed.Sorted())

	res, err := ts.ApplyPermissionChanges(ctx, ts.change(nil, specs(
		OverrideSpec{ResourceKey: "invoices", OverrideType: OverrideGrantAdditional, AllowedActions: []string{"delete"}},
		OverrideSpec{ResourceKey: "invoices", OverrideType: OverrideRevokeExisting, DeniedActions: []string{"write"}, Reason: "segregation of duties"},
	)))
	require.NoError(t, err)
	assert.Len(t, res.OverrideIDs, 2)

	perms, err = ts.EffectivePermissions(ctx, tenantID, targetUser)
	require.NoError(t, err)
	entry := perms["invoices"]
	assert.Equal(t, []string{"delete", "read"}, entry.Allowed.Sorted())
	assert.True(t, entry.HasOverride)
	assert.Equal(t, "segregation of duties", entry.OverrideReason)

	allowed, err := ts.Can(ctx, tenantID, targetUser, "invoices", "write")
	require.NoError(t, err)
	assert.False(t, allowed)
	allowed, err = ts.Can(ctx, tenantID, targetUser, "invoices", "DELETE")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestApplyPermissionChangesWritesExactlyOneAuditEntry(t *testing.T) {
	ts := newTestService(t)
	ts.mock.assign(tenantID, targetUser, ts.roles["reporter"].ID)

	req := ts.change(ids(ts.roles["R1"].ID, ts.roles["payables"].ID), specs(
		OverrideSpec{ResourceKey: "vendors", OverrideType: OverrideGrantAdditional, AllowedActions: []string{"read"}},
		OverrideSpec{ResourceKey: "payments", OverrideType: OverrideRevokeExisting, DeniedActions: []string{"write"}},
	))
	res, err := ts.ApplyPermissionChanges(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, ts.mock.audits, 1)
	entry := ts.mock.audits[0]
	assert.Equal(t, res.AuditID, entry.ID)
	assert.Equal(t, EntityUserPermissions, entry.EntityType)
	assert.Equal(t, "10", entry.EntityID)
	assert.Equal(t, audit.ActionModified, entry.Action)
	assert.Equal(t, adminUser, entry.PerformedBy)
	assert.Equal(t, "access review", entry.Reason)
	assert.Equal(t, baseTime, entry.PerformedAt)

	raw, err := json.Marshal(entry.Detail)
	require.NoError(t, err)
	var detail struct {
		Overrides   []OverrideSpec `json:"overrides"`
		RoleUpdates []int64        `json:"roleUpdates"`
		Previous    struct {
			RoleIDs []int64 `json:"roleIds"`
		} `json:"previous"`
	}
	require.NoError(t, json.Unmarshal(raw, &detail))
	assert.Equal(t, *req.Overrides, detail.Overrides)
	assert.Equal(t, *req.RoleUpdates, detail.RoleUpdates)
	assert.Equal(t, []int64{ts.roles["reporter"].ID}, detail.Previous.RoleIDs)

	assert.Equal(t, []string{"ok"}, ts.metrics.mutations["permission_changes"])
	assert.Equal(t, []int64{targetUser}, ts.mock.lockedUsers)
}

func TestApplyPermissionChangesInvalidRoleLeavesStateUnchanged(t *testing.T) {
	ts := newTestService(t)
	ts.mock.assign(tenantID, targetUser, ts.roles["reporter"].ID)
	ts.mock.addOverride(override(t, "vendors", OverrideGrantAdditional, []string{"read"}, nil, baseTime.Add(-time.Hour)))
	before := ts.mock.snapshot()

	req := ts.change(
		ids(ts.roles["R1"].ID, ts.roles["payables"].ID, 4242, ts.roles["controller"].ID, ts.roles["senior"].ID),
		specs(OverrideSpec{ResourceKey: "invoices", OverrideType: OverrideGrantAdditional, AllowedActions: []string{"delete"}}),
	)
	_, err := ts.ApplyPermissionChanges(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidReference)
	assert.Equal(t, KindInvalidReference, KindOf(err))

	assert.Equal(t, before.assignments, ts.mock.assignments)
	assert.Equal(t, before.overrides, ts.mock.overrides)
	assert.Empty(t, ts.mock.audits)
	assert.Equal(t, []int64{ts.roles["reporter"].ID}, ts.mock.activeRoleIDs(tenantID, targetUser))
	assert.Equal(t, []string{"InvalidReference"}, ts.metrics.mutations["permission_changes"])
}

func TestApplyPermissionChangesAuditFailureRollsBack(t *testing.T) {
	ts := newTestService(t)
	ts.mock.assign(tenantID, targetUser, ts.roles["reporter"].ID)
	ts.mock.failOn["AppendAudit"] = errors.New("audit store unavailable")

	_, err := ts.ApplyPermissionChanges(context.Background(), ts.change(ids(ts.roles["R1"].ID), specs(
		OverrideSpec{ResourceKey: "invoices", OverrideType: OverrideGrantAdditional, AllowedActions: []string{"delete"}},
	)))
	require.Error(t, err)
	assert.Equal(t, []int64{ts.roles["reporter"].ID}, ts.mock.activeRoleIDs(tenantID, targetUser))
	assert.Empty(t, ts.mock.enabledOverrides(tenantID, targetUser))
	assert.Empty(t, ts.mock.audits)
}

func TestApplyPermissionChangesRejectsUnknownResourceAndHiddenRole(t *testing.T) {
	ts := newTestService(t)
	_, err := ts.ApplyPermissionChanges(context.Background(), ts.change(nil, specs(
		OverrideSpec{ResourceKey: "payroll", OverrideType: OverrideGrantAdditional, AllowedActions: []string{"read"}},
	)))
	require.ErrorIs(t, err, ErrInvalidReference)

	hidden := ts.roles["reporter"]
	hidden.Visible = false
	ts.mock.roles[hidden.ID] = hidden
	_, err = ts.ApplyPermissionChanges(context.Background(), ts.change(ids(hidden.ID), nil))
	require.ErrorIs(t, err, ErrInvalidReference)
	assert.Empty(t, ts.mock.audits)
}

func TestApplyPermissionChangesValidation(t *testing.T) {
	ts := newTestService(t)
	past := baseTime.Add(-time.Minute)
	cases := map[string]ChangeRequest{
		"nothing to change": ts.change(nil, nil),
		"modify with denied actions": ts.change(nil, specs(
			OverrideSpec{ResourceKey: "invoices", OverrideType: OverrideModifyExisting, DeniedActions: []string{"write"}},
		)),
		"unknown type": ts.change(nil, specs(
			OverrideSpec{ResourceKey: "invoices", OverrideType: "WIPE", AllowedActions: []string{"read"}},
		)),
		"expired on arrival": ts.change(nil, specs(
			OverrideSpec{ResourceKey: "invoices", OverrideType: OverrideGrantAdditional, AllowedActions: []string{"read"}, ExpiresAt: &past},
		)),
		"missing reason": func() ChangeRequest {
			req := ts.change(ids(ts.roles["R1"].ID), nil)
			req.Reason = "  "
			return req
		}(),
		"missing actor": func() ChangeRequest {
			req := ts.change(ids(ts.roles["R1"].ID), nil)
			req.ActorID = 0
			return req
		}(),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ts.ApplyPermissionChanges(context.Background(), req)
			require.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
	assert.Empty(t, ts.mock.audits)
}

func TestApplyPermissionChangesUnknownUser(t *testing.T) {
	ts := newTestService(t)
	req := ts.change(ids(ts.roles["R1"].ID), nil)
	req.UserID = 404
	_, err := ts.ApplyPermissionChanges(context.Background(), req)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyPermissionChangesNilAndEmptySides(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	ts.mock.assign(tenantID, targetUser, ts.roles["R1"].ID)

	_, err := ts.ApplyPermissionChanges(ctx, ts.change(nil, specs(
		OverrideSpec{ResourceKey: "vendors", OverrideType: OverrideGrantAdditional, AllowedActions: []string{"read"}},
	)))
	require.NoError(t, err)
	assert.Equal(t, []int64{ts.roles["R1"].ID}, ts.mock.activeRoleIDs(tenantID, targetUser))

	_, err = ts.ApplyPermissionChanges(ctx, ts.change(ids(), nil))
	require.NoError(t, err)
	assert.Empty(t, ts.mock.activeRoleIDs(tenantID, targetUser))
	assert.Len(t, ts.mock.enabledOverrides(tenantID, targetUser), 1)

	_, err = ts.ApplyPermissionChanges(ctx, ts.change(nil, specs()))
	require.NoError(t, err)
	assert.Empty(t, ts.mock.enabledOverrides(tenantID, targetUser))
	// Replaced rows stay for history.
	assert.Len(t, ts.mock.overrides, 1)
	assert.Len(t, ts.mock.audits, 3)
}

func TestApplyPermissionChangesKeepsSubmissionOrder(t *testing.T) {
	ts := newTestService(t)
	_, err := ts.ApplyPermissionChanges(context.Background(), ts.change(ids(ts.roles["R1"].ID), specs(
		OverrideSpec{ResourceKey: "invoices", OverrideType: OverrideModifyExisting, AllowedActions: []string{"read"}},
		OverrideSpec{ResourceKey: "invoices", OverrideType: OverrideModifyExisting, AllowedActions: []string{"write"}},
	)))
	require.NoError(t, err)
	perms, err := ts.EffectivePermissions(context.Background(), tenantID, targetUser)
	require.NoError(t, err)
	assert.Equal(t, []string{"write"}, perms["invoices"].Allowed.Sorted())
}

func TestApplyPermissionChangesIdempotencyKey(t *testing.T) {
	ts := newTestService(t)
	req := ts.change(ids(ts.roles["R1"].ID), nil)
	req.IdempotencyKey = "req-1"

	_, err := ts.ApplyPermissionChanges(context.Background(), req)
	require.NoError(t, err)
	_, err = ts.ApplyPermissionChanges(context.Background(), req)
	require.ErrorIs(t, err, ErrConflict)
	assert.Len(t, ts.mock.audits, 1)
	assert.Contains(t, ts.mock.idempotency, "1:req-1")
}

func TestApproveOverrideFlow(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	res, err := ts.ApplyPermissionChanges(ctx, ts.change(ids(ts.roles["R1"].ID), specs(
		OverrideSpec{ResourceKey: "invoices", OverrideType: OverrideGrantAdditional, AllowedActions: []string{"approve"}, RequiresApproval: true},
	)))
	require.NoError(t, err)
	overrideID := res.OverrideIDs[0]

	allowed, err := ts.Can(ctx, tenantID, targetUser, "invoices", "approve")
	require.NoError(t, err)
	assert.False(t, allowed, "gated override must be inert before approval")

	_, err = ts.ApproveOverride(ctx, ApprovalRequest{TenantID: tenantID, UserID: targetUser, OverrideID: overrideID, ApproverID: adminUser})
	require.ErrorIs(t, err, ErrValidation, "creator cannot approve")

	_, err = ts.ApproveOverride(ctx, ApprovalRequest{TenantID: tenantID, UserID: 11, OverrideID: overrideID, ApproverID: approver})
	require.ErrorIs(t, err, ErrNotFound, "override belongs to another user")

	approved, err := ts.ApproveOverride(ctx, ApprovalRequest{TenantID: tenantID, UserID: targetUser, OverrideID: overrideID, ApproverID: approver, Note: "ok"})
	require.NoError(t, err)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, approver, *approved.ApprovedBy)

	allowed, err = ts.Can(ctx, tenantID, targetUser, "invoices", "approve")
	require.NoError(t, err)
	assert.True(t, allowed)

	_, err = ts.ApproveOverride(ctx, ApprovalRequest{TenantID: tenantID, UserID: targetUser, OverrideID: overrideID, ApproverID: approver})
	require.ErrorIs(t, err, ErrConflict)

	history, err := ts.OverrideApprovals(ctx, tenantID, targetUser, overrideID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, shared.ApprovalSubmit, history[0].Action)
	assert.Equal(t, shared.ApprovalApprove, history[1].Action)

	require.Len(t, ts.mock.audits, 2)
	assert.Equal(t, EntityOverride, ts.mock.audits[1].EntityType)
	assert.Equal(t, overrideID.String(), ts.mock.audits[1].EntityID)
}

func TestApproveOverrideNotGated(t *testing.T) {
	ts := newTestService(t)
	o := ts.mock.addOverride(override(t, "invoices", OverrideGrantAdditional, []string{"read"}, nil, baseTime.Add(-time.Hour)))
	_, err := ts.ApproveOverride(context.Background(), ApprovalRequest{TenantID: tenantID, UserID: targetUser, OverrideID: o.ID, ApproverID: approver})
	require.ErrorIs(t, err, ErrValidation)
}

func TestDisableOverride(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	o := ts.mock.addOverride(override(t, "vendors", OverrideGrantAdditional, []string{"read"}, nil, baseTime.Add(-time.Hour)))

	req := DisableRequest{TenantID: tenantID, UserID: targetUser, OverrideID: o.ID, ActorID: adminUser, Reason: "left team"}
	require.NoError(t, ts.DisableOverride(ctx, req))
	allowed, err := ts.Can(ctx, tenantID, targetUser, "vendors", "read")
	require.NoError(t, err)
	assert.False(t, allowed)
	require.Len(t, ts.mock.audits, 1)
	assert.Equal(t, audit.ActionRevoked, ts.mock.audits[0].Action)

	require.NoError(t, ts.DisableOverride(ctx, req))
	assert.Len(t, ts.mock.audits, 1, "disabling twice is a no-op")

	err = ts.DisableOverride(ctx, DisableRequest{TenantID: tenantID, UserID: targetUser, OverrideID: uuid.New(), ActorID: adminUser})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepExpiredOverrides(t *testing.T) {
	ts := newTestService(t)
	expired := override(t, "vendors", OverrideGrantAdditional, []string{"read"}, nil, baseTime.Add(-48*time.Hour))
	expired.ExpiresAt = ptr(baseTime.Add(-time.Hour))
	live := override(t, "reports", OverrideGrantAdditional, []string{"read"}, nil, baseTime.Add(-48*time.Hour))
	live.ExpiresAt = ptr(baseTime.Add(time.Hour))
	ts.mock.addOverride(expired)
	ts.mock.addOverride(live)

	n, err := ts.SweepExpiredOverrides(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	enabled := ts.mock.enabledOverrides(tenantID, targetUser)
	require.Len(t, enabled, 1)
	assert.Equal(t, live.ID, enabled[0].ID)

	require.Len(t, ts.mock.audits, 1)
	assert.Equal(t, SystemActorID, ts.mock.audits[0].PerformedBy)
	assert.Equal(t, expired.ID.String(), ts.mock.audits[0].EntityID)

	n, err = ts.SweepExpiredOverrides(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUserOverridesListsInertOverrides(t *testing.T) {
	ts := newTestService(t)
	gated := override(t, "invoices", OverrideGrantAdditional, []string{"approve"}, nil, baseTime.Add(-time.Minute))
	gated.RequiresApproval = true
	older := override(t, "vendors", OverrideGrantAdditional, []string{"read"}, nil, baseTime.Add(-time.Hour))
	ts.mock.addOverride(gated)
	ts.mock.addOverride(older)

	list, err := ts.UserOverrides(context.Background(), tenantID, targetUser)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID)
	assert.Equal(t, gated.ID, list[1].ID)

	_, err = ts.UserOverrides(context.Background(), tenantID, 404)
	require.ErrorIs(t, err, ErrNotFound)
}
