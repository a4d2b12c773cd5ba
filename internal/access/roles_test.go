package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
)

func newCachedTestService(t *testing.T) *testService {
	t.Helper()
	ts := newTestService(t)
	cache, err := NewCatalogCache(nil, 0, ts.mock.ListRoles, nil)
	require.NoError(t, err)
	ts.Service = NewService(ts.mock, nil,
		WithClock(func() time.Time { return baseTime }),
		WithMetrics(ts.metrics),
		WithCatalogSource(cache))
	return ts
}

func roleInput(name string, level int, parent *int64, grants ...Grant) RoleInput {
	return RoleInput{
		TenantID:          tenantID,
		Name:              name,
		HierarchyLevel:    level,
		InheritFromRoleID: parent,
		Grants:            grants,
		Reason:            "org change",
		ActorID:           adminUser,
	}
}

func TestCreateRoleInheritsAndAudits(t *testing.T) {
	ts := newCachedTestService(t)
	ctx := context.Background()
	controller := ts.roles["controller"]

	created, err := ts.CreateRole(ctx, roleInput(" analyst ", 3, &controller.ID,
		grant("reports", "read"), grant("reports", "EXPORT", "read")))
	require.NoError(t, err)
	assert.Equal(t, "analyst", created.Name)
	assert.Equal(t, []Grant{{ResourceKey: "reports", Actions: []string{"export", "read"}}}, created.Grants)
	assert.Equal(t, []int64{tenantID}, ts.mock.lockedCatalogs)

	require.Len(t, ts.mock.audits, 1)
	assert.Equal(t, audit.ActionCreated, ts.mock.audits[0].Action)
	assert.Equal(t, EntityRole, ts.mock.audits[0].EntityType)

	ts.mock.assign(tenantID, targetUser, created.ID)
	perms, err := ts.EffectivePermissions(ctx, tenantID, targetUser)
	require.NoError(t, err)
	assert.Equal(t, []string{"close", "read"}, perms["ledger"].Allowed.Sorted())
	assert.Equal(t, []string{"export", "read"}, perms["reports"].Allowed.Sorted())
}

func TestCreateRoleRejections(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	controller := ts.roles["controller"]

	_, err := ts.CreateRole(ctx, roleInput("auditor", controller.HierarchyLevel+1, &controller.ID))
	require.ErrorIs(t, err, ErrInvalidHierarchy, "child above parent")

	_, err = ts.CreateRole(ctx, roleInput("Controller", 1, nil))
	require.ErrorIs(t, err, ErrConflict, "names are unique regardless of case")

	_, err = ts.CreateRole(ctx, roleInput("orphan", 1, ptr(int64(4242))))
	require.ErrorIs(t, err, ErrInvalidReference)

	_, err = ts.CreateRole(ctx, roleInput("payroll clerk", 1, nil, grant("payroll", "read")))
	require.ErrorIs(t, err, ErrInvalidReference)

	hidden := ts.roles["reporter"]
	hidden.Visible = false
	ts.mock.roles[hidden.ID] = hidden
	_, err = ts.CreateRole(ctx, roleInput("junior reporter", 1, &hidden.ID))
	require.ErrorIs(t, err, ErrInvalidReference)

	_, err = ts.CreateRole(ctx, roleInput("", 1, nil))
	require.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, ts.mock.audits)
}

func TestUpdateRoleChecksHierarchy(t *testing.T) {
	ts := newCachedTestService(t)
	ctx := context.Background()
	controller := ts.roles["controller"]
	senior := ts.roles["senior"]

	_, err := ts.UpdateRole(ctx, controller.ID, roleInput("controller", senior.HierarchyLevel-1, nil, grant("ledger", "read", "close")))
	require.ErrorIs(t, err, ErrInvalidHierarchy, "level below an inheriting role")

	_, err = ts.UpdateRole(ctx, controller.ID, roleInput("controller", 6, &senior.ID))
	require.ErrorIs(t, err, ErrInvalidHierarchy, "closing a cycle")

	_, err = ts.UpdateRole(ctx, 4242, roleInput("ghost", 1, nil))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, ts.mock.audits)

	ts.mock.assign(tenantID, targetUser, senior.ID)
	perms, err := ts.EffectivePermissions(ctx, tenantID, targetUser)
	require.NoError(t, err)
	assert.True(t, perms.Allows("ledger", "close"))

	updated, err := ts.UpdateRole(ctx, controller.ID, roleInput("controller", 5, nil, grant("ledger", "read")))
	require.NoError(t, err)
	assert.Equal(t, controller.CreatedAt, updated.CreatedAt)
	require.Len(t, ts.mock.audits, 1)
	assert.Equal(t, audit.ActionModified, ts.mock.audits[0].Action)

	// The edit invalidated the cached catalog.
	perms, err = ts.EffectivePermissions(ctx, tenantID, targetUser)
	require.NoError(t, err)
	assert.False(t, perms.Allows("ledger", "close"))
	assert.True(t, perms.Allows("ledger", "read"))
}

func TestDeleteRole(t *testing.T) {
	ts := newCachedTestService(t)
	ctx := context.Background()

	err := ts.DeleteRole(ctx, tenantID, ts.roles["controller"].ID, adminUser, "restructure")
	require.ErrorIs(t, err, ErrInvalidHierarchy, "role with children")

	// Never assigned: removed outright.
	payables := ts.roles["payables"].ID
	require.NoError(t, ts.DeleteRole(ctx, tenantID, payables, adminUser, "unused"))
	_, ok := ts.mock.roles[payables]
	assert.False(t, ok)

	// Assigned at some point: hidden, still resolving for its holders.
	reporter := ts.roles["reporter"].ID
	ts.mock.assign(tenantID, targetUser, reporter)
	require.NoError(t, ts.DeleteRole(ctx, tenantID, reporter, adminUser, "retired"))
	stored, ok := ts.mock.roles[reporter]
	require.True(t, ok)
	assert.False(t, stored.Visible)

	_, err = ts.GetRole(ctx, tenantID, reporter)
	require.ErrorIs(t, err, ErrNotFound)
	visible, err := ts.ListRoles(ctx, tenantID)
	require.NoError(t, err)
	for _, r := range visible {
		assert.NotEqual(t, reporter, r.ID)
	}
	allowed, err := ts.Can(ctx, tenantID, targetUser, "reports", "read")
	require.NoError(t, err)
	assert.True(t, allowed)

	err = ts.DeleteRole(ctx, tenantID, reporter, adminUser, "again")
	require.ErrorIs(t, err, ErrNotFound)

	require.Len(t, ts.mock.audits, 2)
	assert.Equal(t, audit.ActionRevoked, ts.mock.audits[1].Action)
	assert.Equal(t, map[string]any{"role": ts.roles["reporter"], "softDeleted": true}, ts.mock.audits[1].Detail)
}

type failingInvalidation struct {
	CatalogSource
}

func (failingInvalidation) Invalidate(context.Context, int64) error {
	return errors.New("redis unavailable")
}

func TestRoleEditSurvivesInvalidationFailure(t *testing.T) {
	ts := newTestService(t)
	ts.Service = NewService(ts.mock, nil,
		WithClock(func() time.Time { return baseTime }),
		WithCatalogSource(failingInvalidation{CatalogSource: directCatalogs{load: ts.mock.ListRoles}}))

	_, err := ts.CreateRole(context.Background(), roleInput("auditor", 1, nil, grant("reports", "read")))
	require.NoError(t, err)
	assert.Len(t, ts.mock.audits, 1)
}
