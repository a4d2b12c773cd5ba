package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/access"
)

type stubResolver struct {
	perms access.Permissions
	err   error
}

func (s stubResolver) EffectivePermissions(ctx context.Context, tenantID, userID int64) (access.Permissions, error) {
	return s.perms, s.err
}

func invoicePermissions() access.Permissions {
	return access.Permissions{
		"invoices": {
			ResourceKey:       "invoices",
			Allowed:           access.NewActionSet("read", "delete"),
			Denied:            access.NewActionSet("write"),
			Source:            access.SourceOverride,
			ContributingRoles: []string{"R1"},
			HasOverride:       true,
			OverrideReason:    "quarter close",
		},
	}
}

func runExplain(t *testing.T, resolver PermissionResolver, opts ExplainOptions) (int, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	cli, err := NewAccessCLI(resolver)
	require.NoError(t, err)
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	opts.Stdout, opts.Stderr = stdout, stderr
	return cli.ExplainCommand(context.Background(), opts), stdout, stderr
}

func TestExplainCommandJSONAllowed(t *testing.T) {
	code, stdout, stderr := runExplain(t, stubResolver{perms: invoicePermissions()}, ExplainOptions{
		TenantID: 1, UserID: 10, Resource: "invoices", Action: "delete", JSONOutput: true,
	})
	require.Equal(t, ExitOK, code)
	require.Empty(t, stderr.String())

	var summary struct {
		Check       ExplainCheck `json:"check"`
		Permissions map[string]struct {
			Allowed []string `json:"allowedActions"`
			Denied  []string `json:"deniedActions"`
		} `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.Check.Allowed)
	require.Equal(t, []string{"delete", "read"}, summary.Permissions["invoices"].Allowed)
	require.Equal(t, []string{"write"}, summary.Permissions["invoices"].Denied)
}

func TestExplainCommandDenied(t *testing.T) {
	code, stdout, _ := runExplain(t, stubResolver{perms: invoicePermissions()}, ExplainOptions{
		TenantID: 1, UserID: 10, Resource: "invoices", Action: "write",
	})
	require.Equal(t, ExitDenied, code)
	require.Contains(t, stdout.String(), "invoices [override] allow=delete,read deny=write roles=R1")
	require.Contains(t, stdout.String(), "write invoices: DENIED")
}

func TestExplainCommandNoAccess(t *testing.T) {
	code, stdout, _ := runExplain(t, stubResolver{perms: access.Permissions{}}, ExplainOptions{TenantID: 1, UserID: 10})
	require.Equal(t, ExitOK, code)
	require.Contains(t, stdout.String(), "No access.")
}

func TestExplainCommandErrors(t *testing.T) {
	code, _, stderr := runExplain(t, stubResolver{}, ExplainOptions{TenantID: 1})
	require.Equal(t, ExitError, code)
	require.Contains(t, stderr.String(), "--user")

	code, _, stderr = runExplain(t, stubResolver{}, ExplainOptions{TenantID: 1, UserID: 10, Resource: "invoices"})
	require.Equal(t, ExitError, code)
	require.Contains(t, stderr.String(), "together")

	code, _, stderr = runExplain(t, stubResolver{err: fmt.Errorf("user 10: %w", access.ErrNotFound)}, ExplainOptions{TenantID: 1, UserID: 10})
	require.Equal(t, ExitError, code)
	require.Contains(t, stderr.String(), "NotFound")

	_, err := NewAccessCLI(nil)
	require.Error(t, err)
}
