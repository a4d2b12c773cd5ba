package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/access"
)

// PermissionResolver computes a user's effective permissions.
type PermissionResolver interface {
	EffectivePermissions(ctx context.Context, tenantID, userID int64) (access.Permissions, error)
}

// AccessCLI offers operator helpers on top of the access service.
type AccessCLI struct {
	resolver PermissionResolver
}

// NewAccessCLI constructs the helper.
func NewAccessCLI(resolver PermissionResolver) (*AccessCLI, error) {
	if resolver == nil {
		return nil, fmt.Errorf("access cli: resolver required")
	}
	return &AccessCLI{resolver: resolver}, nil
}

// ExplainOptions defines the flags of the explain command.
type ExplainOptions struct {
	TenantID   int64
	UserID     int64
	Resource   string
	Action     string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ExplainSummary is the JSON form of explain output.
type ExplainSummary struct {
	TenantID    int64              `json:"tenant_id"`
	UserID      int64              `json:"user_id"`
	Check       *ExplainCheck      `json:"check,omitempty"`
	Permissions access.Permissions `json:"permissions"`
}

// ExplainCheck reports a single resource/action decision.
type ExplainCheck struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Allowed  bool   `json:"allowed"`
}

// Exit codes returned by ExplainCommand.
const (
	ExitOK     = 0
	ExitError  = 1
	ExitDenied = 10
)

// ExplainCommand prints the user's effective permissions. When a resource and
// action are given it also reports that decision and exits with ExitDenied
// if it is refused.
func (c *AccessCLI) ExplainCommand(ctx context.Context, opts ExplainOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.TenantID <= 0 || opts.UserID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "access explain: --tenant and --user are required and must be positive")
		return ExitError
	}
	resource := strings.TrimSpace(opts.Resource)
	action := strings.TrimSpace(opts.Action)
	if (resource == "") != (action == "") {
		_, _ = fmt.Fprintln(opts.Stderr, "access explain: --resource and --action must be given together")
		return ExitError
	}

	perms, err := c.resolver.EffectivePermissions(ctx, opts.TenantID, opts.UserID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "access explain: %s: %v\n", access.KindOf(err), err)
		return ExitError
	}

	summary := ExplainSummary{TenantID: opts.TenantID, UserID: opts.UserID, Permissions: perms}
	if resource != "" {
		summary.Check = &ExplainCheck{Resource: resource, Action: action, Allowed: perms.Allows(resource, action)}
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "access explain: encode json: %v\n", err)
			return ExitError
		}
	} else {
		renderExplainHuman(opts.Stdout, summary)
	}
	if summary.Check != nil && !summary.Check.Allowed {
		return ExitDenied
	}
	return ExitOK
}

func renderExplainHuman(out io.Writer, summary ExplainSummary) {
	_, _ = fmt.Fprintf(out, "Effective permissions for user %d (tenant %d)\n", summary.UserID, summary.TenantID)
	if len(summary.Permissions) == 0 {
		_, _ = fmt.Fprintln(out, "No access.")
	}
	for _, key := range summary.Permissions.Keys() {
		entry := summary.Permissions[key]
		_, _ = fmt.Fprintf(out, " - %s [%s] allow=%s", key, entry.Source, joinOrDash(entry.Allowed.Sorted()))
		if denied := entry.Denied.Sorted(); len(denied) > 0 {
			_, _ = fmt.Fprintf(out, " deny=%s", strings.Join(denied, ","))
		}
		if len(entry.ContributingRoles) > 0 {
			_, _ = fmt.Fprintf(out, " roles=%s", strings.Join(entry.ContributingRoles, ","))
		}
		if entry.OverrideReason != "" {
			_, _ = fmt.Fprintf(out, " reason=%q", entry.OverrideReason)
		}
		_, _ = fmt.Fprintln(out)
	}
	if check := summary.Check; check != nil {
		verdict := "DENIED"
		if check.Allowed {
			verdict = "ALLOWED"
		}
		_, _ = fmt.Fprintf(out, "%s %s: %s\n", check.Action, check.Resource, verdict)
	}
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}
