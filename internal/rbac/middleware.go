package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers. Every check
// goes through the effective-permission engine. A missing identity, a denial
// and a failed check all produce the same bare 403.
type Middleware struct {
	Checker PermissionChecker
	Logger  *slog.Logger
}

// RequireAction ensures the current user may perform action on resource.
func (m Middleware) RequireAction(resource, action string) func(http.Handler) http.Handler {
	return m.RequireAll(shared.Scope{Resource: resource, Action: action})
}

// RequireAny ensures the current user holds at least one of the scopes.
func (m Middleware) RequireAny(scopes ...shared.Scope) func(http.Handler) http.Handler {
	normalized := normalizeScopes(scopes)
	return m.guard("rbac require any", func(r *http.Request, id shared.Identity) (bool, error) {
		if len(normalized) == 0 {
			return true, nil
		}
		for _, s := range normalized {
			ok, err := m.Checker.Can(r.Context(), id.TenantID, id.UserID, s.Resource, s.Action)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// RequireAll ensures the current user holds every scope.
func (m Middleware) RequireAll(scopes ...shared.Scope) func(http.Handler) http.Handler {
	normalized := normalizeScopes(scopes)
	return m.guard("rbac require all", func(r *http.Request, id shared.Identity) (bool, error) {
		for _, s := range normalized {
			ok, err := m.Checker.Can(r.Context(), id.TenantID, id.UserID, s.Resource, s.Action)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

func (m Middleware) guard(op string, allowed func(*http.Request, shared.Identity) (bool, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := shared.IdentityFromContext(r.Context())
			if !ok {
				forbid(w)
				return
			}
			ok, err := allowed(r, id)
			if err != nil {
				m.logError(r.Context(), op, id, err)
				forbid(w)
				return
			}
			if !ok {
				forbid(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) logError(ctx context.Context, op string, id shared.Identity, err error) {
	if m.Logger == nil {
		return
	}
	m.Logger.ErrorContext(ctx, op,
		slog.Int64("tenant_id", id.TenantID),
		slog.Int64("user_id", id.UserID),
		slog.Any("error", err))
}

func forbid(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}

func normalizeScopes(scopes []shared.Scope) []shared.Scope {
	seen := make(map[shared.Scope]struct{}, len(scopes))
	out := make([]shared.Scope, 0, len(scopes))
	for _, s := range scopes {
		s.Resource = strings.TrimSpace(s.Resource)
		s.Action = strings.TrimSpace(strings.ToLower(s.Action))
		if s.Resource == "" || s.Action == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
