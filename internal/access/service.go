package access

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Audit entity types written by this package.
const (
	EntityUserPermissions = "user_permissions"
	EntityOverride        = "permission_override"
	EntityRole            = "role"
)

// SystemActorID is recorded as the actor for changes made by background jobs.
const SystemActorID int64 = 0

const (
	approvalModule    = "access.override"
	idempotencyModule = "access.permission_changes"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	UserExists(ctx context.Context, tenantID, userID int64) (bool, error)
	ListRoles(ctx context.Context, tenantID int64) ([]Role, error)
	ListAssignments(ctx context.Context, tenantID, userID int64) ([]RoleAssignment, error)
	ListOverrides(ctx context.Context, tenantID, userID int64) ([]Override, error)
	GetOverride(ctx context.Context, tenantID int64, id uuid.UUID) (Override, error)
	ListApprovals(ctx context.Context, overrideID uuid.UUID) ([]shared.ApprovalLog, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockUser(ctx context.Context, tenantID, userID int64) error
	LockRoleCatalog(ctx context.Context, tenantID int64) error
	ClaimIdempotencyKey(ctx context.Context, key, module string) error
	ListRoles(ctx context.Context, tenantID int64) ([]Role, error)
	ListAssignments(ctx context.Context, tenantID, userID int64) ([]RoleAssignment, error)
	ListOverrides(ctx context.Context, tenantID, userID int64) ([]Override, error)
	KnownResources(ctx context.Context, tenantID int64, keys []string) (map[string]bool, error)
	DeactivateAssignments(ctx context.Context, tenantID, userID int64) error
	InsertAssignment(ctx context.Context, a RoleAssignment) (int64, error)
	DisableOverrides(ctx context.Context, tenantID, userID int64) error
	InsertOverride(ctx context.Context, o Override) error
	GetOverrideForUpdate(ctx context.Context, tenantID int64, id uuid.UUID) (Override, error)
	SetOverrideApproval(ctx context.Context, tenantID int64, id uuid.UUID, approvedBy int64, approvedAt time.Time) error
	DisableOverride(ctx context.Context, tenantID int64, id uuid.UUID) error
	ExpiredOverrides(ctx context.Context, now time.Time, limit int) ([]Override, error)
	InsertRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	RoleEverAssigned(ctx context.Context, tenantID, roleID int64) (bool, error)
	HideRole(ctx context.Context, tenantID, roleID int64) error
	DeleteRole(ctx context.Context, tenantID, roleID int64) error
	RecordApproval(ctx context.Context, log shared.ApprovalLog) error
	AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// MetricsRecorder receives resolution and mutation outcomes.
type MetricsRecorder interface {
	ObserveResolution(outcome string, elapsed time.Duration)
	ObserveMutation(operation, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveResolution(string, time.Duration) {}
func (noopMetrics) ObserveMutation(string, string)          {}

// Service resolves effective permissions and applies permission changes.
type Service struct {
	repo      RepositoryPort
	catalogs  CatalogSource
	validator *Validator
	metrics   MetricsRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithCatalogSource replaces the uncached catalog reader.
func WithCatalogSource(src CatalogSource) Option {
	return func(s *Service) {
		if src != nil {
			s.catalogs = src
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs the access service.
func NewService(repo RepositoryPort, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:      repo,
		catalogs:  directCatalogs{load: repo.ListRoles},
		validator: NewValidator(),
		metrics:   noopMetrics{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EffectivePermissions computes the user's permission map from current state.
// Assignments and overrides are always read fresh; only the role catalog may be cached.
func (s *Service) EffectivePermissions(ctx context.Context, tenantID, userID int64) (Permissions, error) {
	start := time.Now()
	perms, err := s.resolve(ctx, tenantID, userID)
	s.metrics.ObserveResolution(outcome(err), time.Since(start))
	return perms, err
}

func (s *Service) resolve(ctx context.Context, tenantID, userID int64) (Permissions, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled("effective permissions", err)
	}
	exists, err := s.repo.UserExists(ctx, tenantID, userID)
	if err != nil {
		return nil, loadError(ctx, "load user", err)
	}
	if !exists {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}

	var (
		catalog     *Catalog
		assignments []RoleAssignment
		overrides   []Override
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		catalog, err = s.catalogs.Catalog(gctx, tenantID)
		return err
	})
	g.Go(func() error {
		var err error
		assignments, err = s.repo.ListAssignments(gctx, tenantID, userID)
		return err
	})
	g.Go(func() error {
		var err error
		overrides, err = s.repo.ListOverrides(gctx, tenantID, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, loadError(ctx, "load permission state", err)
	}

	return Resolve(ResolveInput{
		Catalog:     catalog,
		Assignments: assignments,
		Overrides:   overrides,
		Now:         s.now().UTC(),
	})
}

// Can reports whether the user may perform action on resourceKey.
func (s *Service) Can(ctx context.Context, tenantID, userID int64, resourceKey, action string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	return perms.Allows(strings.TrimSpace(resourceKey), action), nil
}

// UserOverrides lists the user's enabled overrides, including ones that are
// expired or still waiting for approval, ordered as resolution applies them.
func (s *Service) UserOverrides(ctx context.Context, tenantID, userID int64) ([]Override, error) {
	exists, err := s.repo.UserExists(ctx, tenantID, userID)
	if err != nil {
		return nil, loadError(ctx, "load user", err)
	}
	if !exists {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	overrides, err := s.repo.ListOverrides(ctx, tenantID, userID)
	if err != nil {
		return nil, loadError(ctx, "load overrides", err)
	}
	SortOverrides(overrides)
	if overrides == nil {
		overrides = []Override{}
	}
	return overrides, nil
}

// OverrideApprovals returns the submit/approve history of one of the user's overrides.
func (s *Service) OverrideApprovals(ctx context.Context, tenantID, userID int64, overrideID uuid.UUID) ([]shared.ApprovalLog, error) {
	o, err := s.repo.GetOverride(ctx, tenantID, overrideID)
	if err != nil {
		return nil, loadError(ctx, "load override", err)
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("override %s: %w", overrideID, ErrNotFound)
	}
	logs, err := s.repo.ListApprovals(ctx, overrideID)
	if err != nil {
		return nil, loadError(ctx, "load approvals", err)
	}
	if logs == nil {
		logs = []shared.ApprovalLog{}
	}
	return logs, nil
}

// ChangeResult describes a committed permission change.
type ChangeResult struct {
	AuditID     uuid.UUID   `json:"auditId"`
	OverrideIDs []uuid.UUID `json:"overrideIds"`
}

type previousState struct {
	RoleIDs   []int64    `json:"roleIds"`
	Overrides []Override `json:"overrides"`
}

type changeDetail struct {
	Overrides   *[]OverrideSpec `json:"overrides,omitempty"`
	RoleUpdates *[]int64        `json:"roleUpdates,omitempty"`
	Previous    previousState   `json:"previous"`
}

// ApplyPermissionChanges replaces the user's role assignments and/or overrides
// in one transaction and appends exactly one audit entry for the batch.
// Any invalid reference rejects the whole batch.
func (s *Service) ApplyPermissionChanges(ctx context.Context, req ChangeRequest) (ChangeResult, error) {
	res, err := s.applyPermissionChanges(ctx, req)
	s.metrics.ObserveMutation("permission_changes", outcome(err))
	if err != nil {
		return ChangeResult{}, err
	}
	s.logger.Info("permission changes applied",
		slog.Int64("tenant_id", req.TenantID),
		slog.Int64("user_id", req.UserID),
		slog.Int64("actor_id", req.ActorID),
		slog.String("audit_id", res.AuditID.String()))
	return res, nil
}

func (s *Service) applyPermissionChanges(ctx context.Context, req ChangeRequest) (ChangeResult, error) {
	now := s.now().UTC()
	req.Reason = strings.TrimSpace(req.Reason)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	effects, err := s.validator.ChangeRequest(req, now)
	if err != nil {
		return ChangeResult{}, err
	}

	var result ChangeResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if req.IdempotencyKey != "" {
			key := strconv.FormatInt(req.TenantID, 10) + ":" + req.IdempotencyKey
			if err := tx.ClaimIdempotencyKey(ctx, key, idempotencyModule); err != nil {
				return err
			}
		}
		if err := tx.LockUser(ctx, req.TenantID, req.UserID); err != nil {
			return err
		}
		prevAssignments, err := tx.ListAssignments(ctx, req.TenantID, req.UserID)
		if err != nil {
			return err
		}
		prevOverrides, err := tx.ListOverrides(ctx, req.TenantID, req.UserID)
		if err != nil {
			return err
		}

		if req.RoleUpdates != nil {
			if err := s.replaceAssignments(ctx, tx, req, now); err != nil {
				return err
			}
		}
		if req.Overrides != nil {
			ids, err := s.replaceOverrides(ctx, tx, req, effects, now)
			if err != nil {
				return err
			}
			result.OverrideIDs = ids
		}

		entry, err := tx.AppendAudit(ctx, audit.Entry{
			TenantID:   req.TenantID,
			EntityType: EntityUserPermissions,
			EntityID:   strconv.FormatInt(req.UserID, 10),
			Action:     audit.ActionModified,
			Detail: changeDetail{
				Overrides:   req.Overrides,
				RoleUpdates: req.RoleUpdates,
				Previous:    snapshot(prevAssignments, prevOverrides),
			},
			Reason:      req.Reason,
			PerformedBy: req.ActorID,
			PerformedAt: now,
		})
		if err != nil {
			return err
		}
		result.AuditID = entry.ID
		return nil
	})
	if err != nil {
		return ChangeResult{}, err
	}
	if result.OverrideIDs == nil {
		result.OverrideIDs = []uuid.UUID{}
	}
	return result, nil
}

func (s *Service) replaceAssignments(ctx context.Context, tx TxRepository, req ChangeRequest, now time.Time) error {
	roles, err := tx.ListRoles(ctx, req.TenantID)
	if err != nil {
		return err
	}
	catalog := NewCatalog(req.TenantID, roles)
	roleIDs := uniqueIDs(*req.RoleUpdates)
	for _, id := range roleIDs {
		role, err := catalog.GetRole(id)
		if err != nil || !role.Visible {
			return fmt.Errorf("role %d: %w", id, ErrInvalidReference)
		}
		if _, err := catalog.Chain(id); err != nil {
			return err
		}
	}
	if err := tx.DeactivateAssignments(ctx, req.TenantID, req.UserID); err != nil {
		return err
	}
	for _, id := range roleIDs {
		_, err := tx.InsertAssignment(ctx, RoleAssignment{
			TenantID:   req.TenantID,
			UserID:     req.UserID,
			RoleID:     id,
			AssignedBy: req.ActorID,
			AssignedAt: now,
			IsActive:   true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) replaceOverrides(ctx context.Context, tx TxRepository, req ChangeRequest, effects []OverrideEffect, now time.Time) ([]uuid.UUID, error) {
	specs := *req.Overrides
	keys := make([]string, 0, len(specs))
	for _, spec := range specs {
		keys = append(keys, strings.TrimSpace(spec.ResourceKey))
	}
	keys = uniqueStrings(keys)
	if len(keys) > 0 {
		known, err := tx.KnownResources(ctx, req.TenantID, keys)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if !known[key] {
				return nil, fmt.Errorf("resource %q: %w", key, ErrInvalidReference)
			}
		}
	}

	if err := tx.DisableOverrides(ctx, req.TenantID, req.UserID); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(specs))
	for i, spec := range specs {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("override id: %w", err)
		}
		reason := strings.TrimSpace(spec.Reason)
		if reason == "" {
			reason = req.Reason
		}
		o := Override{
			ID:               id,
			TenantID:         req.TenantID,
			UserID:           req.UserID,
			ResourceKey:      strings.TrimSpace(spec.ResourceKey),
			Effect:           effects[i],
			Reason:           reason,
			ExpiresAt:        spec.ExpiresAt,
			RequiresApproval: spec.RequiresApproval,
			IsEnabled:        true,
			CreatedBy:        req.ActorID,
			// Keeps submission order stable under CreatedAt, ID ordering.
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}
		if err := tx.InsertOverride(ctx, o); err != nil {
			return nil, err
		}
		if o.RequiresApproval {
			err := tx.RecordApproval(ctx, shared.ApprovalLog{
				Module:  approvalModule,
				RefID:   o.ID,
				ActorID: req.ActorID,
				Action:  shared.ApprovalSubmit,
				Note:    reason,
				At:      o.CreatedAt,
			})
			if err != nil {
				return nil, err
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ApproveOverride records an approval for a gated override, which makes it
// take part in resolution. The approver must not be the override's creator.
func (s *Service) ApproveOverride(ctx context.Context, req ApprovalRequest) (Override, error) {
	o, err := s.approveOverride(ctx, req)
	s.metrics.ObserveMutation("approve_override", outcome(err))
	return o, err
}

func (s *Service) approveOverride(ctx context.Context, req ApprovalRequest) (Override, error) {
	if err := s.validator.Struct(req); err != nil {
		return Override{}, err
	}
	now := s.now().UTC()
	var approved Override
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockUser(ctx, req.TenantID, req.UserID); err != nil {
			return err
		}
		o, err := tx.GetOverrideForUpdate(ctx, req.TenantID, req.OverrideID)
		if err != nil {
			return err
		}
		switch {
		case o.UserID != req.UserID:
			return fmt.Errorf("override %s: %w", req.OverrideID, ErrNotFound)
		case !o.RequiresApproval:
			return validationf("override %s does not require approval", o.ID)
		case o.Approved():
			return fmt.Errorf("override %s already approved: %w", o.ID, ErrConflict)
		case !o.IsEnabled:
			return fmt.Errorf("override %s is disabled: %w", o.ID, ErrConflict)
		case o.ExpiresAt != nil && !o.ExpiresAt.After(now):
			return fmt.Errorf("override %s has expired: %w", o.ID, ErrConflict)
		case o.CreatedBy == req.ApproverID:
			return validationf("override %s cannot be approved by its creator", o.ID)
		}
		if err := tx.SetOverrideApproval(ctx, req.TenantID, o.ID, req.ApproverID, now); err != nil {
			return err
		}
		err = tx.RecordApproval(ctx, shared.ApprovalLog{
			Module:  approvalModule,
			RefID:   o.ID,
			ActorID: req.ApproverID,
			Action:  shared.ApprovalApprove,
			Note:    req.Note,
			At:      now,
		})
		if err != nil {
			return err
		}
		approver := req.ApproverID
		o.ApprovedBy = &approver
		o.ApprovedAt = &now
		_, err = tx.AppendAudit(ctx, audit.Entry{
			TenantID:    req.TenantID,
			EntityType:  EntityOverride,
			EntityID:    o.ID.String(),
			Action:      audit.ActionModified,
			Detail:      map[string]any{"approved": o},
			Reason:      req.Note,
			PerformedBy: req.ApproverID,
			PerformedAt: now,
		})
		if err != nil {
			return err
		}
		approved = o
		return nil
	})
	if err != nil {
		return Override{}, err
	}
	return approved, nil
}

// DisableOverride switches an override off without deleting it.
// Disabling an override that is already off is a no-op.
func (s *Service) DisableOverride(ctx context.Context, req DisableRequest) error {
	err := s.disableOverride(ctx, req)
	s.metrics.ObserveMutation("disable_override", outcome(err))
	return err
}

func (s *Service) disableOverride(ctx context.Context, req DisableRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return err
	}
	now := s.now().UTC()
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockUser(ctx, req.TenantID, req.UserID); err != nil {
			return err
		}
		o, err := tx.GetOverrideForUpdate(ctx, req.TenantID, req.OverrideID)
		if err != nil {
			return err
		}
		if o.UserID != req.UserID {
			return fmt.Errorf("override %s: %w", req.OverrideID, ErrNotFound)
		}
		if !o.IsEnabled {
			return nil
		}
		if err := tx.DisableOverride(ctx, req.TenantID, o.ID); err != nil {
			return err
		}
		_, err = tx.AppendAudit(ctx, audit.Entry{
			TenantID:    req.TenantID,
			EntityType:  EntityOverride,
			EntityID:    o.ID.String(),
			Action:      audit.ActionRevoked,
			Detail:      map[string]any{"disabled": o},
			Reason:      strings.TrimSpace(req.Reason),
			PerformedBy: req.ActorID,
			PerformedAt: now,
		})
		return err
	})
}

// SweepExpiredOverrides disables up to limit enabled overrides whose expiry has
// passed and audits each one. Resolution already ignores them; the sweep keeps
// stored state and the audit timeline in line with what users experience.
func (s *Service) SweepExpiredOverrides(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	now := s.now().UTC()
	swept := 0
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		expired, err := tx.ExpiredOverrides(ctx, now, limit)
		if err != nil {
			return err
		}
		for _, o := range expired {
			if err := tx.DisableOverride(ctx, o.TenantID, o.ID); err != nil {
				return err
			}
			_, err := tx.AppendAudit(ctx, audit.Entry{
				TenantID:    o.TenantID,
				EntityType:  EntityOverride,
				EntityID:    o.ID.String(),
				Action:      audit.ActionRevoked,
				Detail:      map[string]any{"expired": o},
				Reason:      "override expired",
				PerformedBy: SystemActorID,
				PerformedAt: now,
			})
			if err != nil {
				return err
			}
		}
		swept = len(expired)
		return nil
	})
	s.metrics.ObserveMutation("sweep_expired_overrides", outcome(err))
	if err != nil {
		return 0, err
	}
	return swept, nil
}

func snapshot(assignments []RoleAssignment, overrides []Override) previousState {
	state := previousState{RoleIDs: []int64{}, Overrides: []Override{}}
	for _, a := range assignments {
		if a.IsActive {
			state.RoleIDs = append(state.RoleIDs, a.RoleID)
		}
	}
	sort.Slice(state.RoleIDs, func(i, j int) bool { return state.RoleIDs[i] < state.RoleIDs[j] })
	for _, o := range overrides {
		if o.IsEnabled {
			state.Overrides = append(state.Overrides, o)
		}
	}
	SortOverrides(state.Overrides)
	return state
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(KindOf(err))
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
