package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// FilterParams adalah parameter filter yang dikirim ke repository.
type FilterParams struct {
	TenantID   int64
	FromAt     pgtype.Timestamptz
	ToAt       pgtype.Timestamptz
	ActorID    pgtype.Int8
	EntityType pgtype.Text
	EntityID   pgtype.Text
	Action     pgtype.Text
}

// WindowParams menambahkan offset/limit ke FilterParams.
type WindowParams struct {
	FilterParams
	OffsetRows int32
	LimitRows  int32
}

// Repository menyediakan akses ke query timeline yang dibutuhkan.
type Repository interface {
	AuditTimelineWindow(ctx context.Context, arg WindowParams) ([]TimelineRow, error)
	AuditTimelineAll(ctx context.Context, arg FilterParams) ([]TimelineRow, error)
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline mengambil data audit dengan paging.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	if filters.TenantID <= 0 {
		return Result{}, fmt.Errorf("audit: tenant required")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	params := WindowParams{
		FilterParams: toFilterParams(filters),
		OffsetRows:   int32(offset),
		LimitRows:    int32(pageSize + 1),
	}
	rows, err := s.repo.AuditTimelineWindow(ctx, params)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export mengambil seluruh data timeline tanpa paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	if filters.TenantID <= 0 {
		return nil, fmt.Errorf("audit: tenant required")
	}
	return s.repo.AuditTimelineAll(ctx, toFilterParams(filters))
}

func toFilterParams(filters TimelineFilters) FilterParams {
	params := FilterParams{
		TenantID:   filters.TenantID,
		FromAt:     toPgTime(filters.From),
		ToAt:       toPgTime(filters.To),
		EntityType: optionalText(filters.EntityType),
		EntityID:   optionalText(filters.EntityID),
		Action:     optionalText(strings.ToUpper(filters.Action)),
	}
	if filters.ActorID != 0 {
		params.ActorID = pgtype.Int8{Int64: filters.ActorID, Valid: true}
	}
	return params
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
