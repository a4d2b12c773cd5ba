package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
)

const timelineSelect = `SELECT id, performed_at, performed_by, action, entity_type, entity_id, reason, detail
FROM audit_log
WHERE tenant_id = $1
  AND ($2::timestamptz IS NULL OR performed_at >= $2)
  AND ($3::timestamptz IS NULL OR performed_at < $3)
  AND ($4::bigint IS NULL OR performed_by = $4)
  AND ($5::text IS NULL OR entity_type = $5)
  AND ($6::text IS NULL OR entity_id = $6)
  AND ($7::text IS NULL OR action = $7)
ORDER BY performed_at DESC, id DESC`

// PgRepository membaca audit_log dari PostgreSQL.
type PgRepository struct {
	db db.DBTX
}

// NewRepository constructs a PgRepository.
func NewRepository(q db.DBTX) *PgRepository {
	return &PgRepository{db: q}
}

// AuditTimelineWindow returns one page of rows, newest first.
func (r *PgRepository) AuditTimelineWindow(ctx context.Context, arg WindowParams) ([]TimelineRow, error) {
	rows, err := r.db.Query(ctx, timelineSelect+"\nOFFSET $8 LIMIT $9",
		arg.TenantID, arg.FromAt, arg.ToAt, arg.ActorID, arg.EntityType, arg.EntityID, arg.Action,
		arg.OffsetRows, arg.LimitRows)
	if err != nil {
		return nil, fmt.Errorf("audit: timeline window: %w", err)
	}
	return scanTimeline(rows)
}

// AuditTimelineAll returns every matching row, newest first.
func (r *PgRepository) AuditTimelineAll(ctx context.Context, arg FilterParams) ([]TimelineRow, error) {
	rows, err := r.db.Query(ctx, timelineSelect,
		arg.TenantID, arg.FromAt, arg.ToAt, arg.ActorID, arg.EntityType, arg.EntityID, arg.Action)
	if err != nil {
		return nil, fmt.Errorf("audit: timeline all: %w", err)
	}
	return scanTimeline(rows)
}

func scanTimeline(rows pgx.Rows) ([]TimelineRow, error) {
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		if err := rows.Scan(&row.ID, &row.At, &row.ActorID, &row.Action, &row.EntityType, &row.EntityID, &row.Reason, &row.Detail); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
