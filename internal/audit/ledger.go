package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
)

// Action enumerates audit actions.
type Action string

const (
	// ActionCreated marks a newly created entity.
	ActionCreated Action = "CREATED"
	// ActionModified marks a change to an existing entity.
	ActionModified Action = "MODIFIED"
	// ActionRevoked marks a removal, deactivation or expiry.
	ActionRevoked Action = "REVOKED"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionModified, ActionRevoked:
		return true
	}
	return false
}

// Entry adalah satu catatan audit yang tidak dapat diubah.
type Entry struct {
	ID          uuid.UUID
	TenantID    int64
	EntityType  string
	EntityID    string
	Action      Action
	Detail      any
	Reason      string
	PerformedBy int64
	PerformedAt time.Time
}

// Ledger appends entries to audit_log. It only inserts; rows are never updated or deleted.
type Ledger struct {
	now func() time.Time
}

// NewLedger constructs a Ledger.
func NewLedger() *Ledger {
	return &Ledger{now: time.Now}
}

// Append writes e using q, normally the caller's transaction, so a failed
// write aborts the mutation being audited.
func (l *Ledger) Append(ctx context.Context, q db.DBTX, e Entry) (Entry, error) {
	if l == nil {
		return Entry{}, errors.New("audit ledger not initialised")
	}
	if q == nil {
		return Entry{}, errors.New("audit ledger requires a database handle")
	}
	if err := prepare(&e, l.now); err != nil {
		return Entry{}, err
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: encode detail: %w", err)
	}
	_, err = q.Exec(ctx, `INSERT INTO audit_log (id, tenant_id, entity_type, entity_id, action, detail, reason, performed_by, performed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TenantID, e.EntityType, e.EntityID, string(e.Action), detail, e.Reason, e.PerformedBy, e.PerformedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: append: %w", err)
	}
	return e, nil
}

// prepare checks required fields and fills the id and timestamp.
func prepare(e *Entry, now func() time.Time) error {
	e.EntityType = strings.TrimSpace(e.EntityType)
	e.EntityID = strings.TrimSpace(e.EntityID)
	if e.TenantID <= 0 {
		return errors.New("audit entry requires tenant")
	}
	if e.EntityType == "" || e.EntityID == "" {
		return errors.New("audit entry requires entity type/id")
	}
	if !e.Action.Valid() {
		return fmt.Errorf("audit entry has unknown action %q", e.Action)
	}
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("audit: new id: %w", err)
		}
		e.ID = id
	}
	if e.PerformedAt.IsZero() {
		e.PerformedAt = now().UTC()
	}
	return nil
}
