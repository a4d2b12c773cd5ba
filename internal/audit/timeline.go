package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimelineFilters menampung filter dasar untuk audit timeline.
type TimelineFilters struct {
	TenantID   int64
	From       time.Time
	To         time.Time
	ActorID    int64
	EntityType string
	EntityID   string
	Action     string
	Page       int
	PageSize   int
}

// TimelineRow mewakili satu baris audit timeline.
type TimelineRow struct {
	ID         uuid.UUID       `json:"id"`
	At         time.Time       `json:"performedAt"`
	ActorID    int64           `json:"performedBy"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Reason     string          `json:"reason"`
	Detail     json.RawMessage `json:"detail"`
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"hasNext"`
	PageSize int  `json:"pageSize"`
	PrevPage int  `json:"prevPage,omitempty"`
	NextPage int  `json:"nextPage,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}
