package models

import (
	"database/sql"
	"time"
)

// SourceEvent is an event as returned by the campus API. Timestamps are kept
// as the API's RFC3339 strings: the sync signal is exact string equality
// between a stored updated_at and a freshly fetched one, so no parse/format
// round trip is allowed to touch them.
type SourceEvent struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Location    string  `json:"location"`
	Kind        string  `json:"kind"`
	BeginAt     string  `json:"begin_at"`
	EndAt       string  `json:"end_at"`
	CampusIDs   []int64 `json:"campus_ids"`
	CursusIDs   []int64 `json:"cursus_ids"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// SinkEventTime is the calendar API's zoned timestamp shape.
type SinkEventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// SinkEvent is the request/response shape for the calendar API. Server
// assigned fields stay empty on upload.
type SinkEvent struct {
	ID          string        `json:"id,omitempty"`
	Summary     string        `json:"summary"`
	Location    string        `json:"location"`
	Description string        `json:"description"`
	Start       SinkEventTime `json:"start"`
	End         SinkEventTime `json:"end"`
	Created     string        `json:"created,omitempty"`
	Updated     string        `json:"updated,omitempty"`
}

// SinkEventRef identifies an event already present in the sink.
type SinkEventRef struct {
	ID string `json:"id"`
}

// LedgerEntry correlates a source event with its sink counterpart.
type LedgerEntry struct {
	SourceID    int64          `db:"id"`
	SinkEventID sql.NullString `db:"sink_event_id"`
	Title       string         `db:"title"`
	BeginAt     time.Time      `db:"begin_at"`
	LastUpdated string         `db:"last_updated"`
}

// SyncAction classifies what the reconciler decided for one source event.
type SyncAction string

const (
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionSkip   SyncAction = "skip"
)

// SyncReport tallies one incremental pass.
type SyncReport struct {
	RunID    string        `json:"run_id"`
	Fetched  int           `json:"fetched"`
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// ResetReport tallies one wipe-and-repopulate pass.
type ResetReport struct {
	RunID       string        `json:"run_id"`
	SinkDeleted int           `json:"sink_deleted"`
	SinkFailed  int           `json:"sink_failed"`
	Fetched     int           `json:"fetched"`
	Created     int           `json:"created"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
}
