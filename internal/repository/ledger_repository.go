package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-cal-sync/internal/models"
)

// LedgerRepository persists the source-to-sink reconciliation ledger.
// last_updated is stored as the source's raw RFC3339 string: equality with a
// freshly fetched updated_at is the sole "needs update" signal and must not
// go through a lossy parse/format cycle.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository constructs a ledger repository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// EnsureSchema creates the ledger table when missing.
func (r *LedgerRepository) EnsureSchema(ctx context.Context) error {
	const query = `CREATE TABLE IF NOT EXISTS events (
	id BIGINT PRIMARY KEY,
	sink_event_id TEXT,
	title TEXT NOT NULL DEFAULT '',
	begin_at TIMESTAMPTZ,
	last_updated TEXT NOT NULL DEFAULT ''
)`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

// Get fetches the entry for a source event id. Returns sql.ErrNoRows when
// the event has never been synced.
func (r *LedgerRepository) Get(ctx context.Context, sourceID int64) (*models.LedgerEntry, error) {
	const query = `SELECT id, sink_event_id, title, begin_at, last_updated FROM events WHERE id = $1`
	var entry models.LedgerEntry
	if err := r.db.GetContext(ctx, &entry, query, sourceID); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Upsert atomically replaces-or-inserts the entry keyed by source id.
func (r *LedgerRepository) Upsert(ctx context.Context, entry *models.LedgerEntry) error {
	const query = `INSERT INTO events (id, sink_event_id, title, begin_at, last_updated)
VALUES (:id, :sink_event_id, :title, :begin_at, :last_updated)
ON CONFLICT (id) DO UPDATE SET
	sink_event_id = EXCLUDED.sink_event_id,
	title = EXCLUDED.title,
	begin_at = EXCLUDED.begin_at,
	last_updated = EXCLUDED.last_updated`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("upsert ledger entry %d: %w", entry.SourceID, err)
	}
	return nil
}

// ListAll returns every ledger entry.
func (r *LedgerRepository) ListAll(ctx context.Context) ([]models.LedgerEntry, error) {
	const query = `SELECT id, sink_event_id, title, begin_at, last_updated FROM events ORDER BY id`
	var entries []models.LedgerEntry
	if err := r.db.SelectContext(ctx, &entries, query); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

// Clear wipes the ledger. Only used during full reinitialization, always
// paired with clearing the sink so the two stay consistent.
func (r *LedgerRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM events"); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	return nil
}

// FixNullSinkIDs relabels entries whose creation response was lost so they
// stop being retried as brand new. Returns the number of rows touched.
func (r *LedgerRepository) FixNullSinkIDs(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, "UPDATE events SET sink_event_id = 'manual_fix_' || id WHERE sink_event_id IS NULL")
	if err != nil {
		return 0, fmt.Errorf("fix null sink ids: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fix null sink ids: %w", err)
	}
	return affected, nil
}

// ExportDataset flattens the ledger for CSV export diagnostics.
func (r *LedgerRepository) ExportDataset(ctx context.Context) ([]map[string]string, error) {
	entries, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, map[string]string{
			"id":            fmt.Sprintf("%d", e.SourceID),
			"sink_event_id": e.SinkEventID.String,
			"title":         e.Title,
			"begin_at":      e.BeginAt.UTC().Format(time.RFC3339),
			"last_updated":  e.LastUpdated,
		})
	}
	return rows, nil
}
