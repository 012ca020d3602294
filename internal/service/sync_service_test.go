package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-cal-sync/internal/models"
	"github.com/noah-isme/campus-cal-sync/internal/source"
	appErrors "github.com/noah-isme/campus-cal-sync/pkg/errors"
)

type stubToken struct {
	token string
	err   error
}

func (s stubToken) Token(ctx context.Context) (string, error) { return s.token, s.err }

type stubFetcher struct {
	events []models.SourceEvent
	err    error

	gotCutoff time.Time
	gotMode   source.SortMode
}

func (f *stubFetcher) FetchEvents(ctx context.Context, token string, cutoff time.Time, mode source.SortMode) ([]models.SourceEvent, error) {
	f.gotCutoff = cutoff
	f.gotMode = mode
	return f.events, f.err
}

type updateCall struct {
	sinkID string
	event  models.SinkEvent
}

type stubSink struct {
	createID  string
	createErr error
	updateErr error

	created   []models.SinkEvent
	updates   []updateCall
	deleted   int
	delFailed int
	wiped     bool
}

func (s *stubSink) Create(ctx context.Context, token string, ev models.SinkEvent) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	s.created = append(s.created, ev)
	return s.createID, nil
}

func (s *stubSink) Update(ctx context.Context, token, sinkID string, ev models.SinkEvent) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates = append(s.updates, updateCall{sinkID: sinkID, event: ev})
	return nil
}

func (s *stubSink) ListAll(ctx context.Context, token, timeMin string) ([]models.SinkEventRef, error) {
	return nil, nil
}

func (s *stubSink) DeleteAll(ctx context.Context, token string) (int, int, error) {
	s.wiped = true
	return s.deleted, s.delFailed, nil
}

type memLedger struct {
	entries   map[int64]models.LedgerEntry
	upserts   []models.LedgerEntry
	cleared   bool
	upsertErr error
}

func newMemLedger(entries ...models.LedgerEntry) *memLedger {
	l := &memLedger{entries: make(map[int64]models.LedgerEntry)}
	for _, e := range entries {
		l.entries[e.SourceID] = e
	}
	return l
}

func (l *memLedger) Get(ctx context.Context, sourceID int64) (*models.LedgerEntry, error) {
	entry, ok := l.entries[sourceID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &entry, nil
}

func (l *memLedger) Upsert(ctx context.Context, entry *models.LedgerEntry) error {
	if l.upsertErr != nil {
		return l.upsertErr
	}
	l.entries[entry.SourceID] = *entry
	l.upserts = append(l.upserts, *entry)
	return nil
}

func (l *memLedger) ListAll(ctx context.Context) ([]models.LedgerEntry, error) {
	out := make([]models.LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out, nil
}

func (l *memLedger) Clear(ctx context.Context) error {
	l.entries = make(map[int64]models.LedgerEntry)
	l.cleared = true
	return nil
}

func (l *memLedger) FixNullSinkIDs(ctx context.Context) (int64, error) { return 0, nil }

func sourceEvent(id int64, updatedAt string) models.SourceEvent {
	return models.SourceEvent{
		ID:          id,
		Name:        "Exam 02",
		Description: "On-site exam\n\nID: 42",
		Location:    "Cluster 2",
		Kind:        "exam",
		BeginAt:     "2025-06-10T09:00:00Z",
		EndAt:       "2025-06-10T12:00:00Z",
		UpdatedAt:   updatedAt,
	}
}

func newTestService(t *testing.T, fetcher *stubFetcher, sink *stubSink, ledger *memLedger) *SyncService {
	t.Helper()
	svc, err := NewSyncService(
		stubToken{token: "src"}, stubToken{token: "cal"},
		fetcher, sink, ledger,
		Options{TimeZone: "Europe/Helsinki", Lookback: 24 * time.Hour, ResetLookback: 720 * time.Hour},
		nil, zap.NewNop(),
	)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2025, 6, 15, 13, 0, 0, 0, time.UTC) }
	return svc
}

func TestClassify(t *testing.T) {
	stored := &models.LedgerEntry{
		SourceID:    42,
		LastUpdated: "2025-06-01T10:00:00Z",
	}

	tests := []struct {
		name  string
		entry *models.LedgerEntry
		ev    models.SourceEvent
		want  models.SyncAction
	}{
		{"absent entry creates", nil, sourceEvent(42, "2025-06-01T10:00:00Z"), models.ActionCreate},
		{"changed timestamp updates", stored, sourceEvent(42, "2025-06-02T10:00:00Z"), models.ActionUpdate},
		{"equal timestamp skips", stored, sourceEvent(42, "2025-06-01T10:00:00Z"), models.ActionSkip},
		// Equality is textual, not temporal: a rewritten offset is a change.
		{"same instant different text updates", stored, sourceEvent(42, "2025-06-01T12:00:00+02:00"), models.ActionUpdate},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.entry, tc.ev))
		})
	}
}

func TestIncrementalSyncCreatesOnEmptyLedger(t *testing.T) {
	fetcher := &stubFetcher{events: []models.SourceEvent{sourceEvent(42, "2025-06-01T10:00:00Z")}}
	sink := &stubSink{createID: "abc"}
	ledger := newMemLedger()
	svc := newTestService(t, fetcher, sink, ledger)

	report, err := svc.IncrementalSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Created)
	assert.Zero(t, report.Updated)
	assert.Zero(t, report.Failed)
	assert.Equal(t, source.SortUpdatedAt, fetcher.gotMode)

	require.Len(t, ledger.upserts, 1)
	entry := ledger.upserts[0]
	assert.Equal(t, int64(42), entry.SourceID)
	assert.Equal(t, "abc", entry.SinkEventID.String)
	assert.Equal(t, "2025-06-01T10:00:00Z", entry.LastUpdated)
}

func TestIncrementalSyncUpdatesOnChangedTimestamp(t *testing.T) {
	fetcher := &stubFetcher{events: []models.SourceEvent{sourceEvent(42, "2025-06-05T10:00:00Z")}}
	sink := &stubSink{}
	ledger := newMemLedger(models.LedgerEntry{
		SourceID:    42,
		SinkEventID: sql.NullString{String: "abc", Valid: true},
		LastUpdated: "2025-06-01T10:00:00Z",
	})
	svc := newTestService(t, fetcher, sink, ledger)

	report, err := svc.IncrementalSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Created)
	require.Len(t, sink.updates, 1)
	assert.Equal(t, "abc", sink.updates[0].sinkID)
	assert.Equal(t, "2025-06-05T10:00:00Z", ledger.entries[42].LastUpdated)
}

func TestIncrementalSyncSkipsOnEqualTimestamp(t *testing.T) {
	fetcher := &stubFetcher{events: []models.SourceEvent{sourceEvent(42, "2025-06-01T10:00:00Z")}}
	sink := &stubSink{createID: "never"}
	ledger := newMemLedger(models.LedgerEntry{
		SourceID:    42,
		SinkEventID: sql.NullString{String: "abc", Valid: true},
		LastUpdated: "2025-06-01T10:00:00Z",
	})
	svc := newTestService(t, fetcher, sink, ledger)

	report, err := svc.IncrementalSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, sink.created)
	assert.Empty(t, sink.updates)
	assert.Empty(t, ledger.upserts)
}

func TestIncrementalSyncFailedCreateLeavesNoLedgerRow(t *testing.T) {
	fetcher := &stubFetcher{events: []models.SourceEvent{sourceEvent(42, "2025-06-01T10:00:00Z")}}
	sink := &stubSink{createErr: appErrors.Clone(appErrors.ErrSinkCall, "quota exceeded")}
	ledger := newMemLedger()
	svc := newTestService(t, fetcher, sink, ledger)

	report, err := svc.IncrementalSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Created)
	assert.Empty(t, ledger.upserts)
}

func TestIncrementalSyncFailedUpdateStillAdvancesLedger(t *testing.T) {
	fetcher := &stubFetcher{events: []models.SourceEvent{sourceEvent(42, "2025-06-05T10:00:00Z")}}
	sink := &stubSink{updateErr: appErrors.Clone(appErrors.ErrSinkCall, "event gone")}
	ledger := newMemLedger(models.LedgerEntry{
		SourceID:    42,
		SinkEventID: sql.NullString{String: "abc", Valid: true},
		LastUpdated: "2025-06-01T10:00:00Z",
	})
	svc := newTestService(t, fetcher, sink, ledger)

	report, err := svc.IncrementalSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Failed)
	assert.Equal(t, "2025-06-05T10:00:00Z", ledger.entries[42].LastUpdated)
}

func TestIncrementalSyncUpdateWithoutSinkIDSkipsSinkCall(t *testing.T) {
	fetcher := &stubFetcher{events: []models.SourceEvent{sourceEvent(42, "2025-06-05T10:00:00Z")}}
	sink := &stubSink{}
	ledger := newMemLedger(models.LedgerEntry{
		SourceID:    42,
		LastUpdated: "2025-06-01T10:00:00Z",
	})
	svc := newTestService(t, fetcher, sink, ledger)

	report, err := svc.IncrementalSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Updated)
	assert.Empty(t, sink.updates)
	assert.Equal(t, "2025-06-05T10:00:00Z", ledger.entries[42].LastUpdated)
}

func TestIncrementalSyncMappingFailureCountsAsFailed(t *testing.T) {
	broken := sourceEvent(42, "2025-06-01T10:00:00Z")
	broken.BeginAt = "not-a-timestamp"
	fetcher := &stubFetcher{events: []models.SourceEvent{broken, sourceEvent(43, "2025-06-01T10:00:00Z")}}
	sink := &stubSink{createID: "abc"}
	ledger := newMemLedger()
	svc := newTestService(t, fetcher, sink, ledger)

	report, err := svc.IncrementalSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Created)
	require.Len(t, ledger.upserts, 1)
	assert.Equal(t, int64(43), ledger.upserts[0].SourceID)
}

func TestIncrementalSyncLedgerFailureAbortsRun(t *testing.T) {
	fetcher := &stubFetcher{events: []models.SourceEvent{sourceEvent(42, "2025-06-01T10:00:00Z")}}
	sink := &stubSink{createID: "abc"}
	ledger := newMemLedger()
	ledger.upsertErr = sql.ErrConnDone
	svc := newTestService(t, fetcher, sink, ledger)

	_, err := svc.IncrementalSync(context.Background())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrLedger.Code, appErrors.FromError(err).Code)
}

func TestIncrementalSyncCutoffIsMidnightOfLookbackDay(t *testing.T) {
	fetcher := &stubFetcher{}
	svc := newTestService(t, fetcher, &stubSink{}, newMemLedger())

	_, err := svc.IncrementalSync(context.Background())
	require.NoError(t, err)

	loc, err := time.LoadLocation("Europe/Helsinki")
	require.NoError(t, err)
	// now = 2025-06-15T13:00Z = 16:00 in Helsinki; minus 24h lands on the
	// 14th, truncated to local midnight.
	assert.Equal(t, time.Date(2025, 6, 14, 0, 0, 0, 0, loc), fetcher.gotCutoff)
}

func TestRunsDoNotOverlap(t *testing.T) {
	svc := newTestService(t, &stubFetcher{}, &stubSink{}, newMemLedger())

	svc.running.Lock()
	defer svc.running.Unlock()

	_, err := svc.IncrementalSync(context.Background())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)

	_, err = svc.FullReset(context.Background())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestFullResetRebuildsMirror(t *testing.T) {
	fetcher := &stubFetcher{events: []models.SourceEvent{
		sourceEvent(1, "2025-06-01T10:00:00Z"),
		sourceEvent(2, "2025-06-02T10:00:00Z"),
	}}
	sink := &stubSink{createID: "new", deleted: 5, delFailed: 1}
	ledger := newMemLedger(models.LedgerEntry{SourceID: 99, LastUpdated: "old"})
	svc := newTestService(t, fetcher, sink, ledger)

	report, err := svc.FullReset(context.Background())
	require.NoError(t, err)

	assert.True(t, sink.wiped)
	assert.True(t, ledger.cleared)
	assert.Equal(t, 5, report.SinkDeleted)
	assert.Equal(t, 1, report.SinkFailed)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 2, report.Created)
	assert.Zero(t, report.Failed)
	assert.Equal(t, source.SortBeginAt, fetcher.gotMode)

	// The stale row is gone and only refetched events remain.
	assert.NotContains(t, ledger.entries, int64(99))
	assert.Len(t, ledger.entries, 2)
}

func TestFullResetCountsFailedCreates(t *testing.T) {
	fetcher := &stubFetcher{events: []models.SourceEvent{sourceEvent(1, "2025-06-01T10:00:00Z")}}
	sink := &stubSink{createErr: appErrors.Clone(appErrors.ErrSinkCall, "quota exceeded")}
	ledger := newMemLedger()
	svc := newTestService(t, fetcher, sink, ledger)

	report, err := svc.FullReset(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Fetched)
	assert.Zero(t, report.Created)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, ledger.entries)
}

func TestNewSyncServiceValidatesOptions(t *testing.T) {
	_, err := NewSyncService(stubToken{}, stubToken{}, &stubFetcher{}, &stubSink{}, newMemLedger(),
		Options{TimeZone: "Europe/Helsinki"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = NewSyncService(stubToken{}, stubToken{}, &stubFetcher{}, &stubSink{}, newMemLedger(),
		Options{TimeZone: "Mars/Olympus", Lookback: time.Hour, ResetLookback: time.Hour}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}
