package service

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-cal-sync/internal/mapper"
	"github.com/noah-isme/campus-cal-sync/internal/models"
	"github.com/noah-isme/campus-cal-sync/internal/source"
	appErrors "github.com/noah-isme/campus-cal-sync/pkg/errors"
)

type tokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type sourceFetcher interface {
	FetchEvents(ctx context.Context, token string, cutoff time.Time, mode source.SortMode) ([]models.SourceEvent, error)
}

type sinkGateway interface {
	Create(ctx context.Context, token string, ev models.SinkEvent) (string, error)
	Update(ctx context.Context, token, sinkID string, ev models.SinkEvent) error
	ListAll(ctx context.Context, token, timeMin string) ([]models.SinkEventRef, error)
	DeleteAll(ctx context.Context, token string) (deleted, failed int, err error)
}

type ledgerStore interface {
	Get(ctx context.Context, sourceID int64) (*models.LedgerEntry, error)
	Upsert(ctx context.Context, entry *models.LedgerEntry) error
	ListAll(ctx context.Context) ([]models.LedgerEntry, error)
	Clear(ctx context.Context) error
	FixNullSinkIDs(ctx context.Context) (int64, error)
}

// Options tunes the reconciliation passes.
type Options struct {
	TimeZone      string        `validate:"required"`
	Lookback      time.Duration `validate:"gt=0"`
	ResetLookback time.Duration `validate:"gt=0"`
}

// SyncService reconciles campus events into the calendar sink, keeping the
// ledger consistent with what was attempted. It holds no durable state of
// its own.
type SyncService struct {
	sourceAuth tokenProvider
	sinkAuth   tokenProvider
	fetcher    sourceFetcher
	sink       sinkGateway
	ledger     ledgerStore
	loc        *time.Location
	opts       Options
	metrics    *MetricsService
	logger     *zap.Logger

	// Runs must not overlap: the ledger assumes one active writer.
	running sync.Mutex

	now func() time.Time
}

// NewSyncService constructs the reconciler.
func NewSyncService(sourceAuth, sinkAuth tokenProvider, fetcher sourceFetcher, sink sinkGateway, ledger ledgerStore, opts Options, metrics *MetricsService, logger *zap.Logger) (*SyncService, error) {
	if err := validator.New().Struct(opts); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid sync options")
	}
	loc, err := time.LoadLocation(opts.TimeZone)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid sync time zone")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		sourceAuth: sourceAuth,
		sinkAuth:   sinkAuth,
		fetcher:    fetcher,
		sink:       sink,
		ledger:     ledger,
		loc:        loc,
		opts:       opts,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// cutoff returns midnight (in the configured zone) of the day lookback ago.
func (s *SyncService) cutoff(lookback time.Duration) time.Time {
	t := s.now().In(s.loc).Add(-lookback)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

// Classify decides the reconciliation action for one fetched event against
// its ledger entry (nil when absent). Skip is chosen iff the stored
// last_updated equals the event's updated_at exactly.
func Classify(entry *models.LedgerEntry, ev models.SourceEvent) models.SyncAction {
	if entry == nil {
		return models.ActionCreate
	}
	if entry.LastUpdated != ev.UpdatedAt {
		return models.ActionUpdate
	}
	return models.ActionSkip
}

// IncrementalSync fetches events modified since the lookback window and
// propagates creates/updates into the sink. Forward-only, at-least-once: a
// failed create leaves no ledger row so the next run retries it; a failed
// update is logged and the ledger still advances to the attempted state.
func (s *SyncService) IncrementalSync(ctx context.Context) (*models.SyncReport, error) {
	if !s.running.TryLock() {
		return nil, appErrors.Clone(appErrors.ErrConflict, "a sync run is already in progress")
	}
	defer s.running.Unlock()

	start := s.now()
	report := &models.SyncReport{RunID: uuid.NewString()}
	log := s.logger.Sugar().With("run_id", report.RunID, "mode", "sync")

	outcome := "error"
	defer func() {
		report.Duration = s.now().Sub(start)
		s.metrics.ObserveSyncRun("sync", outcome, report.Duration)
	}()

	srcToken, err := s.sourceAuth.Token(ctx)
	if err != nil {
		return report, err
	}
	sinkToken, err := s.sinkAuth.Token(ctx)
	if err != nil {
		return report, err
	}

	cutoff := s.cutoff(s.opts.Lookback)
	events, err := s.fetcher.FetchEvents(ctx, srcToken, cutoff, source.SortUpdatedAt)
	if err != nil {
		return report, err
	}
	report.Fetched = len(events)
	log.Infow("fetched source events", "count", len(events), "cutoff", cutoff)

	entries, err := s.ledger.ListAll(ctx)
	if err != nil {
		return report, appErrors.Wrap(err, appErrors.ErrLedger.Code, appErrors.ErrLedger.Status, "load ledger")
	}
	byID := make(map[int64]models.LedgerEntry, len(entries))
	for _, entry := range entries {
		byID[entry.SourceID] = entry
	}

	for _, ev := range events {
		var entry *models.LedgerEntry
		if prior, ok := byID[ev.ID]; ok {
			entry = &prior
		}

		switch Classify(entry, ev) {
		case models.ActionCreate:
			if err := s.createOne(ctx, sinkToken, ev, log); err != nil {
				if appErrors.FromError(err).Code == appErrors.ErrLedger.Code {
					return report, err
				}
				report.Failed++
				continue
			}
			report.Created++
			s.metrics.CountEvent(string(models.ActionCreate))

		case models.ActionUpdate:
			if err := s.updateOne(ctx, sinkToken, *entry, ev, log); err != nil {
				if appErrors.FromError(err).Code == appErrors.ErrLedger.Code {
					return report, err
				}
				report.Failed++
				continue
			}
			report.Updated++
			s.metrics.CountEvent(string(models.ActionUpdate))

		default:
			report.Skipped++
			s.metrics.CountEvent(string(models.ActionSkip))
		}
	}

	outcome = "ok"
	log.Infow("sync completed",
		"fetched", report.Fetched,
		"created", report.Created,
		"updated", report.Updated,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

// createOne maps and creates one event in the sink, recording the ledger row
// only after a confirmed creation. If creation succeeds but the response is
// lost, the next run creates a duplicate; there is no search-by-embedded-id
// reconciliation on the sink side.
func (s *SyncService) createOne(ctx context.Context, sinkToken string, ev models.SourceEvent, log *zap.SugaredLogger) error {
	mapped, err := mapper.ToSinkEvent(ev, s.loc)
	if err != nil {
		log.Warnw("event mapping failed", "event_id", ev.ID, "error", err)
		return err
	}

	callStart := s.now()
	sinkID, err := s.sink.Create(ctx, sinkToken, mapped)
	s.metrics.ObserveSinkCall("create", s.now().Sub(callStart))
	if err != nil {
		log.Warnw("sink create failed", "event_id", ev.ID, "error", err)
		return err
	}

	entry := &models.LedgerEntry{
		SourceID:    ev.ID,
		SinkEventID: sql.NullString{String: sinkID, Valid: true},
		Title:       ev.Name,
		BeginAt:     parseBeginAt(ev.BeginAt),
		LastUpdated: ev.UpdatedAt,
	}
	if err := s.ledger.Upsert(ctx, entry); err != nil {
		return appErrors.Wrap(err, appErrors.ErrLedger.Code, appErrors.ErrLedger.Status, "record created event")
	}
	return nil
}

// updateOne maps and updates one event against its stored sink id. The
// ledger advances to the new updated_at regardless of the sink call outcome;
// a failed update is logged, not retried within the run.
func (s *SyncService) updateOne(ctx context.Context, sinkToken string, entry models.LedgerEntry, ev models.SourceEvent, log *zap.SugaredLogger) error {
	mapped, err := mapper.ToSinkEvent(ev, s.loc)
	if err != nil {
		log.Warnw("event mapping failed", "event_id", ev.ID, "error", err)
		return err
	}

	if entry.SinkEventID.Valid && entry.SinkEventID.String != "" {
		callStart := s.now()
		err = s.sink.Update(ctx, sinkToken, entry.SinkEventID.String, mapped)
		s.metrics.ObserveSinkCall("update", s.now().Sub(callStart))
		if err != nil {
			log.Warnw("sink update failed", "event_id", ev.ID, "sink_id", entry.SinkEventID.String, "error", err)
		}
	} else {
		log.Warnw("no sink id recorded, skipping sink update", "event_id", ev.ID)
	}

	entry.Title = ev.Name
	entry.BeginAt = parseBeginAt(ev.BeginAt)
	entry.LastUpdated = ev.UpdatedAt
	if err := s.ledger.Upsert(ctx, &entry); err != nil {
		return appErrors.Wrap(err, appErrors.ErrLedger.Code, appErrors.ErrLedger.Status, "record updated event")
	}
	return nil
}

// FullReset wipes the sink and the ledger, then repopulates both from the
// full reset lookback window. Best-effort: events whose creation fails are
// absent from both sides until the next reset or a manual sweep.
func (s *SyncService) FullReset(ctx context.Context) (*models.ResetReport, error) {
	if !s.running.TryLock() {
		return nil, appErrors.Clone(appErrors.ErrConflict, "a sync run is already in progress")
	}
	defer s.running.Unlock()

	start := s.now()
	report := &models.ResetReport{RunID: uuid.NewString()}
	log := s.logger.Sugar().With("run_id", report.RunID, "mode", "reset")

	outcome := "error"
	defer func() {
		report.Duration = s.now().Sub(start)
		s.metrics.ObserveSyncRun("reset", outcome, report.Duration)
	}()

	srcToken, err := s.sourceAuth.Token(ctx)
	if err != nil {
		return report, err
	}
	sinkToken, err := s.sinkAuth.Token(ctx)
	if err != nil {
		return report, err
	}

	log.Infow("clearing sink calendar")
	deleted, failed, err := s.sink.DeleteAll(ctx, sinkToken)
	if err != nil {
		return report, err
	}
	report.SinkDeleted = deleted
	report.SinkFailed = failed

	if err := s.ledger.Clear(ctx); err != nil {
		return report, appErrors.Wrap(err, appErrors.ErrLedger.Code, appErrors.ErrLedger.Status, "clear ledger")
	}

	cutoff := s.cutoff(s.opts.ResetLookback)
	events, err := s.fetcher.FetchEvents(ctx, srcToken, cutoff, source.SortBeginAt)
	if err != nil {
		return report, err
	}
	report.Fetched = len(events)
	log.Infow("fetched source events", "count", len(events), "cutoff", cutoff)

	for _, ev := range events {
		if err := s.createOne(ctx, sinkToken, ev, log); err != nil {
			if appErrors.FromError(err).Code == appErrors.ErrLedger.Code {
				return report, err
			}
			report.Failed++
			continue
		}
		report.Created++
		s.metrics.CountEvent(string(models.ActionCreate))
	}

	outcome = "ok"
	log.Infow("reset completed",
		"sink_deleted", report.SinkDeleted,
		"sink_failed", report.SinkFailed,
		"fetched", report.Fetched,
		"created", report.Created,
		"failed", report.Failed,
	)
	return report, nil
}

// FixStuckEntries relabels ledger rows left without a sink id by lost
// creation responses.
func (s *SyncService) FixStuckEntries(ctx context.Context) (int64, error) {
	fixed, err := s.ledger.FixNullSinkIDs(ctx)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrLedger.Code, appErrors.ErrLedger.Status, "fix stuck entries")
	}
	if fixed > 0 {
		s.logger.Sugar().Infow("relabelled stuck ledger entries", "count", fixed)
	}
	return fixed, nil
}

func parseBeginAt(raw string) time.Time {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
