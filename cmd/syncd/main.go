package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-cal-sync/internal/handler"
	"github.com/noah-isme/campus-cal-sync/internal/middleware"
	"github.com/noah-isme/campus-cal-sync/internal/repository"
	"github.com/noah-isme/campus-cal-sync/internal/service"
	"github.com/noah-isme/campus-cal-sync/internal/sink"
	"github.com/noah-isme/campus-cal-sync/internal/source"
	"github.com/noah-isme/campus-cal-sync/pkg/cache"
	"github.com/noah-isme/campus-cal-sync/pkg/config"
	"github.com/noah-isme/campus-cal-sync/pkg/database"
	"github.com/noah-isme/campus-cal-sync/pkg/export"
	"github.com/noah-isme/campus-cal-sync/pkg/jobs"
	"github.com/noah-isme/campus-cal-sync/pkg/logger"
	reqidmiddleware "github.com/noah-isme/campus-cal-sync/pkg/middleware/requestid"
)

const usage = `usage: syncd <command>

commands:
  sync     run one incremental sync pass
  reset    wipe the calendar and ledger, then repopulate
  fix-ids  relabel ledger rows missing a sink event id
  export   dump the ledger to CSV (-out FILE)
  serve    run the ops HTTP surface with the optional scheduler
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	cmd := "sync"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		fmt.Print(usage)
		return
	}

	ctx := context.Background()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to open ledger database", "error", err)
	}
	defer db.Close()

	ledger := repository.NewLedgerRepository(db)
	if err := ledger.EnsureSchema(ctx); err != nil {
		logr.Sugar().Fatalw("failed to ensure ledger schema", "error", err)
	}

	var redisClient *redis.Client
	if c, err := cache.NewRedis(cfg.Redis); err != nil {
		logr.Sugar().Warnw("redis unavailable, token caching disabled", "error", err)
	} else {
		redisClient = c
		defer redisClient.Close()
	}

	metrics := service.NewMetricsService()
	svc, err := service.NewSyncService(
		source.NewTokenProvider(cfg.Source, redisClient, logr),
		sink.NewTokenProvider(cfg.Sink.TokenFile),
		source.NewClient(cfg.Source, logr),
		sink.NewClient(cfg.Sink, logr),
		ledger,
		service.Options{
			TimeZone:      cfg.Sync.TimeZone,
			Lookback:      cfg.Sync.Lookback,
			ResetLookback: cfg.Sync.ResetLookback,
		},
		metrics,
		logr,
	)
	if err != nil {
		logr.Sugar().Fatalw("failed to build sync service", "error", err)
	}

	switch cmd {
	case "sync":
		report, err := svc.IncrementalSync(ctx)
		if err != nil {
			logr.Sugar().Fatalw("sync failed", "error", err)
		}
		logr.Sugar().Infow("sync finished",
			"run_id", report.RunID,
			"fetched", report.Fetched,
			"created", report.Created,
			"updated", report.Updated,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"duration", report.Duration,
		)

	case "reset":
		report, err := svc.FullReset(ctx)
		if err != nil {
			logr.Sugar().Fatalw("reset failed", "error", err)
		}
		logr.Sugar().Infow("reset finished",
			"run_id", report.RunID,
			"sink_deleted", report.SinkDeleted,
			"sink_failed", report.SinkFailed,
			"fetched", report.Fetched,
			"created", report.Created,
			"failed", report.Failed,
			"duration", report.Duration,
		)

	case "fix-ids":
		fixed, err := svc.FixStuckEntries(ctx)
		if err != nil {
			logr.Sugar().Fatalw("fix-ids failed", "error", err)
		}
		logr.Sugar().Infow("fix-ids finished", "fixed", fixed)

	case "export":
		if err := exportLedger(ctx, ledger, os.Args[2:]); err != nil {
			logr.Sugar().Fatalw("export failed", "error", err)
		}

	case "serve":
		runServer(ctx, cfg, logr, svc, metrics)

	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func exportLedger(ctx context.Context, ledger *repository.LedgerRepository, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "ledger_export.csv", "output CSV path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rows, err := ledger.ExportDataset(ctx)
	if err != nil {
		return err
	}

	data, err := export.NewCSVExporter().Render(export.Dataset{
		Headers: []string{"id", "sink_event_id", "title", "begin_at", "last_updated"},
		Rows:    rows,
	})
	if err != nil {
		return err
	}

	return os.WriteFile(*out, data, 0o644)
}

func runServer(ctx context.Context, cfg *config.Config, logr *zap.Logger, svc *service.SyncService, metrics *service.MetricsService) {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	queue := jobs.NewQueue("sync", func(ctx context.Context, job jobs.Job) error {
		_, err := svc.IncrementalSync(ctx)
		return err
	}, jobs.QueueConfig{
		MaxRetries: cfg.Scheduler.MaxRetries,
		RetryDelay: cfg.Scheduler.RetryDelay,
		Logger:     logr,
	})
	queue.Start(ctx)
	defer queue.Stop()

	if cfg.Scheduler.Enabled {
		go func() {
			ticker := time.NewTicker(cfg.Scheduler.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					job := jobs.Job{ID: uuid.NewString(), Type: "scheduled_sync"}
					if err := queue.Enqueue(job); err != nil {
						logr.Sugar().Warnw("failed to enqueue scheduled sync", "error", err)
					}
				}
			}
		}()
		logr.Sugar().Infow("scheduler enabled", "interval", cfg.Scheduler.Interval)
	}

	syncHandler := handler.NewSyncHandler(svc, logr)
	metricsHandler := handler.NewMetricsHandler(metrics)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	internal := r.Group("/internal", middleware.AdminToken(cfg.Server.AdminToken))
	internal.POST("/sync", syncHandler.Sync)
	internal.POST("/reset", syncHandler.Reset)
	internal.POST("/fix-ids", syncHandler.FixIDs)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
