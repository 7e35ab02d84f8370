// Package server assembles the application's dependencies and runs the
// HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/seclens/cvewatch/internal/api"
	"github.com/seclens/cvewatch/internal/broadcast"
	pubsubbc "github.com/seclens/cvewatch/internal/broadcast/pubsub"
	"github.com/seclens/cvewatch/internal/broadcast/ws"
	cachemem "github.com/seclens/cvewatch/internal/cache/memory"
	"github.com/seclens/cvewatch/internal/clock/system"
	"github.com/seclens/cvewatch/internal/config"
	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/logging"
	"github.com/seclens/cvewatch/internal/metrics"
	"github.com/seclens/cvewatch/internal/progress"
	progresssinks "github.com/seclens/cvewatch/internal/progress/sinks"
	"github.com/seclens/cvewatch/internal/scheduler"
	"github.com/seclens/cvewatch/internal/snapshot"
	"github.com/seclens/cvewatch/internal/source/advisory"
	"github.com/seclens/cvewatch/internal/source/nvd"
	storemem "github.com/seclens/cvewatch/internal/storage/memory"
	pgstore "github.com/seclens/cvewatch/internal/storage/postgres"
	"github.com/seclens/cvewatch/internal/tracking"
)

// App holds the assembled application and everything that needs a
// graceful shutdown.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	scheduler   *scheduler.Scheduler
	progressHub *progress.Hub
	wsHub       *ws.Hub

	pubsubClient      *pubsub.Client
	pubsubBroadcaster *pubsubbc.Broadcaster
	gcsArchiver       *snapshot.GCS
	pgRepo            *pgstore.RecordStore
}

// Build wires every component from configuration. The returned App owns
// the resources it opened; call Run (which closes them on shutdown) or
// Close directly.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application", zap.Int("port", cfg.Server.Port))

	repo, err := app.setupRepository(ctx)
	if err != nil {
		return nil, err
	}
	cache := cachemem.New()
	clk := system.New()

	app.wsHub = ws.NewHub(logger.Named("ws"))
	broadcaster, err := app.setupBroadcaster(ctx)
	if err != nil {
		return nil, err
	}

	service := tracking.New(repo, cache, broadcaster, clk, logger.Named("tracking"))

	archiver, err := app.setupArchiver(ctx)
	if err != nil {
		return nil, err
	}

	registry := scheduler.NewRegistry()
	if err := app.registerJobs(registry, service, archiver); err != nil {
		return nil, err
	}

	emitter, err := app.setupProgress(ctx, broadcaster)
	if err != nil {
		return nil, err
	}

	app.scheduler = scheduler.New(registry, emitter, clk, logger.Named("scheduler"))
	app.apiServer = api.NewServer(
		service,
		repo,
		cache,
		app.scheduler,
		registry,
		app.wsHub,
		*cfg,
		logger.Named("api"),
	)
	return app, nil
}

func (a *App) setupRepository(ctx context.Context) (cve.RecordRepository, error) {
	switch a.cfg.DB.Backend {
	case "postgres":
		repo, err := pgstore.NewRecordStore(ctx, pgstore.RecordStoreConfig{
			DSN:             a.cfg.DB.DSN,
			Table:           a.cfg.DB.Table,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres record store init failed: %w", err)
		}
		a.pgRepo = repo
		a.logger.Info("using postgres record store", zap.String("table", a.cfg.DB.Table))
		return repo, nil
	default:
		a.logger.Info("using in-memory record store")
		return storemem.NewRecordStore(), nil
	}
}

func (a *App) setupBroadcaster(ctx context.Context) (cve.EventBroadcaster, error) {
	targets := []cve.EventBroadcaster{a.wsHub}
	if a.cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		bc, err := pubsubbc.New(client.Topic(a.cfg.PubSub.TopicName))
		if err != nil {
			return nil, fmt.Errorf("pubsub broadcaster init failed: %w", err)
		}
		a.pubsubBroadcaster = bc
		targets = append(targets, bc)
		a.logger.Info("pubsub broadcaster initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	return broadcast.NewFanout(targets...), nil
}

func (a *App) setupArchiver(ctx context.Context) (snapshot.Archiver, error) {
	switch a.cfg.Snapshot.Backend {
	case "gcs":
		archiver, err := snapshot.NewGCS(ctx, a.cfg.Snapshot.GCSBucket, a.logger.Named("snapshot"))
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot archiver init failed: %w", err)
		}
		a.gcsArchiver = archiver
		a.logger.Info("using gcs snapshot archiver", zap.String("bucket", a.cfg.Snapshot.GCSBucket))
		return archiver, nil
	case "local":
		archiver, err := snapshot.NewLocal(snapshot.LocalConfig{BaseDir: a.cfg.Snapshot.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local snapshot archiver init failed: %w", err)
		}
		a.logger.Info("using local snapshot archiver", zap.String("base_dir", a.cfg.Snapshot.BaseDir))
		return archiver, nil
	default:
		a.logger.Info("snapshot archiving disabled")
		return snapshot.Nop{}, nil
	}
}

func (a *App) registerJobs(registry *scheduler.Registry, service *tracking.Service, archiver snapshot.Archiver) error {
	nvdJob := nvd.New(nvd.Config{
		BaseURL:    a.cfg.NVD.BaseURL,
		APIKey:     a.cfg.NVD.APIKey,
		UserAgent:  a.cfg.NVD.UserAgent,
		Timeout:    a.cfg.NVDTimeout(),
		MaxRetries: uint64(a.cfg.NVD.MaxRetries),
		PageSize:   a.cfg.NVD.PageSize,
	}, service, archiver, a.logger.Named("nvd"))
	if err := registry.Register(nvdJob); err != nil {
		return fmt.Errorf("register nvd job: %w", err)
	}

	if a.cfg.Advisory.IndexURL == "" {
		a.logger.Info("advisory job disabled: no index url configured")
		return nil
	}
	advisoryJob := advisory.New(advisory.Config{
		IndexURL:      a.cfg.Advisory.IndexURL,
		UserAgent:     a.cfg.Advisory.UserAgent,
		Timeout:       a.cfg.AdvisoryTimeout(),
		RespectRobots: a.cfg.Advisory.RespectRobots,
	}, service, archiver, a.logger.Named("advisory"))
	if err := registry.Register(advisoryJob); err != nil {
		return fmt.Errorf("register advisory job: %w", err)
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context, broadcaster cve.EventBroadcaster) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinks := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewBroadcastSink(broadcaster, a.logger.Named("progress_broadcast")),
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutSecs) * time.Second,
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinks...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

// Run starts the HTTP server and blocks until the context is canceled
// or a termination signal arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close releases resources, waiting for any in-flight crawl to finish
// or ctx to expire.
func (a *App) Close(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Close(ctx); err != nil {
			a.logger.Warn("scheduler close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.wsHub != nil {
		a.wsHub.Close()
	}
	if a.pubsubBroadcaster != nil {
		a.pubsubBroadcaster.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsArchiver != nil {
		if err := a.gcsArchiver.Close(); err != nil {
			a.logger.Warn("gcs archiver close failed", zap.Error(err))
		}
	}
	if a.pgRepo != nil {
		a.pgRepo.Close()
	}
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
	return nil
}
