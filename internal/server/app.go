// Package server builds the application's dependencies and runs its processes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/api"
	"github.com/JakeFAU/capture-service/internal/artifact"
	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/cleanup"
	"github.com/JakeFAU/capture-service/internal/clock/system"
	"github.com/JakeFAU/capture-service/internal/config"
	"github.com/JakeFAU/capture-service/internal/hash/sha256"
	"github.com/JakeFAU/capture-service/internal/id/uuid"
	"github.com/JakeFAU/capture-service/internal/logging"
	"github.com/JakeFAU/capture-service/internal/metrics"
	"github.com/JakeFAU/capture-service/internal/notify"
	"github.com/JakeFAU/capture-service/internal/ports"
	"github.com/JakeFAU/capture-service/internal/probe"
	memorypublisher "github.com/JakeFAU/capture-service/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/capture-service/internal/publisher/pubsub"
	"github.com/JakeFAU/capture-service/internal/ratelimit"
	"github.com/JakeFAU/capture-service/internal/scoop"
	gcsstorage "github.com/JakeFAU/capture-service/internal/storage/gcs"
	localstorage "github.com/JakeFAU/capture-service/internal/storage/local"
	memorystorage "github.com/JakeFAU/capture-service/internal/storage/memory"
	pgstore "github.com/JakeFAU/capture-service/internal/storage/postgres"
	"github.com/JakeFAU/capture-service/internal/telemetry"
	"github.com/JakeFAU/capture-service/internal/useragent"
	"github.com/JakeFAU/capture-service/internal/worker"
)

// memoryEventLimit bounds the completion events kept without Pub/Sub.
const memoryEventLimit = 1000

// CaptureStore is a job store that also supports housekeeping.
type CaptureStore interface {
	capture.Store
	capture.Housekeeper
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store        CaptureStore
	pgStore      *pgstore.CaptureStore
	blobs        capture.BlobStore
	publisher    capture.Publisher
	topic        string
	agents       *useragent.Matcher
	clock        capture.Clock
	storage      *storage.Client
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	tracer       *sdktrace.TracerProvider
}

// Build creates the dependencies shared by every command. role names the
// process (serve, worker, cleanup) in traces.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, role string) (*App, error) {
	app := &App{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		agents: useragent.NewMatcher(cfg.CustomUserAgents),
		clock:  system.New(),
	}
	app.logger.Info("building application dependencies",
		zap.String("role", role),
		zap.String("database", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Backend),
	)
	metrics.Init()

	var err error
	app.tracer, err = telemetry.InitTracerProvider(ctx, role, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	if err := app.setupStore(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := app.setupBlobs(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Database.Driver != "postgres" {
		a.logger.Warn("using in-memory capture store; captures are lost on exit and not shared between processes")
		a.store = memorystorage.NewCaptureStore()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:      a.cfg.Database.DSN,
		MaxConns: a.cfg.Database.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("capture store init failed: %w", err)
	}
	a.pgStore = store
	a.store = store
	if a.cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate capture store: %w", err)
		}
		a.logger.Info("capture schema applied")
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("mirroring artifacts to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case "local":
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("mirroring artifacts to local disk", zap.String("path", a.cfg.Storage.LocalDir))
	case "memory":
		a.blobs = memorystorage.NewBlobStore()
	default:
		a.logger.Info("artifact mirroring disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher",
			zap.String("topic", memorypublisher.DefaultTopic))
		a.publisher = memorypublisher.NewBounded(memoryEventLimit)
		a.topic = memorypublisher.DefaultTopic
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(a.pubsubClient)
	a.publisher = a.gcpPublisher
	a.topic = a.cfg.PubSub.TopicName
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

// Prober builds the URL prober from the validation config.
func (a *App) Prober() (*probe.Prober, error) {
	p, err := probe.New(a.cfg.Validation, a.agents, a.logger)
	if err != nil {
		return nil, fmt.Errorf("prober init failed: %w", err)
	}
	return p, nil
}

// APIServer builds the HTTP API.
func (a *App) APIServer() (*api.Server, error) {
	prober, err := a.Prober()
	if err != nil {
		return nil, err
	}
	return api.NewServer(api.Deps{
		Store:     a.store,
		Prober:    prober,
		Artifacts: artifact.NewService(a.store),
		IDGen:     uuid.NewGenerator(),
		Clock:     a.clock,
		Limiter:   ratelimit.New(a.cfg.RateLimit),
	}, a.cfg.Auth, a.cfg.API, a.logger), nil
}

// Pool builds the capture supervisor pool for a worker ordinal.
func (a *App) Pool(ordinal int) *worker.Pool {
	deps := worker.Deps{
		Store:     a.store,
		Runner:    scoop.NewRunner(a.cfg.Scoop, a.agents, a.logger),
		Ports:     ports.NewChecker(a.cfg.Worker.PortCheckTimeout),
		Blobs:     a.blobs,
		Publisher: a.publisher,
		Notifier:  notify.New(a.cfg.Worker.CallbackTimeout, a.logger.Named("notify")),
		Hasher:    sha256.New(),
		Clock:     a.clock,
	}
	opts := worker.Options{
		SentinelPath: a.cfg.Worker.SentinelPath,
		Topic:        a.topic,
		BlobPrefix:   a.cfg.Storage.Prefix,
		Projection: capture.ProjectionOptions{
			APIDomain:     a.cfg.API.Domain,
			ExposeLogs:    a.cfg.API.ExposeLogs,
			ExposeSummary: a.cfg.API.ExposeSummary,
		},
	}
	a.logger.Info("worker identity",
		zap.Int("ordinal", ordinal),
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Int("base_port", a.cfg.Worker.ProxyBasePort),
	)
	return worker.NewPool(a.cfg.Worker, ordinal, deps, opts, a.logger)
}

// Janitor builds the housekeeping runner.
func (a *App) Janitor() *cleanup.Janitor {
	return cleanup.New(a.store, a.blobs, a.clock, a.cfg.Cleanup, cleanup.Options{
		TempDir:    a.cfg.Scoop.TempDir,
		BlobPrefix: a.cfg.Storage.Prefix,
	}, a.logger)
}

// Serve runs the HTTP API until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	apiServer, err := a.APIServer()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close releases every client the App opened.
func (a *App) Close(ctx context.Context) {
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
