// Package app wires the long-lived services of the relay from configuration,
// acting as the dependency injection container shared by the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/api"
	"github.com/JakeFAU/genprogress/internal/config"
	"github.com/JakeFAU/genprogress/internal/logging"
	"github.com/JakeFAU/genprogress/internal/policy/ratelimit"
	"github.com/JakeFAU/genprogress/internal/progress"
	"github.com/JakeFAU/genprogress/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/genprogress/internal/publisher/pubsub"
	"github.com/JakeFAU/genprogress/internal/storage"
	gcsstore "github.com/JakeFAU/genprogress/internal/storage/gcs"
	localstore "github.com/JakeFAU/genprogress/internal/storage/local"
	memorystore "github.com/JakeFAU/genprogress/internal/storage/memory"
	"github.com/JakeFAU/genprogress/internal/storage/postgres"
	"github.com/JakeFAU/genprogress/internal/store"
	"github.com/JakeFAU/genprogress/internal/telemetry"
	"github.com/JakeFAU/genprogress/internal/tracker"
	"github.com/JakeFAU/genprogress/internal/transport/sse"
	"github.com/JakeFAU/genprogress/internal/transport/status"
	"github.com/JakeFAU/genprogress/internal/transport/websocket"
)

// App holds the services built for one process: the tracker, the record hub
// and the stores behind the history routes.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	tracker *tracker.Tracker
	hub     *progress.Hub
	tasks   store.TaskRepository
	blobs   storage.BlobStore

	// closers run in reverse order after the hub has flushed.
	closers []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	httpClient *http.Client
	publisher  sinks.Publisher
}

// WithRegisterer registers the progress collectors against reg instead of
// the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient sets the client used to reach the backend.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithPublisher overrides the Pub/Sub publisher for terminal notifications.
func WithPublisher(p sinks.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// New builds every service described by cfg. It fails fast when a configured
// backend cannot be initialized and releases whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.runClosers()
		}
	}()

	logger.Info("initializing services",
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("stream_kind", cfg.Backend.StreamKind),
		zap.String("storage", cfg.Storage.Backend),
	)

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return tp.Shutdown(ctx)
		})
	}

	statusClient, err := status.New(status.Options{
		BaseURL:    cfg.Backend.BaseURL,
		Path:       cfg.Backend.StatusPath,
		ResultPath: cfg.Backend.ResultPath,
		APIKey:     cfg.Backend.APIKey,
		Timeout:    cfg.Backend.Timeout,
		HTTPClient: o.httpClient,
		Limiter:    ratelimit.New(ratelimit.Config{RPS: cfg.Backend.MaxRPS, Burst: cfg.Backend.Burst}),
		Logger:     logging.ForComponent(logger, "status"),
	})
	if err != nil {
		return nil, fmt.Errorf("init status client: %w", err)
	}
	push, err := newPushSource(cfg.Backend, o.httpClient, logger)
	if err != nil {
		return nil, err
	}

	if err := a.initTasks(ctx); err != nil {
		return nil, err
	}
	if err := a.initBlobs(ctx); err != nil {
		return nil, err
	}
	publisher, err := a.initPublisher(ctx, o.publisher)
	if err != nil {
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, err
	}
	hubSinks := []progress.Sink{
		promSink,
		sinks.NewStoreSink(a.tasks, logging.ForComponent(logger, "store_sink")),
	}
	if cfg.Progress.LogRecords {
		hubSinks = append(hubSinks, sinks.NewLogSink(logging.ForComponent(logger, "records")))
	}
	if a.blobs != nil {
		hubSinks = append(hubSinks, sinks.NewArchiveSink(a.blobs, logging.ForComponent(logger, "archive_sink")))
	}
	if publisher != nil {
		hubSinks = append(hubSinks, sinks.NewNotifySink(
			publisher, cfg.PubSub.TopicName, a.blobs != nil, logging.ForComponent(logger, "notify_sink"),
		))
	}
	a.hub = progress.NewHub(progress.HubConfig{
		BufferSize:      cfg.Progress.BufferSize,
		MaxBatchRecords: cfg.Progress.MaxBatchRecords,
		MaxBatchWait:    cfg.Progress.MaxBatchWait,
		SinkTimeout:     cfg.Progress.SinkTimeout,
		Logger:          logging.ForComponent(logger, "hub"),
	}, hubSinks...)

	a.tracker, err = tracker.New(tracker.Deps{
		Push:    push,
		Status:  statusClient,
		Results: statusClient,
		Emitter: a.hub,
		Logger:  logging.ForComponent(logger, "tracker"),
	}, tracker.Options{
		PollInterval:       cfg.Tracking.PollInterval,
		PollWhileStreaming: cfg.Tracking.PollWhileStreaming,
		EstimatedTotalTime: cfg.Tracking.EstimatedTotalTime,
	})
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Progress.SinkTimeout)
		defer cancel()
		if herr := a.hub.Close(closeCtx); herr != nil {
			logger.Warn("hub close failed", zap.Error(herr))
		}
		return nil, fmt.Errorf("init tracker: %w", err)
	}

	logger.Info("services initialized", zap.Int("sinks", len(hubSinks)))
	return a, nil
}

func newPushSource(cfg config.BackendConfig, client *http.Client, logger *zap.Logger) (progress.PushSource, error) {
	switch cfg.StreamKind {
	case config.StreamSSE:
		c, err := sse.New(sse.Options{
			BaseURL:    cfg.BaseURL,
			Path:       cfg.StreamPath,
			APIKey:     cfg.APIKey,
			HTTPClient: client,
			Logger:     logging.ForComponent(logger, "sse"),
		})
		if err != nil {
			return nil, fmt.Errorf("init sse client: %w", err)
		}
		return c, nil
	case config.StreamWebSocket:
		c, err := websocket.New(websocket.Options{
			BaseURL:     cfg.BaseURL,
			Path:        cfg.StreamPath,
			APIKey:      cfg.APIKey,
			DialTimeout: cfg.Timeout,
			HTTPClient:  client,
			Logger:      logging.ForComponent(logger, "websocket"),
		})
		if err != nil {
			return nil, fmt.Errorf("init websocket client: %w", err)
		}
		return c, nil
	case config.StreamNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown stream kind: %s", cfg.StreamKind)
	}
}

func (a *App) initTasks(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory task history")
		a.tasks = memorystore.NewTaskStore()
		return nil
	}
	a.logger.Info("connecting to postgres", zap.String("table", a.cfg.DB.Table))
	pg, err := postgres.NewTaskStore(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("init task store: %w", err)
	}
	a.tasks = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.StorageNone, "":
		a.logger.Info("result archiving disabled")
	case config.StorageMemory:
		a.blobs = memorystore.NewBlobStore()
	case config.StorageLocal:
		blobs, err := localstore.New(localstore.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		a.blobs = blobs
	case config.StorageGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		blobs, err := gcsstore.New(client, gcsstore.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init gcs storage: %w", err)
		}
		a.blobs = blobs
	default:
		return fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context, override sinks.Publisher) (sinks.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	if override != nil {
		return override, nil
	}
	a.logger.Info("connecting to pub/sub",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	client, err := gcpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client, a.cfg.PubSub.TopicName)
	a.closers = append(a.closers, client.Close, func() error {
		pub.Stop()
		return nil
	})
	return pub, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Tracker returns the shared task tracker.
func (a *App) Tracker() *tracker.Tracker {
	return a.tracker
}

// Tasks returns the run history repository.
func (a *App) Tasks() store.TaskRepository {
	return a.tasks
}

// Blobs returns the result archive, or nil when archiving is disabled.
func (a *App) Blobs() storage.BlobStore {
	return a.blobs
}

// Handler builds the relay HTTP handler. Attempts started through it are
// bound to ctx.
func (a *App) Handler(ctx context.Context) http.Handler {
	history := api.NewHistoryHandler(a.tasks, a.blobs, logging.ForComponent(a.logger, "history"))
	srv := api.NewServer(a.tracker, a.cfg, logging.ForComponent(a.logger, "api"),
		api.WithHistory(history),
		api.WithBaseContext(ctx),
	)
	return srv.Handler()
}

// Close abandons every tracked attempt, flushes the hub and releases the
// backing clients. Errors are joined so every service gets a chance to stop.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down services")
	var errs []error
	if a.tracker != nil {
		if err := a.tracker.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.runClosers(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) runClosers() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("service close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
