//go:build linux

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"eventd/api"
	"eventd/config"
	"eventd/core"
	"eventd/ingest"
	"eventd/reactor"
	"eventd/storage"
	"eventd/util/goroutine"

	"go.uber.org/zap"
)

// App is the eventd process: one datagram endpoint feeding an event buffer
// that a consumer drains into a sink.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Loop     *reactor.Loop
	Buffer   *core.EventBuffer
	Sink     core.Sink
	Consumer *core.Consumer
	Endpoint *ingest.DatagramEndpoint

	SQLite    *storage.SQLite
	DLQ       *ingest.DLQ
	Retention *storage.RetentionManager
	APIServer *api.API

	// Lifecycle
	serviceWg       sync.WaitGroup
	cancel          context.CancelFunc
	loopErr         chan error
	consumerStarted bool
	shutdownMu      sync.Mutex
	shutdown        bool
}

// NewApp loads configuration from configFile and builds every component.
// Nothing is bound or started until Start.
func NewApp(configFile string) (*App, error) {
	cfg, err := InitConfig(configFile)
	if err != nil {
		return nil, err
	}

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar.Info("eventd starting...")
	LogConfig(cfg, sugar)

	app, err := NewAppWithConfig(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

// NewAppWithConfig builds the components from an already loaded configuration
func NewAppWithConfig(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Sugar:   sugar,
		loopErr: make(chan error, 1),
	}

	// Pre-flight checks
	var dirs []string
	dirs = append(dirs, cfg.Endpoint.Path)
	if cfg.DLQ.Enabled {
		dirs = append(dirs, cfg.DLQ.Path)
	}
	if cfg.Consumer.Sink == config.SinkFile {
		dirs = append(dirs, cfg.Consumer.FilePath)
	}
	if err := EnsureDirectories(sugar, dirs...); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	loop, err := reactor.New(sugar.Named("reactor"))
	if err != nil {
		return nil, fmt.Errorf("failed to create event loop: %w", err)
	}
	app.Loop = loop

	app.Buffer = core.NewEventBuffer(cfg.Queue.Capacity)

	sink, err := core.NewSink(cfg.Consumer.Sink, cfg.Consumer.FilePath, sugar.Named("sink"))
	if err != nil {
		_ = loop.Close()
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}
	app.Sink = sink
	app.Consumer = core.NewConsumer(app.Buffer, sink, cfg.Consumer.Workers, sugar.Named("consumer"))

	sqlite, dlq, err := InitDLQ(cfg, sugar.Named("dlq"))
	if err != nil {
		_ = sink.Close()
		_ = loop.Close()
		return nil, err
	}
	app.SQLite = sqlite
	app.DLQ = dlq
	if dlq != nil && cfg.DLQ.RetentionDays > 0 {
		app.Retention = storage.NewRetentionManager(dlq, cfg.DLQ.RetentionDays, sugar.Named("retention"))
	}

	opts := ingest.DatagramOptions{
		MaxFrameSize: cfg.Endpoint.MaxFrameSize,
		RateLimit:    cfg.Endpoint.RateLimit,
		RateBurst:    cfg.Endpoint.RateBurst,
		Logger:       sugar.Named("ingest"),
	}
	// avoid a typed-nil DeadLetter when the DLQ is disabled
	if dlq != nil {
		opts.DeadLetter = dlq
	}
	endpoint, err := ingest.NewDatagramEndpoint(cfg.Endpoint.Path, app.Buffer, loop, opts)
	if err != nil {
		app.Shutdown()
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}
	app.Endpoint = endpoint

	if cfg.Metrics.Enabled {
		var store api.DLQStore
		var replay ingest.Output
		if dlq != nil {
			store = dlq
			replay = app.Buffer
		}
		app.APIServer = api.NewAPI(endpoint, app.Buffer, store, replay, sugar.Named("api"))
	}

	return app, nil
}

// Start binds the endpoint socket and starts dispatch, the consumer and the admin API.
// A bind failure is a configuration error and is returned without retrying.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// the consumer outlives ctx so Shutdown can drain the buffer
	if err := a.Consumer.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	a.consumerStarted = true

	if err := a.Endpoint.Configure(); err != nil {
		a.Sugar.Error(ClassifyBindError(err, a.Config.Endpoint.Path))
		return fmt.Errorf("failed to configure endpoint: %w", err)
	}

	mode, err := a.Config.Endpoint.SocketFileMode()
	if err != nil {
		return err
	}
	if err := os.Chmod(a.Config.Endpoint.Path, mode); err != nil {
		return fmt.Errorf("failed to set socket mode %s: %w", a.Config.Endpoint.SocketMode, err)
	}

	// Run blocks on the loop until ctx is cancelled or the loop is closed
	a.serviceWg.Add(1)
	goroutine.Go("event-loop", a.Sugar, func() {
		defer a.serviceWg.Done()
		err := a.Endpoint.Run(ctx)
		if err != nil && !errors.Is(err, reactor.ErrLoopClosed) {
			a.Sugar.Errorw("Event loop stopped", "error", err)
		}
		a.loopErr <- err
	})

	if a.Retention != nil {
		a.Retention.Start()
	}

	if a.APIServer != nil {
		a.startAPIServer()
	}

	a.Sugar.Infow("eventd started", "endpoint", a.Endpoint.Path(), "endpoint_id", a.Endpoint.ID())
	return nil
}

func (a *App) startAPIServer() {
	a.serviceWg.Add(1)
	goroutine.Go("api-server", a.Sugar, func() {
		defer a.serviceWg.Done()
		if err := a.APIServer.Start(a.Config.Metrics.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("Admin API server failed", "error", err, "addr", a.Config.Metrics.Addr)
		}
	})
}

// WaitForShutdown blocks until SIGINT/SIGTERM, ctx cancellation or the event loop stopping
func (a *App) WaitForShutdown(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	case err := <-a.loopErr:
		a.Sugar.Warnw("Event loop exited", "error", err)
	}
}

// Shutdown stops the components in dependency order. It is idempotent.
func (a *App) Shutdown() {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.shutdown {
		return
	}
	a.shutdown = true

	a.Sugar.Info("Shutting down...")

	// Phase 1 - Stop ingesting: deregister, close and unlink the socket
	a.Sugar.Info("Phase 1: Closing endpoint...")
	if a.Endpoint != nil {
		a.Endpoint.Close()
	}

	// Phase 2 - Stop the event loop
	a.Sugar.Info("Phase 2: Stopping event loop...")
	if a.cancel != nil {
		a.cancel()
	}
	if a.Loop != nil {
		if err := a.Loop.Close(); err != nil {
			a.Sugar.Errorw("Failed to close event loop", "error", err)
		}
	}

	// Phase 3 - Stop the admin API before the components it reports on
	a.Sugar.Info("Phase 3: Stopping admin API...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	// Phase 4 - Close the buffer so the consumer drains what is queued
	a.Sugar.Info("Phase 4: Draining event buffer...")
	if a.Buffer != nil {
		a.Buffer.Close()
	}
	if a.consumerStarted {
		a.Consumer.Stop()
	} else if a.Sink != nil {
		_ = a.Sink.Close()
	}

	// Phase 5 - Flush dead letters
	a.Sugar.Info("Phase 5: Flushing dead-letter queue...")
	if a.Retention != nil {
		a.Retention.Stop()
	}
	if a.DLQ != nil {
		a.DLQ.Stop()
	}

	// Phase 6 - Wait for service goroutines
	a.Sugar.Info("Phase 6: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped successfully")
	case <-time.After(10 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	// Phase 7 - Close database connections
	a.Sugar.Info("Phase 7: Closing database connections...")
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close DLQ database", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
