package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/rmachat/backend"
	"github.com/c360studio/rmachat/config"
	"github.com/c360studio/rmachat/conversation"
	"github.com/c360studio/rmachat/engine"
	"github.com/c360studio/rmachat/metrics"
	"github.com/c360studio/rmachat/storage"
	"github.com/c360studio/rmachat/transport"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer

	// Broker
	embeddedServer *server.Server
	adapter        *transport.Adapter
	handle         *transport.Handle

	// State
	backend storage.Backend
	store   *conversation.Store
	engine  *engine.Engine

	api     *backend.Client
	metrics *metrics.Metrics
	ui      *REPL

	stopMetrics context.CancelFunc
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger, out io.Writer) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:     cfg,
		logger:  logger,
		out:     out,
		metrics: metrics.New(),
	}, nil
}

// Start initializes all components and connects to the broker.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.Broker.Embedded {
		if err := a.startEmbeddedBroker(); err != nil {
			return fmt.Errorf("start embedded broker: %w", err)
		}
	}

	if err := a.OpenStore(ctx); err != nil {
		return err
	}

	a.api = backend.NewClient(a.cfg.API.URL,
		backend.WithToken(a.cfg.Identity.Token),
		backend.WithTimeout(a.cfg.API.Timeout),
		backend.WithLogger(a.logger))

	a.ui = NewREPL(a.out)

	adapter, err := transport.New(a.cfg.Transport(),
		transport.WithLogger(a.logger),
		transport.WithMetrics(a.metrics),
		transport.WithStateObserver(a.ui.ConnectionChanged))
	if err != nil {
		return err
	}
	a.adapter = adapter

	eng, err := engine.New(a.store, adapter,
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
		engine.WithDirectory(a.api),
		engine.WithObserver(a.ui.Render))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	a.engine = eng
	a.ui.Attach(eng, adapter)

	if a.cfg.Metrics.Addr != "" {
		metricsCtx, cancel := context.WithCancel(context.Background())
		a.stopMetrics = cancel
		go func() {
			if err := a.metrics.Serve(metricsCtx, a.cfg.Metrics.Addr, a.logger); err != nil {
				a.logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	handle, err := adapter.Connect(ctx, a.cfg.Identity.Username, eng.HandleRaw)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	a.handle = handle

	a.logger.Info("rmachat ready",
		"version", Version,
		"identity", a.cfg.Identity.Username,
		"broker", a.cfg.Broker.URL,
		"storage", a.cfg.Storage.Driver)
	return nil
}

// OpenStore opens the storage backend and loads the identity's state.
func (a *App) OpenStore(ctx context.Context) error {
	b, err := a.openBackend(ctx)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.backend = b

	store, err := conversation.Open(b, a.cfg.Identity.Username, conversation.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("load conversation state: %w", err)
	}
	a.store = store
	return nil
}

func (a *App) openBackend(ctx context.Context) (storage.Backend, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverMemory:
		return storage.NewMemoryBackend(), nil
	case config.DriverKV:
		var opts []nats.Option
		opts = append(opts, nats.Name(a.cfg.Identity.Username+"-state"))
		if a.cfg.Identity.Token != "" {
			opts = append(opts, nats.Token(a.cfg.Identity.Token))
		}
		return storage.DialKV(ctx, a.cfg.Broker.URL, a.cfg.Storage.Bucket, opts...)
	default:
		return storage.OpenBadger(a.cfg.Storage.Path, a.logger)
	}
}

func (a *App) startEmbeddedBroker() error {
	host, port, err := a.cfg.EmbeddedListen()
	if err != nil {
		return err
	}

	a.logger.Info("Starting embedded NATS server", "host", host, "port", port)
	opts := &server.Options{
		Host:      host,
		Port:      port,
		JetStream: a.cfg.Storage.Driver == config.DriverKV,
		NoLog:     true,
		NoSigs:    true,
	}
	if opts.JetStream && a.cfg.Storage.Path != "" {
		opts.StoreDir = a.cfg.Storage.Path
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}

	a.embeddedServer = ns
	return nil
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	if a.stopMetrics != nil {
		a.stopMetrics()
	}

	if a.handle != nil {
		a.handle.Close()
		a.handle = nil
	}

	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn("Failed to close storage", "error", err)
		}
		a.backend = nil
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		done := make(chan struct{})
		go func() {
			a.embeddedServer.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			a.logger.Warn("Embedded NATS server did not stop in time")
		}
	}
}

// RunREPL runs the interactive REPL loop until input ends or ctx is done.
func (a *App) RunREPL(ctx context.Context, in io.Reader) error {
	if a.ui == nil {
		return errors.New("app not started")
	}
	return a.ui.Run(ctx, in)
}
