// Command edge-agent runs the point-of-sale outbox: it delivers queued messages to the cloud API
// and serves the operator HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/velmie/edgeagent/httpapi"
	"github.com/velmie/edgeagent/httpsender"
	"github.com/velmie/edgeagent/internal/config"
	"github.com/velmie/edgeagent/internal/logging"
	"github.com/velmie/edgeagent/internal/storage"
	"github.com/velmie/edgeagent/metrics"
	"github.com/velmie/edgeagent/outbox"
	"github.com/velmie/edgeagent/tenant"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 15 * time.Second
	statsInterval   = 30 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("EDGE_AGENT_CONFIG"), "Path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("edge agent stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	logger.Info("edge agent starting",
		zap.String("version", version),
		zap.String("driver", cfg.Database.Driver),
		zap.String("api", cfg.API.BaseURL))

	stores, err := storage.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	a, err := newAgent(ctx, cfg, stores, logger)
	if err != nil {
		return err
	}

	return a.run(ctx)
}

type agent struct {
	cfg        config.Config
	logger     *zap.Logger
	queue      *outbox.Queue
	dispatcher *outbox.Dispatcher
	bindings   *tenant.CachedSource
	metrics    *metrics.Metrics
	server     *http.Server
}

func newAgent(ctx context.Context, cfg config.Config, stores *storage.Stores, logger *zap.Logger) (*agent, error) {
	m := metrics.New()
	outboxLogger := logging.Outbox(logging.Component(logger, "outbox"))
	tenantLogger := logging.Outbox(logging.Component(logger, "tenant"))

	bindings := tenant.NewCachedSource(stores.Binding, tenant.WithLogger(tenantLogger))
	if cfg.API.Token != "" {
		if _, err := bindings.Save(ctx, cfg.API.Token); err != nil {
			return nil, fmt.Errorf("bind agent from configured token: %w", err)
		}
	}

	sender, err := httpsender.New(cfg.API.BaseURL,
		httpsender.WithTimeout(cfg.API.Timeout()),
		httpsender.WithTransport(&tenant.Transport{
			Base:   http.DefaultTransport,
			Source: bindings,
			Logger: tenantLogger,
		}),
	)
	if err != nil {
		return nil, err
	}

	queueOpts := []outbox.QueueOption{
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithLogger(outboxLogger),
		outbox.WithMetrics(m),
	}
	if cfg.Outbox.FastFailClientErrors {
		queueOpts = append(queueOpts, outbox.WithFailureClassifier(outbox.ClientErrorClassifier))
	}
	queue := outbox.NewQueue(stores.Outbox, queueOpts...)

	dispatcher := outbox.NewDispatcher(queue, sender,
		outbox.WithBatchLimit(cfg.Outbox.BatchLimit),
		outbox.WithPollInterval(cfg.Outbox.PollInterval()),
		outbox.WithStartupDelay(cfg.Outbox.StartupDelay()),
		outbox.WithSendTimeout(cfg.API.Timeout()),
		outbox.WithRetentionDays(cfg.Outbox.RetentionDays),
		outbox.WithPurgeEvery(cfg.Outbox.PurgeEveryTicks),
		outbox.WithStuckAfter(cfg.Outbox.StuckAfter()),
		outbox.WithDispatcherLogger(outboxLogger),
		outbox.WithDispatcherMetrics(m),
	)

	router := httpapi.NewRouter(httpapi.Config{
		Outbox:        queue,
		Binding:       bindings,
		Metrics:       m,
		Logger:        logging.Component(logger, "httpapi"),
		Version:       version,
		RetentionDays: cfg.Outbox.RetentionDays,
	})

	return &agent{
		cfg:        cfg,
		logger:     logger,
		queue:      queue,
		dispatcher: dispatcher,
		bindings:   bindings,
		metrics:    m,
		server: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

func (a *agent) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return a.metrics.RunStatsCollector(gctx, a.queue, statsInterval, outbox.SystemClock(),
			logging.Outbox(logging.Component(a.logger, "metrics")))
	})
	g.Go(func() error {
		a.logger.Info("operator api listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("operator api: %w", err)
		}

		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("edge agent shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
