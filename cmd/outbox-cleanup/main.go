// Command outbox-cleanup purges delivered messages and recovers messages stuck in Processing.
//
// It runs the same maintenance the edge agent performs between dispatcher ticks, for
// deployments that schedule it from cron instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/velmie/edgeagent/internal/config"
	"github.com/velmie/edgeagent/internal/logging"
	"github.com/velmie/edgeagent/internal/storage"
	"github.com/velmie/edgeagent/outbox"
)

const exitUsage = 2

var errDSNRequired = errors.New("outbox-cleanup: dsn is required")

type options struct {
	driver        string
	dsn           string
	table         string
	retentionDays int
	stuckAfter    time.Duration
	checkEvery    time.Duration
	once          bool
	logLevel      string
	logFormat     string
}

func main() {
	var opts options

	flag.StringVar(&opts.driver, "driver", config.DriverMySQL, "Database driver: mysql or postgres")
	flag.StringVar(&opts.dsn, "dsn", "", "Database DSN")
	flag.StringVar(&opts.table, "table", "", "Outbox table name (driver default when empty)")
	flag.IntVar(&opts.retentionDays, "retention-days", 30, "Delete Sent messages older than this many days")
	flag.DurationVar(&opts.stuckAfter, "stuck-after", 5*time.Minute, "Recover Processing messages older than this (0 disables)")
	flag.DurationVar(&opts.checkEvery, "check-every", time.Hour, "How often to run cleanup")
	flag.BoolVar(&opts.once, "once", false, "Run once and exit")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level")
	flag.StringVar(&opts.logFormat, "log-format", "json", "Log format: json or console")
	flag.Parse()

	if err := opts.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(exitUsage)
	}

	logger, err := logging.New(opts.logLevel, opts.logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("cleanup failed", zap.Error(err))
		os.Exit(1)
	}
}

func (o options) validate() error {
	if o.driver != config.DriverMySQL && o.driver != config.DriverPostgres {
		return fmt.Errorf("outbox-cleanup: unsupported driver %q", o.driver)
	}
	if o.dsn == "" {
		return errDSNRequired
	}
	if o.retentionDays <= 0 {
		return outbox.ErrRetentionInvalid
	}
	if !o.once && o.checkEvery <= 0 {
		return errors.New("outbox-cleanup: check-every must be positive")
	}

	return nil
}

func run(ctx context.Context, opts options, logger *zap.Logger) error {
	stores, err := storage.Open(ctx, config.Database{
		Driver: opts.driver,
		DSN:    opts.dsn,
		Table:  opts.table,
	}, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	queue := outbox.NewQueue(stores.Outbox, outbox.WithLogger(logging.Outbox(logging.Component(logger, "outbox"))))

	if opts.once {
		return cleanup(ctx, queue, opts, logger)
	}

	ticker := time.NewTicker(opts.checkEvery)
	defer ticker.Stop()
	for {
		if err := cleanup(ctx, queue, opts, logger); err != nil {
			logger.Error("cleanup run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func cleanup(ctx context.Context, queue *outbox.Queue, opts options, logger *zap.Logger) error {
	removed, err := queue.PurgeOld(ctx, opts.retentionDays)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	recovered := 0
	if opts.stuckAfter > 0 {
		recovered, err = queue.RecoverStuck(ctx, opts.stuckAfter)
		if err != nil {
			return fmt.Errorf("recover stuck: %w", err)
		}
	}

	logger.Info("cleanup done",
		zap.Int64("removed", removed),
		zap.Int("recovered", recovered),
		zap.Int("retention_days", opts.retentionDays))

	return nil
}
