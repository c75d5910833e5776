package metrics

import (
	"context"
	"time"

	"github.com/velmie/edgeagent/outbox"
)

// DefaultStatsInterval is how often RunStatsCollector refreshes the status gauges.
const DefaultStatsInterval = 30 * time.Second

// StatsSource reports outbox counts. *outbox.Queue satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) (outbox.Stats, error)
}

// RunStatsCollector refreshes the per-status gauges from source until ctx is canceled.
func (m *Metrics) RunStatsCollector(
	ctx context.Context,
	source StatsSource,
	interval time.Duration,
	clock outbox.Clock,
	logger outbox.Logger,
) error {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	if clock == nil {
		clock = outbox.SystemClock()
	}
	if logger == nil {
		logger = outbox.NopLogger{}
	}

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.collect(ctx, source, logger)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (m *Metrics) collect(ctx context.Context, source StatsSource, logger outbox.Logger) {
	stats, err := source.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("outbox stats collection failed", "err", err)
		}

		return
	}
	m.SetStats(stats)
}
