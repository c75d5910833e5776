// Package metrics exports outbox and HTTP telemetry to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velmie/edgeagent/outbox"
)

const namespace = "edgeagent"

// Metrics implements outbox.Metrics with Prometheus collectors.
type Metrics struct {
	registry prometheus.Gatherer

	enqueued      prometheus.Counter
	sent          prometheus.Counter
	retries       prometheus.Counter
	dead          prometheus.Counter
	purged        prometheus.Counter
	recovered     prometheus.Counter
	pending       prometheus.Gauge
	byStatus      *prometheus.GaugeVec
	batchDuration prometheus.Histogram
	sendDuration  prometheus.Histogram
	deliveryLag   prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ outbox.Metrics = (*Metrics)(nil)

// New creates the collectors and registers them with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return NewWithRegisterer(registry, registry)
}

// NewWithRegisterer registers the collectors with reg. gatherer backs Handler.
func NewWithRegisterer(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		registry: gatherer,
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_enqueued_total",
			Help:      "Total number of outbox messages enqueued.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_sent_total",
			Help:      "Total number of outbox messages accepted by the remote API.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_retries_total",
			Help:      "Total number of failed attempts scheduled for retry.",
		}),
		dead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dead_total",
			Help:      "Total number of outbox messages moved to Error.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_purged_total",
			Help:      "Total number of Sent messages removed by retention.",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_recovered_total",
			Help:      "Total number of messages recovered from Processing.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Current number of Pending messages with attempts left.",
		}),
		byStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_messages",
			Help:      "Current number of outbox messages by status.",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_batch_duration_seconds",
			Help:      "Time spent delivering a claimed batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_send_duration_seconds",
			Help:      "Time spent on a single delivery attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
		deliveryLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_delivery_lag_seconds",
			Help:      "Time between enqueue and successful delivery.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 900, 1800, 3600, 4 * 3600, 24 * 3600},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of operator API requests.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Operator API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}

	reg.MustRegister(
		m.enqueued,
		m.sent,
		m.retries,
		m.dead,
		m.purged,
		m.recovered,
		m.pending,
		m.byStatus,
		m.batchDuration,
		m.sendDuration,
		m.deliveryLag,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBatchDuration implements outbox.Metrics.
func (m *Metrics) ObserveBatchDuration(d time.Duration) { m.batchDuration.Observe(d.Seconds()) }

// ObserveSendDuration implements outbox.Metrics.
func (m *Metrics) ObserveSendDuration(d time.Duration) { m.sendDuration.Observe(d.Seconds()) }

// ObserveDeliveryLag implements outbox.Metrics.
func (m *Metrics) ObserveDeliveryLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	m.deliveryLag.Observe(lag.Seconds())
}

// AddEnqueued implements outbox.Metrics.
func (m *Metrics) AddEnqueued(count int) { m.enqueued.Add(float64(count)) }

// AddSent implements outbox.Metrics.
func (m *Metrics) AddSent(count int) { m.sent.Add(float64(count)) }

// AddRetries implements outbox.Metrics.
func (m *Metrics) AddRetries(count int) { m.retries.Add(float64(count)) }

// AddDead implements outbox.Metrics.
func (m *Metrics) AddDead(count int) { m.dead.Add(float64(count)) }

// AddPurged implements outbox.Metrics.
func (m *Metrics) AddPurged(count int) { m.purged.Add(float64(count)) }

// AddRecovered implements outbox.Metrics.
func (m *Metrics) AddRecovered(count int) { m.recovered.Add(float64(count)) }

// SetPending implements outbox.Metrics.
func (m *Metrics) SetPending(count int) { m.pending.Set(float64(count)) }

// SetStats publishes per-status counts.
func (m *Metrics) SetStats(stats outbox.Stats) {
	m.byStatus.WithLabelValues(outbox.StatusPending.String()).Set(float64(stats.Pending))
	m.byStatus.WithLabelValues(outbox.StatusProcessing.String()).Set(float64(stats.Processing))
	m.byStatus.WithLabelValues(outbox.StatusSent.String()).Set(float64(stats.Sent))
	m.byStatus.WithLabelValues(outbox.StatusError.String()).Set(float64(stats.Error))
	m.pending.Set(float64(stats.Retryable))
}
