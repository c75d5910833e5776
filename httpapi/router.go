// Package httpapi exposes the operator HTTP surface: health, metrics, outbox inspection and
// cleanup, and the tenant binding.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/velmie/edgeagent/metrics"
	"github.com/velmie/edgeagent/outbox"
	"github.com/velmie/edgeagent/tenant"
)

const (
	serviceName         = "edge-agent"
	defaultVersion      = "dev"
	defaultRetentionDay = 30
	maxListLimit        = 1000
)

// OutboxService is the slice of outbox.Queue the API needs.
type OutboxService interface {
	Stats(ctx context.Context) (outbox.Stats, error)
	ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]outbox.Message, error)
	PurgeOld(ctx context.Context, retentionDays int) (int64, error)
}

// BindingService reads and replaces the tenant binding. *tenant.CachedSource satisfies it.
type BindingService interface {
	Status(ctx context.Context) (tenant.Status, error)
	Save(ctx context.Context, token string) (tenant.Binding, error)
}

// Config wires the router.
type Config struct {
	Outbox OutboxService
	// Binding enables /api/agent/binding when set.
	Binding BindingService
	// Metrics enables /metrics and request instrumentation when set.
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Clock   outbox.Clock
	Version string
	// RetentionDays is the cleanup default when the request has no days parameter.
	RetentionDays int
}

// NewRouter builds the operator API handler.
func NewRouter(cfg Config) http.Handler {
	if cfg.Outbox == nil {
		panic("httpapi: nil OutboxService")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = outbox.SystemClock()
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDay
	}

	h := &handler{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.HTTPMiddleware)
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Get("/health", h.health)
	r.Route("/api/outbox", func(r chi.Router) {
		r.Get("/stats", h.stats)
		r.Get("/pending", h.listByStatus(outbox.StatusPending))
		r.Get("/errors", h.listByStatus(outbox.StatusError))
		r.Post("/cleanup", h.cleanup)
	})
	if cfg.Binding != nil {
		r.Route("/api/agent/binding", func(r chi.Router) {
			r.Get("/", h.getBinding)
			r.Put("/", h.putBinding)
		})
	}

	return r
}

type handler struct {
	cfg    Config
	logger *zap.Logger
}

func (h *handler) now() time.Time {
	return h.cfg.Clock.Now().UTC()
}
