package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/velmie/edgeagent/outbox"
)

// DefaultCacheTTL bounds how long a loaded binding is served without reading the store.
const DefaultCacheTTL = 5 * time.Minute

// Status describes the current binding for operators.
type Status struct {
	Configured bool       `json:"configured"`
	Valid      bool       `json:"valid"`
	Expired    bool       `json:"expired"`
	TenantID   string     `json:"tenant_id,omitempty"`
	Tenant     string     `json:"tenant,omitempty"`
	AgentName  string     `json:"agent_name,omitempty"`
	CompanyID  string     `json:"company_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// Source provides the current binding.
type Source interface {
	Binding(ctx context.Context) (Binding, error)
}

// CachedSource is a cache-aside wrapper over a Store. Loaded bindings, including the unbound
// state, are served from memory until the TTL elapses; Save invalidates the cache.
type CachedSource struct {
	store  Store
	ttl    time.Duration
	clock  clockwork.Clock
	logger outbox.Logger

	mu       sync.Mutex
	cached   Binding
	found    bool
	loadedAt time.Time
	valid    bool
}

var _ Source = (*CachedSource)(nil)

// CacheOption configures a CachedSource.
type CacheOption func(*CachedSource)

// WithTTL sets the cache lifetime. Non-positive values keep the default.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *CachedSource) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock sets the cache clock.
func WithClock(clock clockwork.Clock) CacheOption {
	return func(c *CachedSource) {
		c.clock = clock
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger outbox.Logger) CacheOption {
	return func(c *CachedSource) {
		c.logger = logger
	}
}

// NewCachedSource wraps store.
func NewCachedSource(store Store, opts ...CacheOption) *CachedSource {
	if store == nil {
		panic("tenant: nil Store")
	}

	c := &CachedSource{
		store:  store,
		ttl:    DefaultCacheTTL,
		clock:  clockwork.NewRealClock(),
		logger: outbox.NopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Binding returns the current binding or ErrNotBound.
func (c *CachedSource) Binding(ctx context.Context) (Binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.valid && now.Sub(c.loadedAt) < c.ttl {
		if !c.found {
			return Binding{}, ErrNotBound
		}

		return c.cached, nil
	}

	binding, err := c.store.LoadBinding(ctx)
	switch {
	case errors.Is(err, ErrNotBound):
		c.cached, c.found = Binding{}, false
	case err != nil:
		return Binding{}, fmt.Errorf("tenant: load binding failed: %w", err)
	default:
		c.cached, c.found = binding, true
	}
	c.loadedAt = now
	c.valid = true

	if !c.found {
		return Binding{}, ErrNotBound
	}

	return c.cached, nil
}

// Save parses token, persists the resulting binding and invalidates the cache.
func (c *CachedSource) Save(ctx context.Context, token string) (Binding, error) {
	binding, err := ParseToken(token)
	if err != nil {
		return Binding{}, err
	}
	binding.UpdatedAt = c.clock.Now().UTC()

	if err := c.store.SaveBinding(ctx, binding); err != nil {
		return Binding{}, fmt.Errorf("tenant: save binding failed: %w", err)
	}
	c.Invalidate()

	c.logger.Info("tenant binding saved", "tenant_id", binding.TenantID, "agent_name", binding.AgentName)

	return binding, nil
}

// Invalidate drops the cached binding.
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.cached = Binding{}
	c.found = false
}

// Status reports whether the agent is bound and whether its token is still valid.
func (c *CachedSource) Status(ctx context.Context) (Status, error) {
	binding, err := c.Binding(ctx)
	if errors.Is(err, ErrNotBound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}

	expired := binding.Expired(c.clock.Now())
	status := Status{
		Configured: true,
		Valid:      !expired,
		Expired:    expired,
		TenantID:   binding.TenantID,
		Tenant:     binding.Tenant,
		AgentName:  binding.AgentName,
		CompanyID:  binding.CompanyID,
	}
	if !binding.ExpiresAt.IsZero() {
		expiresAt := binding.ExpiresAt
		status.ExpiresAt = &expiresAt
	}
	if !binding.UpdatedAt.IsZero() {
		updatedAt := binding.UpdatedAt
		status.UpdatedAt = &updatedAt
	}

	return status, nil
}
