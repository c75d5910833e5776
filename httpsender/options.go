package httpsender

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Config defines Sender behavior.
type Config struct {
	// HTTPClient overrides the client. Timeout and Transport are ignored when it is set.
	HTTPClient *http.Client
	// Timeout bounds a single request.
	Timeout time.Duration
	// Transport is the client round tripper, e.g. tenant.Transport.
	Transport http.RoundTripper
	// UserAgent is sent on every request.
	UserAgent string
	// TracerProvider creates the "outbox.send" spans. Defaults to the global provider.
	TracerProvider trace.TracerProvider
	// Propagator injects trace context into request headers. Defaults to the global propagator.
	Propagator propagation.TextMapPropagator
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.Propagator == nil {
		c.Propagator = otel.GetTextMapPropagator()
	}

	return c
}

func (c Config) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}

	return &http.Client{
		Timeout:   c.Timeout,
		Transport: c.Transport,
	}
}

// Option configures the Sender.
type Option func(*Config)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithTransport sets the client round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Config) {
		c.Transport = rt
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Config) {
		c.UserAgent = ua
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.TracerProvider = tp
	}
}

// WithPropagator sets the trace context propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(c *Config) {
		c.Propagator = p
	}
}
