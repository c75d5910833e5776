// Package httpsender delivers outbox messages to the cloud API over HTTP.
package httpsender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/velmie/edgeagent/outbox"
)

const (
	// DefaultTimeout bounds a single request.
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent identifies the agent to the remote API.
	DefaultUserAgent = "edgeagent/1.0"

	tracerName   = "github.com/velmie/edgeagent/httpsender"
	maxErrorBody = 4 << 10
)

// Header names set on every delivery request.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderAttempt        = "X-Outbox-Attempt"
	HeaderEntityType     = "X-Entity-Type"
	HeaderOperation      = "X-Entity-Operation"
)

// ErrBaseURLInvalid is returned when the base address is not an absolute http(s) URL.
var ErrBaseURLInvalid = errors.New("httpsender: base url must be an absolute http or https url")

// Sender implements outbox.Sender.
type Sender struct {
	base       *url.URL
	client     *http.Client
	userAgent  string
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

var _ outbox.Sender = (*Sender)(nil)

// New constructs a Sender resolving message endpoints against baseURL.
func New(baseURL string, opts ...Option) (*Sender, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBaseURLInvalid, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBaseURLInvalid, baseURL)
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Sender{
		base:       base,
		client:     cfg.client(),
		userAgent:  cfg.UserAgent,
		tracer:     cfg.TracerProvider.Tracer(tracerName),
		propagator: cfg.Propagator,
	}, nil
}

// Send delivers msg. A 2xx answer returns its status code; anything else returns a
// *outbox.DeliveryError or, for a method the outbox never sends, a *outbox.ConfigurationError.
func (s *Sender) Send(ctx context.Context, msg outbox.Message) (int, error) {
	method := strings.ToUpper(strings.TrimSpace(msg.HTTPMethod))
	if !outbox.SupportedMethod(method) {
		return 0, &outbox.ConfigurationError{Err: fmt.Errorf("%w: %q", outbox.ErrUnsupportedMethod, msg.HTTPMethod)}
	}
	target, err := s.base.Parse(msg.Endpoint)
	if err != nil {
		return 0, &outbox.ConfigurationError{Err: fmt.Errorf("invalid endpoint %q: %w", msg.Endpoint, err)}
	}

	ctx, span := s.tracer.Start(ctx, "outbox.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("outbox.message_id", msg.ID.String()),
			attribute.String("outbox.entity_type", msg.EntityType),
			attribute.String("outbox.operation", msg.Operation),
			attribute.Int("outbox.attempt", msg.AttemptCount),
			attribute.String("http.request.method", method),
			attribute.String("url.full", target.String()),
		),
	)
	defer span.End()

	statusCode, err := s.do(ctx, method, target, msg)
	if statusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return statusCode, err
	}

	return statusCode, nil
}

func (s *Sender) do(ctx context.Context, method string, target *url.URL, msg outbox.Message) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(msg.Payload))
	if err != nil {
		return 0, &outbox.ConfigurationError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderIdempotencyKey, msg.ID.String())
	req.Header.Set(HeaderAttempt, strconv.Itoa(msg.AttemptCount))
	if msg.EntityType != "" {
		req.Header.Set(HeaderEntityType, msg.EntityType)
	}
	if msg.Operation != "" {
		req.Header.Set(HeaderOperation, msg.Operation)
	}
	s.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)

		return resp.StatusCode, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, &outbox.DeliveryError{
		Kind:       outbox.DeliveryRejected,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &outbox.DeliveryError{Kind: outbox.DeliveryTimeout, Err: err}
	}

	return &outbox.DeliveryError{Kind: outbox.DeliveryConnection, Err: err}
}
