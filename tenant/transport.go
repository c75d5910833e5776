package tenant

import (
	"errors"
	"net/http"

	"github.com/velmie/edgeagent/outbox"
)

// HeaderTenant carries the tenant id on outbound calls.
const HeaderTenant = "X-Tenant"

// Transport adds the tenant routing header and the installation token to outbound requests.
// Requests pass through unchanged when the agent is not bound.
type Transport struct {
	Base   http.RoundTripper
	Source Source
	Logger outbox.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := t.Logger
	if logger == nil {
		logger = outbox.NopLogger{}
	}

	binding, err := t.Source.Binding(req.Context())
	switch {
	case errors.Is(err, ErrNotBound):
		logger.Warn("tenant binding missing for outbound request", "method", req.Method, "url", req.URL.String())

		return base.RoundTrip(req)
	case err != nil:
		logger.Error("tenant binding lookup failed", "method", req.Method, "url", req.URL.String(), "err", err)

		return base.RoundTrip(req)
	}

	out := req.Clone(req.Context())
	out.Header.Set(HeaderTenant, binding.TenantID)
	if binding.Token != "" && out.Header.Get("Authorization") == "" {
		out.Header.Set("Authorization", "Bearer "+binding.Token)
	}
	logger.Debug("tenant headers added", "method", req.Method, "url", req.URL.String(), "tenant_id", binding.TenantID)

	return base.RoundTrip(out)
}
