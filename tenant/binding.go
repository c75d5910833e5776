// Package tenant binds the edge agent to a cloud tenant.
//
// The binding comes from a JWT issued by the cloud during agent installation. The token routes
// outbound calls to the right tenant; it is not used to authenticate users, so its signature is
// not verified here.
package tenant

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAgentName is used when the token carries no agentName claim.
const DefaultAgentName = "Agente PDV"

var (
	// ErrTokenRequired is returned when an empty token is supplied.
	ErrTokenRequired = errors.New("tenant: token is required")
	// ErrInvalidToken is returned when the token cannot be decoded.
	ErrInvalidToken = errors.New("tenant: invalid token")
	// ErrTenantMissing is returned when the token has no tenantId claim.
	ErrTenantMissing = errors.New("tenant: token has no tenantId claim")
	// ErrNotBound is returned when the agent has no stored binding.
	ErrNotBound = errors.New("tenant: agent is not bound")
)

// Binding is the agent's tenant configuration derived from its installation token.
type Binding struct {
	Token     string    `json:"-"`
	TenantID  string    `json:"tenant_id"`
	Tenant    string    `json:"tenant,omitempty"`
	AgentName string    `json:"agent_name"`
	CompanyID string    `json:"company_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the token has an expiry at or before now.
func (b Binding) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt)
}

type agentClaims struct {
	TenantID  any    `json:"tenantId"`
	Tenant    any    `json:"tenant"`
	AgentName string `json:"agentName"`
	CompanyID any    `json:"empresaId"`
	jwt.RegisteredClaims
}

// ParseToken decodes token claims without verifying the signature.
func ParseToken(token string) (Binding, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Binding{}, ErrTokenRequired
	}

	var claims agentClaims
	parser := jwt.NewParser(jwt.WithJSONNumber())
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Binding{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	binding := Binding{
		Token:     token,
		TenantID:  claimString(claims.TenantID),
		Tenant:    claimString(claims.Tenant),
		AgentName: strings.TrimSpace(claims.AgentName),
		CompanyID: claimString(claims.CompanyID),
	}
	if binding.TenantID == "" {
		return Binding{}, ErrTenantMissing
	}
	if binding.AgentName == "" {
		binding.AgentName = DefaultAgentName
	}
	if claims.ExpiresAt != nil {
		binding.ExpiresAt = claims.ExpiresAt.UTC()
	}

	return binding, nil
}

func claimString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}
