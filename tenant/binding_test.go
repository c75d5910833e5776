package tenant_test

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/velmie/edgeagent/tenant"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("cloud-secret"))
	require.NoError(t, err)

	return token
}

func TestParseToken(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	token := signToken(t, jwt.MapClaims{
		"tenantId":  "t-100",
		"tenant":    "loja-centro",
		"agentName": "Caixa 01",
		"empresaId": 9007199254740993,
		"exp":       exp.Unix(),
	})

	binding, err := tenant.ParseToken("Bearer " + token)
	require.NoError(t, err)
	require.Equal(t, token, binding.Token)
	require.Equal(t, "t-100", binding.TenantID)
	require.Equal(t, "loja-centro", binding.Tenant)
	require.Equal(t, "Caixa 01", binding.AgentName)
	require.Equal(t, "9007199254740993", binding.CompanyID)
	require.True(t, binding.ExpiresAt.Equal(exp))
	require.False(t, binding.Expired(exp.Add(-time.Second)))
	require.True(t, binding.Expired(exp))
}

func TestParseTokenDefaults(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"tenantId": 42})

	binding, err := tenant.ParseToken(token)
	require.NoError(t, err)
	require.Equal(t, "42", binding.TenantID)
	require.Equal(t, tenant.DefaultAgentName, binding.AgentName)
	require.True(t, binding.ExpiresAt.IsZero())
	require.False(t, binding.Expired(time.Now()))
}

func TestParseTokenErrors(t *testing.T) {
	cases := []struct {
		name  string
		token string
		err   error
	}{
		{name: "empty", token: "  ", err: tenant.ErrTokenRequired},
		{name: "garbage", token: "not-a-jwt", err: tenant.ErrInvalidToken},
		{name: "no tenant", token: signToken(t, jwt.MapClaims{"tenant": "x"}), err: tenant.ErrTenantMissing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tenant.ParseToken(tc.token)
			require.True(t, errors.Is(err, tc.err), "expected %v, got %v", tc.err, err)
		})
	}
}
