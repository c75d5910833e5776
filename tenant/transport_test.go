package tenant_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/velmie/edgeagent/tenant"
)

func TestTransportAddsTenantHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store := tenant.NewMemoryStore()
	require.NoError(t, store.SaveBinding(context.Background(), tenant.Binding{TenantID: "t-9", Token: "abc.def.ghi"}))

	client := &http.Client{Transport: &tenant.Transport{Source: tenant.NewCachedSource(store)}}
	req, err := http.NewRequest(http.MethodPost, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, "t-9", got.Get(tenant.HeaderTenant))
	require.Equal(t, "Bearer abc.def.ghi", got.Get("Authorization"))
	require.Empty(t, req.Header.Get(tenant.HeaderTenant), "caller request must not be mutated")
}

func TestTransportPassesThroughWhenUnbound(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := &http.Client{Transport: &tenant.Transport{Source: tenant.NewCachedSource(tenant.NewMemoryStore())}}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, got.Get(tenant.HeaderTenant))
	require.Empty(t, got.Get("Authorization"))
}
