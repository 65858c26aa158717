//go:build integration
// +build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sndwch/cliffracer-sub001/internal/demo"
	"github.com/sndwch/cliffracer-sub001/internal/service/finitestate"
)

func TestBuiltinGatewayEndpoints(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := startStack(t)

	t.Run("healthz reports the running service", func(t *testing.T) {
		code, body, _ := doJSON(t, http.MethodGet, s.baseURL+"/healthz", "", nil)
		require.Equal(t, http.StatusOK, code)

		var health map[string]string
		require.NoError(t, json.Unmarshal(body, &health))
		assert.Equal(t, "travel", health["service"])
		assert.Equal(t, finitestate.StatusRunning, health["state"])
	})

	t.Run("schemas exports the request types", func(t *testing.T) {
		code, body, _ := doJSON(t, http.MethodGet, s.baseURL+"/schemas", "", nil)
		require.Equal(t, http.StatusOK, code)

		var schemas map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(body, &schemas))
		assert.Contains(t, schemas, "triprequest")
		assert.Contains(t, schemas, "tripstatusrequest")
	})

	t.Run("metrics counts handled requests", func(t *testing.T) {
		var resp demo.AddResponse
		require.NoError(t, s.top.Audit.CallRPC(context.Background(), "calc", "add",
			demo.AddRequest{A: 1, B: 1}, &resp))

		code, body, _ := doJSON(t, http.MethodGet, s.baseURL+"/metrics", "", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Contains(t, string(body), "cliffracer_rpc_requests_total")
		assert.Contains(t, string(body), `service="calc"`)
	})
}
