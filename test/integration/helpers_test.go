//go:build integration
// +build integration

// Package integration runs the end-to-end scenarios against a complete
// deployment on the in-memory bus: the demo topology supervised by the
// orchestrator, fronted by an HTTP gateway on the travel service.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sndwch/cliffracer-sub001/internal/broker"
	"github.com/sndwch/cliffracer-sub001/internal/config"
	"github.com/sndwch/cliffracer-sub001/internal/correlation"
	"github.com/sndwch/cliffracer-sub001/internal/demo"
	"github.com/sndwch/cliffracer-sub001/internal/listeners/httpapi"
	"github.com/sndwch/cliffracer-sub001/internal/metrics"
	"github.com/sndwch/cliffracer-sub001/internal/orchestrator"
	"github.com/sndwch/cliffracer-sub001/internal/saga"
	"github.com/sndwch/cliffracer-sub001/internal/service"
	"github.com/sndwch/cliffracer-sub001/internal/testutil"
)

// stack is one running deployment handed to a test.
type stack struct {
	top     *demo.Topology
	metrics *metrics.Collector
	logs    *testutil.ThreadSafeBuffer
	baseURL string
}

// startStack boots the demo topology under orchestrator supervision with
// the travel gateway listening on a random port, waits until the gateway
// answers health checks, and tears everything down when the test ends.
func startStack(t *testing.T) *stack {
	t.Helper()

	handler, logBuf := testutil.NewLogCapture("debug")
	collector := metrics.NewCollector()

	top, err := demo.NewTopology(demo.WithLogHandler(handler), demo.WithMetrics(collector))
	require.NoError(t, err)

	orch := orchestrator.New(orchestrator.WithLogHandler(handler))
	require.NoError(t, top.Register(orch))

	addr := testutil.GetRandomListeningPort(t)
	gateway, err := httpapi.NewRunner(top.Travel, []httpapi.Route{
		{Method: http.MethodPost, Path: "/trips", RPC: "book_trip"},
		{Method: http.MethodGet, Path: "/trips", RPC: "trip_status"},
	},
		httpapi.WithAddr(addr),
		httpapi.WithLogHandler(handler),
		httpapi.WithMetrics(collector),
	)
	require.NoError(t, err)
	require.NoError(t, orch.AddRunnable(gateway))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err, "orchestrator exit")
		case <-time.After(15 * time.Second):
			t.Error("orchestrator never exited")
		}
		if t.Failed() {
			t.Logf("Stack logs:\n%s", logBuf.String())
		}
	})

	s := &stack{top: top, metrics: collector, logs: logBuf, baseURL: "http://" + addr}
	waitForEndpoint(t, s.baseURL+"/healthz", 10*time.Second, 25*time.Millisecond)
	return s
}

// startProbe builds one extra service over the bus, hands it to register
// for handler and timer setup, then starts it.
func startProbe(t *testing.T, bus *broker.MemoryBus, name string, handler slog.Handler, register func(*service.Service) error) *service.Service {
	t.Helper()

	svc, err := service.New(config.NewService(name),
		service.WithBroker(bus.Conn()),
		service.WithLogHandler(handler))
	require.NoError(t, err)
	if register != nil {
		require.NoError(t, register(svc))
	}

	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, svc.Stop(stopCtx))
	})
	return svc
}

// waitForEndpoint polls url until it answers 200 or the timeout expires.
func waitForEndpoint(t *testing.T, url string, timeout, retryInterval time.Duration) {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}

	require.Eventually(t, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, timeout, retryInterval, "endpoint never became available: %s", url)
}

// doJSON sends one request with the correlation header set and returns
// the status code, raw body, and response headers.
func doJSON(t *testing.T, method, url, correlationID string, payload any) (int, []byte, http.Header) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if correlationID != "" {
		req.Header.Set(correlation.HeaderName, correlationID)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw, resp.Header
}

// awaitTrip polls the gateway's status route until the saga settles.
func awaitTrip(t *testing.T, s *stack, sagaID string) saga.Status {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}
	url := s.baseURL + "/trips?saga_id=" + sagaID

	var status saga.Status
	require.Eventually(t, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return saga.TerminalState(status.State)
	}, 15*time.Second, 25*time.Millisecond, "saga %s never settled", sagaID)
	return status
}
