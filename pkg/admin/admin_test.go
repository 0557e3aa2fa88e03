package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aquemy/ballast/pkg/config"
	"github.com/aquemy/ballast/pkg/metrics"
	"github.com/aquemy/ballast/pkg/state"
)

func testServer(t *testing.T) (*state.Context, *Server) {
	t.Helper()
	ctx, err := state.New(&config.Config{
		Runtime: config.RuntimeConfig{
			MetricsCap:                16,
			HealthCap:                 16,
			DrainTimeoutMillis:        200,
			BackgroundTimeoutMillis:   200,
			AcceptTimeoutMillis:       50,
			ConfigWatchIntervalMillis: 50,
		},
		Proxy:    config.ProxyConfig{ListenAddress: "127.0.0.1:0"},
		Strategy: config.StrategyRoundRobin,
		Backends: []config.BackendConfig{
			{ID: 1, Name: "a", Address: "127.0.0.1:9001", Weight: 1},
			{ID: 2, Name: "b", Address: "127.0.0.1:9002", Weight: 1},
		},
		Health:  config.HealthConfig{IntervalMS: 50, TimeoutMS: 50},
		Metrics: config.MetricsConfig{IntervalMS: 50, TimeoutMS: 50},
	})
	if err != nil {
		t.Fatalf("Failed to build context: %v", err)
	}
	return ctx, NewServer(ctx, metrics.NewAggregator(ctx), ":0")
}

func TestHealthEndpoint(t *testing.T) {
	_, s := testServer(t)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	ctx, s := testServer(t)

	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 while backends are selectable, got %d", rec.Code)
	}

	// No selectable backends -> not ready.
	for _, b := range ctx.RouteTable().All() {
		b.SetAlive(false)
	}
	rec = httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 with no selectable backends, got %d", rec.Code)
	}
}

func TestReadyEndpointDuringShutdown(t *testing.T) {
	ctx, s := testServer(t)
	ctx.Shutdown()

	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 during shutdown, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ctx, s := testServer(t)

	b, _ := ctx.RouteTable().Get(1)
	b.IncrementRequests()
	b.IncrementConnections()

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var payload statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if payload.Strategy != config.StrategyRoundRobin {
		t.Errorf("Expected round_robin, got %s", payload.Strategy)
	}
	if len(payload.Backends) != 2 {
		t.Fatalf("Expected 2 backends, got %d", len(payload.Backends))
	}
	if payload.ActiveConnections != 1 {
		t.Errorf("Expected 1 active connection, got %d", payload.ActiveConnections)
	}
	if payload.Backends[0].TotalRequests != 1 {
		t.Errorf("Expected 1 request on backend 1, got %d", payload.Backends[0].TotalRequests)
	}
}
