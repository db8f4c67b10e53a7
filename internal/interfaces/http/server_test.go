package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeguard/resilience/internal/domain"
	"github.com/tradeguard/resilience/internal/ingest"
	"github.com/tradeguard/resilience/internal/persistence"
	"github.com/tradeguard/resilience/internal/persistence/memory"
	"github.com/tradeguard/resilience/internal/provider"
	"github.com/tradeguard/resilience/internal/resilience"
	"github.com/tradeguard/resilience/internal/risk"
)

type testEnv struct {
	server     *Server
	registry   *provider.Registry
	machine    *resilience.StateMachine
	killswitch *risk.Killswitch
	samples    *ingest.SampleSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore()
	registry := provider.NewRegistry(store, provider.DefaultBreakerPolicy())
	machine := resilience.NewStateMachine(store, registry, nil, nil)
	killswitch := risk.NewKillswitch(store, nil, nil)
	samples := ingest.NewSampleSink(registry, machine, nil)
	portfolio := ingest.NewPortfolioSink(killswitch)

	server := NewServer(Config{Addr: ":0"}, registry, machine, killswitch, samples, portfolio, nil)
	return &testEnv{
		server:     server,
		registry:   registry,
		machine:    machine,
		killswitch: killswitch,
		samples:    samples,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, string(domain.ModeNormal), body["mode"])
	assert.Equal(t, false, body["trading_halted"])
}

func TestProviderLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/v1/providers/kraken", map[string]any{"priority": 10})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/v1/providers/kraken", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var rec persistence.ProviderRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.True(t, rec.Enabled)
	assert.Equal(t, 1.0, rec.HealthScore)

	rr = env.do(t, http.MethodPost, "/api/v1/providers/kraken/breaker/open",
		map[string]any{"reason": "sustained failures", "operator_id": "op-1"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.True(t, rec.BreakerOpen)
	assert.False(t, rec.Enabled)

	events, err := env.machine.Events(context.Background(),
		persistence.EventFilter{EventType: domain.EventBreakerOpened})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Automatic)
	assert.Equal(t, "op-1", events[0].TriggeredBy)

	rr = env.do(t, http.MethodPost, "/api/v1/providers/kraken/breaker/close",
		map[string]any{"operator_id": "op-1"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.False(t, rec.BreakerOpen)
	assert.True(t, rec.Enabled)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/v1/providers/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	_, err := env.registry.Register(context.Background(), "kraken", 1)
	require.NoError(t, err)
	rr = env.do(t, http.MethodPost, "/api/v1/providers/kraken/breaker/open",
		map[string]any{"reason": "", "operator_id": "op-1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "reason", resp.Field)

	rr = env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type brokenResilienceStore struct {
	persistence.Store
}

func (brokenResilienceStore) GetResilienceState(context.Context) (*persistence.ResilienceRecord, error) {
	return nil, domain.NewDependencyError("postgres", context.DeadlineExceeded)
}

func TestDependencyFailureReportsUnknownState(t *testing.T) {
	env := newTestEnv(t)
	env.server.machine = resilience.NewStateMachine(
		brokenResilienceStore{Store: memory.NewStore()}, env.registry, nil, nil)

	rr := env.do(t, http.MethodGet, "/api/v1/resilience", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "unknown", resp.State, "a 503 must never look like a safe default")
}

func TestOverrideEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/v1/resilience/override",
		map[string]any{"mode": "degraded", "reason": "maintenance", "operator_id": "op-1"})
	require.Equal(t, http.StatusOK, rr.Code)
	var state persistence.ResilienceRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
	assert.True(t, state.ManualOverride)
	assert.Equal(t, domain.ModeDegraded, state.CurrentMode)

	rr = env.do(t, http.MethodPost, "/api/v1/resilience/override",
		map[string]any{"mode": "turbo", "reason": "x", "operator_id": "op-1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/resilience/override/clear",
		map[string]any{"operator_id": "op-1"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
	assert.False(t, state.ManualOverride)
	assert.Equal(t, domain.ModeDegraded, state.CurrentMode, "clearing must not move the mode")
}

func TestKillswitchEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/v1/risk/killswitch/activate",
		map[string]any{"reason": "", "operator_id": "op-1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/risk/killswitch/activate",
		map[string]any{"reason": "exchange outage", "operator_id": "op-1"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/v1/risk", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		TradingHalted bool `json:"trading_halted"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.TradingHalted)

	rr = env.do(t, http.MethodPost, "/api/v1/risk/killswitch/deactivate",
		map[string]any{"reason": "resolved", "operator_id": "op-1"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/v1/events/risk", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var events struct {
		Events []persistence.RiskEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	assert.Len(t, events.Events, 2)
}

func TestRiskConfigUpdate(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPut, "/api/v1/risk/config", map[string]any{
		"limits": map[string]any{
			"max_daily_loss":         20000,
			"max_drawdown_pct":       8,
			"max_position_size":      50000,
			"recovery_delay_minutes": 10,
		},
		"operator_id": "op-1",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPut, "/api/v1/risk/config", map[string]any{
		"limits":      map[string]any{"max_daily_loss": -1},
		"operator_id": "op-1",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSampleBatchAccepted(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.registry.Register(context.Background(), "kraken", 1)
	require.NoError(t, err)

	rr := env.do(t, http.MethodPost, "/api/v1/samples", map[string]any{
		"samples": []map[string]any{
			{"provider": "kraken", "success": true},
			{"provider": "kraken", "success": false},
			{"provider": "", "success": true},
		},
	})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 2, body["accepted"])
	assert.Equal(t, 1, body["dropped"])

	rr = env.do(t, http.MethodPost, "/api/v1/samples", map[string]any{"samples": []map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebsocketSampleStream(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := env.registry.Register(ctx, "kraken", 1)
	require.NoError(t, err)
	go env.samples.Run(ctx)

	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/samples"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteJSON(domain.HealthSample{Provider: "kraken", Success: true}))
	}

	require.Eventually(t, func() bool {
		rec, err := env.registry.Get(ctx, "kraken")
		return err == nil && rec.SuccessCount == 3
	}, 3*time.Second, 50*time.Millisecond, "streamed samples should flush into the registry")
}
