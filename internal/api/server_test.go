// Package api_test provides tests for the HTTP API server.
package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantatlas/tuner-backend/internal/api"
	"github.com/quantatlas/tuner-backend/internal/candidates"
	"github.com/quantatlas/tuner-backend/internal/config"
	"github.com/quantatlas/tuner-backend/internal/evaluator"
	"github.com/quantatlas/tuner-backend/internal/guard"
	"github.com/quantatlas/tuner-backend/internal/scheduler"
	"github.com/quantatlas/tuner-backend/internal/score"
	"github.com/quantatlas/tuner-backend/internal/store"
	"github.com/quantatlas/tuner-backend/internal/tuning"
	"github.com/quantatlas/tuner-backend/internal/workers"
	"github.com/quantatlas/tuner-backend/pkg/types"
)

type testEnv struct {
	server *httptest.Server
	store  *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.Default()

	st, err := store.Open(logger, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	runner := evaluator.NewStubRunner(logger, cfg.Tuner.DefaultPeriodDays)
	g := guard.New(logger, config.GuardConfig{}, st)
	policy := score.NewWeightedPolicy(types.StrategyScalping, cfg.Score)
	tuner := tuning.New(logger, cfg.Tuner, st, candidates.NewRandomGenerator(), runner, policy, g)
	orch, err := tuning.NewOrchestrator(logger, nil, tuner)
	if err != nil {
		t.Fatalf("build orchestrator: %v", err)
	}

	pool := workers.NewPool(logger, workers.Config{Name: "test", Workers: 2, QueueSize: 8})
	pool.Start()
	t.Cleanup(pool.Stop)

	hub := api.NewHub(logger)
	go hub.Run()

	positions := scheduler.NewMemoryPositionTracker()
	sched := scheduler.New(logger, config.SchedulerConfig{
		InitialDelay: time.Hour,
		Period:       time.Hour,
	}, pool, api.BroadcastingDispatcher{Inner: orch, Hub: hub}, st, positions, nil)
	t.Cleanup(sched.Stop)

	server := api.NewServer(logger, cfg.Server, hub, st, orch, sched, positions, pool, nil)

	ts := httptest.NewServer(serverHandler(server))
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: st}
}

// serverHandler reaches the router the way Start would, without binding a
// real port.
func serverHandler(s *api.Server) http.Handler { return s.Router() }

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) post(t *testing.T, path string, body any, out any) int {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func sessionQuery() string {
	return "accountId=1&strategyType=SCALPING&exchange=BINANCE&network=TESTNET"
}

func sessionBody() map[string]any {
	return map[string]any{
		"accountId":    1,
		"strategyType": "SCALPING",
		"exchange":     "BINANCE",
		"network":      "TESTNET",
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var out map[string]any
	if code := env.get(t, "/api/v1/health", &out); code != http.StatusOK {
		t.Fatalf("health returned %d", code)
	}
	if out["status"] != "healthy" {
		t.Errorf("unexpected health payload: %v", out)
	}
}

func TestTuneEndpoint(t *testing.T) {
	env := newTestEnv(t)

	// Seed a one-parameter space so the pipeline has something to tune.
	min, _ := decimal.NewFromString("5")
	max, _ := decimal.NewFromString("30")
	step, _ := decimal.NewFromString("1")
	item := types.ParamSpaceItem{Name: "windowSize", Kind: types.KindInt, Min: &min, Max: &max, Step: &step}
	var saved map[string]any
	code := env.putJSON(t, "/api/v1/space/SCALPING", map[string]any{"item": item, "enabled": true}, &saved)
	if code != http.StatusOK {
		t.Fatalf("space upsert returned %d", code)
	}

	var res types.TuningResult
	if code := env.post(t, "/api/v1/tune", sessionBody(), &res); code != http.StatusOK {
		t.Fatalf("tune returned %d", code)
	}
	// Whether the pass applies depends on the stub's synthetic scores; the
	// contract is a well-formed result either way.
	if res.Reason == "" {
		t.Error("result must carry a reason")
	}

	// Incomplete keys are rejected up front.
	if code := env.post(t, "/api/v1/tune", map[string]any{"accountId": 1}, nil); code != http.StatusBadRequest {
		t.Errorf("incomplete key returned %d, want 400", code)
	}
}

func TestOverrideAndRunEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var out map[string]any
	if code := env.get(t, "/api/v1/overrides/active?"+sessionQuery(), &out); code != http.StatusOK {
		t.Fatalf("active override returned %d", code)
	}
	if out["active"] != false {
		t.Errorf("fresh session must have no active override: %v", out)
	}

	if code := env.get(t, "/api/v1/runs?"+sessionQuery(), &out); code != http.StatusOK {
		t.Fatalf("runs returned %d", code)
	}
	if out["count"] != float64(0) {
		t.Errorf("fresh session must have no runs: %v", out)
	}

	if code := env.get(t, "/api/v1/overrides/active?accountId=zzz", nil); code != http.StatusBadRequest {
		t.Errorf("bad query returned %d, want 400", code)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if code := env.post(t, "/api/v1/sessions/start", sessionBody(), nil); code != http.StatusOK {
		t.Fatalf("session start returned %d", code)
	}

	var out map[string]any
	env.get(t, "/api/v1/sessions", &out)
	if out["count"] != float64(1) {
		t.Errorf("expected 1 scheduled session, got %v", out["count"])
	}

	if code := env.post(t, "/api/v1/positions/opened", sessionBody(), nil); code != http.StatusOK {
		t.Fatalf("position opened returned %d", code)
	}
	if code := env.post(t, "/api/v1/positions/closed", sessionBody(), nil); code != http.StatusOK {
		t.Fatalf("position closed returned %d", code)
	}

	if code := env.post(t, "/api/v1/sessions/stop", sessionBody(), nil); code != http.StatusOK {
		t.Fatalf("session stop returned %d", code)
	}
	env.get(t, "/api/v1/sessions", &out)
	if out["count"] != float64(0) {
		t.Errorf("expected 0 scheduled sessions after stop, got %v", out["count"])
	}
}

func TestWorkerStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var stats workers.Stats
	if code := env.get(t, "/api/v1/workers", &stats); code != http.StatusOK {
		t.Fatalf("workers returned %d", code)
	}
}

func (e *testEnv) putJSON(t *testing.T, path string, body any, out any) int {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPut, e.server.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build PUT %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}
