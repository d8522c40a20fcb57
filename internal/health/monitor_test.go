package health_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentfleet/orchestrator/internal/config"
	"github.com/agentfleet/orchestrator/internal/health"
	"github.com/agentfleet/orchestrator/internal/registry"
	"github.com/agentfleet/orchestrator/pkg/models"
)

func newTestRegistry(t *testing.T, doc string) *registry.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	s := registry.NewStore(path, time.Minute)
	t.Cleanup(s.Close)
	if _, err := s.Load(false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return s
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		Interval:         time.Minute,
		ProbeTimeout:     2 * time.Second,
		FailureThreshold: 3,
	}
}

func TestProbeHealthyEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	reg := newTestRegistry(t, fmt.Sprintf("engines:\n  go-engine:\n    url: %s\n", srv.URL))
	m := health.NewMonitor(reg, testHealthConfig())

	m.CheckNow(context.Background())

	h := m.GetHealth("go-engine")
	if h.Status != models.EngineHealthy {
		t.Errorf("Status = %q, want healthy", h.Status)
	}
	if h.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", h.ConsecutiveFailures)
	}
	if h.LastSuccess.IsZero() {
		t.Error("LastSuccess not recorded")
	}
}

func TestProbeFailureStreakToUnhealthy(t *testing.T) {
	reg := newTestRegistry(t, "engines:\n  dead:\n    url: http://127.0.0.1:1\n")
	m := health.NewMonitor(reg, testHealthConfig())

	m.CheckNow(context.Background())
	if got := m.GetHealth("dead").Status; got != models.EngineDegraded {
		t.Errorf("after 1 failure Status = %q, want degraded", got)
	}

	m.CheckNow(context.Background())
	if got := m.GetHealth("dead").Status; got != models.EngineDegraded {
		t.Errorf("after 2 failures Status = %q, want degraded", got)
	}

	m.CheckNow(context.Background())
	h := m.GetHealth("dead")
	if h.Status != models.EngineUnhealthy {
		t.Errorf("after 3 failures Status = %q, want unhealthy", h.Status)
	}
	if h.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", h.ConsecutiveFailures)
	}
	if h.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestProbeRecoveryResetsStreak(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	reg := newTestRegistry(t, fmt.Sprintf("engines:\n  flappy:\n    url: %s\n", srv.URL))
	m := health.NewMonitor(reg, testHealthConfig())

	for i := 0; i < 3; i++ {
		m.CheckNow(context.Background())
	}
	if got := m.GetHealth("flappy").Status; got != models.EngineUnhealthy {
		t.Fatalf("Status = %q, want unhealthy before recovery", got)
	}

	fail.Store(false)
	m.CheckNow(context.Background())
	h := m.GetHealth("flappy")
	if h.Status != models.EngineHealthy {
		t.Errorf("Status = %q, want healthy after recovery", h.Status)
	}
	if h.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after recovery", h.ConsecutiveFailures)
	}
}

func TestUnhealthyTransitionAlertsOnce(t *testing.T) {
	reg := newTestRegistry(t, "engines:\n  dead:\n    url: http://127.0.0.1:1\n")
	m := health.NewMonitor(reg, testHealthConfig())

	var alerts atomic.Int32
	m.SetAlertFunc(func(eventType string, data map[string]any) {
		if eventType == models.EventEngineUnhealthy {
			alerts.Add(1)
		}
	})

	for i := 0; i < 5; i++ {
		m.CheckNow(context.Background())
	}
	if got := alerts.Load(); got != 1 {
		t.Errorf("alerts = %d, want exactly 1 on the unhealthy transition", got)
	}
}

func TestGetHealthUnknownEngine(t *testing.T) {
	reg := newTestRegistry(t, "engines: {}\n")
	m := health.NewMonitor(reg, testHealthConfig())

	h := m.GetHealth("never-probed")
	if h.Status != models.EngineUnknown {
		t.Errorf("Status = %q, want unknown", h.Status)
	}
}

// ─── Engine Selection ────────────────────────────────────────

func TestGetHealthyPrefersRoutingRule(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(healthy.Close)

	doc := fmt.Sprintf(`
engines:
  go-engine:
    url: %s
  py-engine:
    url: %s
routing:
  complex:
    preferred: py-engine
    fallback: go-engine
`, healthy.URL, healthy.URL)
	reg := newTestRegistry(t, doc)
	m := health.NewMonitor(reg, testHealthConfig())
	m.CheckNow(context.Background())

	if got := m.GetHealthy("", models.ComplexityComplex); got != "py-engine" {
		t.Errorf("GetHealthy(complex) = %q, want py-engine", got)
	}
}

func TestGetHealthySoftPreferenceWins(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(healthy.Close)

	doc := fmt.Sprintf(`
engines:
  go-engine:
    url: %s
  py-engine:
    url: %s
routing:
  simple:
    preferred: go-engine
`, healthy.URL, healthy.URL)
	reg := newTestRegistry(t, doc)
	m := health.NewMonitor(reg, testHealthConfig())
	m.CheckNow(context.Background())

	if got := m.GetHealthy("py-engine", models.ComplexitySimple); got != "py-engine" {
		t.Errorf("GetHealthy(prefer py-engine) = %q, want the soft preference honored", got)
	}
}

func TestGetHealthyFallsBackPastUnhealthy(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(healthy.Close)

	doc := fmt.Sprintf(`
engines:
  dead:
    url: http://127.0.0.1:1
  alive:
    url: %s
routing:
  simple:
    preferred: dead
    fallback: alive
`, healthy.URL)
	reg := newTestRegistry(t, doc)
	m := health.NewMonitor(reg, testHealthConfig())

	for i := 0; i < 3; i++ {
		m.CheckNow(context.Background())
	}

	if got := m.GetHealthy("", models.ComplexitySimple); got != "alive" {
		t.Errorf("GetHealthy() = %q, want fallback past unhealthy preferred", got)
	}
}

func TestGetHealthyAllUnhealthy(t *testing.T) {
	reg := newTestRegistry(t, "engines:\n  dead:\n    url: http://127.0.0.1:1\n")
	m := health.NewMonitor(reg, testHealthConfig())

	for i := 0; i < 3; i++ {
		m.CheckNow(context.Background())
	}
	if got := m.GetHealthy("", models.ComplexitySimple); got != "" {
		t.Errorf("GetHealthy() = %q, want empty when everything is unhealthy", got)
	}
}

func TestGetHealthyIgnoresUndeclaredPreference(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	t.Cleanup(healthy.Close)

	reg := newTestRegistry(t, fmt.Sprintf("engines:\n  real:\n    url: %s\n", healthy.URL))
	m := health.NewMonitor(reg, testHealthConfig())
	m.CheckNow(context.Background())

	if got := m.GetHealthy("imaginary", models.ComplexitySimple); got != "real" {
		t.Errorf("GetHealthy(imaginary) = %q, want the declared engine", got)
	}
}

func TestGetHealthyDegradedBeatsNothing(t *testing.T) {
	reg := newTestRegistry(t, "engines:\n  shaky:\n    url: http://127.0.0.1:1\n")
	m := health.NewMonitor(reg, testHealthConfig())

	// One failure: degraded, still below the threshold.
	m.CheckNow(context.Background())

	if got := m.GetHealthy("", models.ComplexitySimple); got != "shaky" {
		t.Errorf("GetHealthy() = %q, want degraded engine when nothing is healthy", got)
	}
}
