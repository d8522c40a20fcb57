package executor_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentfleet/orchestrator/internal/executor"
	"github.com/agentfleet/orchestrator/internal/registry"
	"github.com/agentfleet/orchestrator/pkg/models"
)

// newTestStore loads a registry document pointing the lone agent at
// the given base URL.
func newTestStore(t *testing.T, agentURL string, extra string) *registry.Store {
	t.Helper()
	doc := fmt.Sprintf(`
config:
  default_timeout: 5
  retry_attempts: 0
  retry_delay: 1

agents:
  worker:
    connection:
      url: %s
    actions:
      run:
        endpoint: /run
      slow:
        endpoint: /slow
        timeout: 1
      lookup:
        endpoint: /lookup
        method: GET
      item:
        endpoint: /items/{id}
        method: GET
%s`, agentURL, extra)

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

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": "done", "cost_usd": 0.25}`))
	}))
	t.Cleanup(srv.Close)

	x := executor.NewStepExecutor(newTestStore(t, srv.URL, ""))
	ec := models.NewExecutionContext("e1")

	sr := x.Execute(context.Background(), models.Step{ID: "s1", Agent: "worker", Action: "run"}, ec, nil)
	if sr.Status != models.StatusCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", sr.Status, sr.Error)
	}
	if sr.Output["result"] != "done" {
		t.Errorf("Output[result] = %v, want done", sr.Output["result"])
	}
	if sr.CostUSD != 0.25 {
		t.Errorf("CostUSD = %v, want 0.25", sr.CostUSD)
	}
	if _, ok := sr.Output["cost_usd"]; ok {
		t.Error("cost_usd should be extracted out of the output")
	}
	if sr.Retries != 0 {
		t.Errorf("Retries = %d, want 0", sr.Retries)
	}
}

func TestExecuteUnknownActionNoNetworkCall(t *testing.T) {
	called := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	t.Cleanup(srv.Close)

	x := executor.NewStepExecutor(newTestStore(t, srv.URL, ""))
	ec := models.NewExecutionContext("e1")

	sr := x.Execute(context.Background(), models.Step{ID: "s1", Agent: "worker", Action: "missing"}, ec, nil)
	if sr.Status != models.StatusFailed {
		t.Fatalf("Status = %q, want failed", sr.Status)
	}
	if !strings.Contains(sr.Error, "unknown action") {
		t.Errorf("Error = %q, want unknown action mention", sr.Error)
	}
	if called.Load() {
		t.Error("unknown action must not issue a network call")
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	t.Cleanup(srv.Close)

	x := executor.NewStepExecutor(newTestStore(t, srv.URL, ""))
	ec := models.NewExecutionContext("e1")

	retries := 2
	step := models.Step{
		ID: "s1", Agent: "worker", Action: "run",
		RetryAttempts:  &retries,
		RetryDelaySecs: 1,
	}
	sr := x.Execute(context.Background(), step, ec, nil)
	if sr.Status != models.StatusCompleted {
		t.Fatalf("Status = %q, want completed after retries (error: %s)", sr.Status, sr.Error)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
	if sr.Retries != 2 {
		t.Errorf("Retries = %d, want 2", sr.Retries)
	}
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broken"))
	}))
	t.Cleanup(srv.Close)

	x := executor.NewStepExecutor(newTestStore(t, srv.URL, ""))
	ec := models.NewExecutionContext("e1")

	retries := 1
	step := models.Step{
		ID: "s1", Agent: "worker", Action: "run",
		RetryAttempts:  &retries,
		RetryDelaySecs: 1,
	}
	sr := x.Execute(context.Background(), step, ec, nil)
	if sr.Status != models.StatusFailed {
		t.Fatalf("Status = %q, want failed", sr.Status)
	}
	// Budget of 1 retry means exactly 2 attempts.
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
	if !strings.HasPrefix(sr.Error, "status 502:") {
		t.Errorf("Error = %q, want status 502 prefix", sr.Error)
	}
	if sr.Retries != 1 {
		t.Errorf("Retries = %d, want 1", sr.Retries)
	}
}

func TestExecuteTimeoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(srv.Close)

	x := executor.NewStepExecutor(newTestStore(t, srv.URL, ""))
	ec := models.NewExecutionContext("e1")

	zero := 0
	step := models.Step{ID: "s1", Agent: "worker", Action: "slow", RetryAttempts: &zero}
	sr := x.Execute(context.Background(), step, ec, nil)
	if sr.Status != models.StatusFailed {
		t.Fatalf("Status = %q, want failed", sr.Status)
	}
	if !strings.HasPrefix(sr.Error, "timeout:") {
		t.Errorf("Error = %q, want timeout prefix", sr.Error)
	}
}

func TestExecuteConnectionRefused(t *testing.T) {
	x := executor.NewStepExecutor(newTestStore(t, "http://127.0.0.1:1", ""))
	ec := models.NewExecutionContext("e1")

	zero := 0
	step := models.Step{ID: "s1", Agent: "worker", Action: "run", RetryAttempts: &zero}
	sr := x.Execute(context.Background(), step, ec, nil)
	if sr.Status != models.StatusFailed {
		t.Fatalf("Status = %q, want failed", sr.Status)
	}
	if !strings.HasPrefix(sr.Error, "request failed:") {
		t.Errorf("Error = %q, want request failed prefix", sr.Error)
	}
}

func TestExecuteNonJSONBodyWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text"))
	}))
	t.Cleanup(srv.Close)

	x := executor.NewStepExecutor(newTestStore(t, srv.URL, ""))
	sr := x.Execute(context.Background(), models.Step{ID: "s1", Agent: "worker", Action: "run"}, models.NewExecutionContext("e1"), nil)
	if sr.Status != models.StatusCompleted {
		t.Fatalf("Status = %q, want completed", sr.Status)
	}
	if sr.Output["raw"] != "plain text" {
		t.Errorf("Output[raw] = %v, want plain text", sr.Output["raw"])
	}
}

func TestExecuteGETSendsQueryParams(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	x := executor.NewStepExecutor(newTestStore(t, srv.URL, ""))
	step := models.Step{
		ID: "s1", Agent: "worker", Action: "lookup",
		Params: map[string]any{"q": "golang"},
	}
	sr := x.Execute(context.Background(), step, models.NewExecutionContext("e1"), nil)
	if sr.Status != models.StatusCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", sr.Status, sr.Error)
	}
	if gotQuery != "q=golang" {
		t.Errorf("query = %q, want q=golang", gotQuery)
	}
}

func TestExecutePathParamSubstitution(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	x := executor.NewStepExecutor(newTestStore(t, srv.URL, ""))
	step := models.Step{
		ID: "s1", Agent: "worker", Action: "item",
		Params: map[string]any{"id": "42"},
	}
	sr := x.Execute(context.Background(), step, models.NewExecutionContext("e1"), nil)
	if sr.Status != models.StatusCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", sr.Status, sr.Error)
	}
	if gotPath != "/items/42" {
		t.Errorf("path = %q, want /items/42", gotPath)
	}
}

func TestExecuteResolvesTemplatedParams(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	x := executor.NewStepExecutor(newTestStore(t, srv.URL, ""))
	ec := models.NewExecutionContext("e1")
	ec.Record(&models.StepResult{
		StepID: "prev",
		Status: models.StatusCompleted,
		Output: map[string]any{"url": "http://scraped"},
	})

	step := models.Step{
		ID: "s1", Agent: "worker", Action: "run",
		Params: map[string]any{"target": "{{steps.prev.output.url}}"},
	}
	sr := x.Execute(context.Background(), step, ec, nil)
	if sr.Status != models.StatusCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", sr.Status, sr.Error)
	}
	if !strings.Contains(string(gotBody), `"target":"http://scraped"`) {
		t.Errorf("body = %s, want resolved target param", gotBody)
	}
}
