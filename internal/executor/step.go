// Package executor runs chain steps against the fleet's agents.
//
// The step executor issues one HTTP call per action invocation, with
// timeout resolution, a constant-interval retry budget, and result
// normalization. The chain executor walks a chain's step list on top of
// it, handling sequential, parallel, and conditional steps.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/agentfleet/orchestrator/internal/registry"
	"github.com/agentfleet/orchestrator/internal/template"
	"github.com/agentfleet/orchestrator/pkg/models"
)

// fallbackTimeout guards against a registry with no usable default.
const fallbackTimeout = 30 * time.Second

// StepExecutor issues the HTTP call for a single action invocation.
type StepExecutor struct {
	registry *registry.Store
	client   *http.Client
}

// NewStepExecutor creates a step executor backed by the given registry.
func NewStepExecutor(reg *registry.Store) *StepExecutor {
	return &StepExecutor{
		registry: reg,
		// Per-attempt deadlines come from the resolved step timeout;
		// the client itself stays unbounded.
		client: &http.Client{},
	}
}

// Execute runs one step to completion: at most retryAttempts+1 HTTP
// attempts, a constant retry delay between them, and a normalized
// StepResult either way. No state is visible outside the returned
// result; recording it into the ExecutionContext is the caller's job.
func (x *StepExecutor) Execute(ctx context.Context, step models.Step, ec *models.ExecutionContext, input map[string]any) *models.StepResult {
	start := time.Now()
	result := &models.StepResult{
		StepID: step.ID,
		Agent:  step.Agent,
		Action: step.Action,
		Status: models.StatusRunning,
	}

	agent, action, err := x.registry.GetAction(step.Agent, step.Action)
	if err != nil {
		// Unknown target: no network call, never retried.
		result.Status = models.StatusFailed
		result.Error = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	cfg := x.globalConfig()
	timeout := effectiveTimeout(step, action, cfg)
	retries := 0
	if cfg.RetryAttempts != nil {
		retries = *cfg.RetryAttempts
	}
	if step.RetryAttempts != nil {
		retries = *step.RetryAttempts
	}
	if retries < 0 {
		retries = 0
	}
	delay := time.Duration(cfg.RetryDelaySecs) * time.Second
	if step.RetryDelaySecs > 0 {
		delay = time.Duration(step.RetryDelaySecs) * time.Second
	}

	params := x.resolveParams(step, action, ec, input)
	target, body := buildTarget(agent, action, params)

	pacer := backoff.NewConstantBackOff(delay)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			log.Debug().
				Str("step", step.ID).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("Retrying step")
			select {
			case <-ctx.Done():
				result.Status = models.StatusFailed
				result.Error = "request failed: " + ctx.Err().Error()
				result.Retries = attempt
				result.DurationMs = time.Since(start).Milliseconds()
				return result
			case <-time.After(pacer.NextBackOff()):
			}
		}

		output, cost, err := x.attempt(ctx, action.Method, target, body, timeout)
		if err == nil {
			result.Status = models.StatusCompleted
			result.Output = output
			result.CostUSD = cost
			result.Retries = attempt
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}
		lastErr = err
	}

	result.Status = models.StatusFailed
	result.Error = lastErr.Error()
	result.Retries = retries
	result.DurationMs = time.Since(start).Milliseconds()

	log.Warn().
		Str("step", step.ID).
		Str("agent", step.Agent).
		Str("action", step.Action).
		Int("attempts", retries+1).
		Err(lastErr).
		Msg("Step failed after retries")
	return result
}

// attempt performs one HTTP call with its own deadline. The three
// failure modes carry distinct prefixes so a failed step result is
// diagnosable from its error text alone.
func (x *StepExecutor) attempt(ctx context.Context, method, target string, body map[string]any, timeout time.Duration) (map[string]any, float64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("request failed: encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := x.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			return nil, 0, fmt.Errorf("timeout: no response within %s", timeout)
		}
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	output := map[string]any{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &output); err != nil {
			// Non-JSON bodies are still a success; keep the raw text.
			output = map[string]any{"raw": string(respBody)}
		}
	}

	cost := extractCost(output)
	return output, cost, nil
}

// resolveParams merges action defaults with the step's literal params,
// resolving templated string values. An "input_template" param is
// resolved and re-keyed as "input" in the request body.
func (x *StepExecutor) resolveParams(step models.Step, action *models.Action, ec *models.ExecutionContext, input map[string]any) map[string]any {
	params := make(map[string]any, len(step.Params)+len(action.Params))

	for _, p := range action.Params {
		if p.Default != nil {
			params[p.Name] = p.Default
		}
	}
	for key, val := range step.Params {
		if s, ok := val.(string); ok {
			val = template.Resolve(s, ec, input)
		}
		params[key] = val
	}
	if tmpl, ok := params["input_template"].(string); ok {
		delete(params, "input_template")
		params["input"] = tmpl
	}

	for _, p := range action.Params {
		if p.Required {
			if _, ok := params[p.Name]; !ok && ec != nil {
				ec.Warn(fmt.Sprintf("step %s: required param %q not provided", step.ID, p.Name))
			}
		}
	}
	return params
}

// buildTarget assembles the request URL, consuming any {param} path
// placeholders from the params. GET and DELETE send the remaining
// params as query values; other methods send them as the JSON body.
func buildTarget(agent *models.Agent, action *models.Action, params map[string]any) (string, map[string]any) {
	endpoint := action.Endpoint
	remaining := make(map[string]any, len(params))
	for k, v := range params {
		placeholder := "{" + k + "}"
		if strings.Contains(endpoint, placeholder) {
			endpoint = strings.ReplaceAll(endpoint, placeholder, url.PathEscape(fmt.Sprint(v)))
			continue
		}
		remaining[k] = v
	}

	target := strings.TrimSuffix(agent.Connection.URL, "/") + "/" + strings.TrimPrefix(endpoint, "/")

	switch strings.ToUpper(action.Method) {
	case http.MethodGet, http.MethodDelete:
		if len(remaining) > 0 {
			q := url.Values{}
			for k, v := range remaining {
				q.Set(k, fmt.Sprint(v))
			}
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + q.Encode()
		}
		return target, nil
	default:
		return target, remaining
	}
}

// effectiveTimeout applies the step → action → global precedence.
func effectiveTimeout(step models.Step, action *models.Action, cfg models.GlobalConfig) time.Duration {
	switch {
	case step.TimeoutSecs > 0:
		return time.Duration(step.TimeoutSecs) * time.Second
	case action.TimeoutSecs > 0:
		return time.Duration(action.TimeoutSecs) * time.Second
	case cfg.DefaultTimeoutSecs > 0:
		return time.Duration(cfg.DefaultTimeoutSecs) * time.Second
	default:
		return fallbackTimeout
	}
}

func (x *StepExecutor) globalConfig() models.GlobalConfig {
	if reg := x.registry.Current(); reg != nil {
		return reg.Config
	}
	retries := registry.DefaultRetryAttempts
	return models.GlobalConfig{
		DefaultTimeoutSecs: registry.DefaultTimeoutSecs,
		RetryAttempts:      &retries,
		RetryDelaySecs:     registry.DefaultRetryDelaySecs,
		MaxParallelCalls:   registry.DefaultMaxParallelCalls,
	}
}

// extractCost pulls an embedded cost field out of a response payload,
// removing it so it is accounted once and never stored as output. The
// fleet's services are split between "cost" and "cost_usd".
func extractCost(output map[string]any) float64 {
	for _, key := range []string{"cost", "cost_usd"} {
		if v, ok := output[key]; ok {
			if f, ok := toFloat(v); ok {
				delete(output, key)
				return f
			}
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
