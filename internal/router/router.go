// Package router is the orchestration entry point.
//
// The router classifies an incoming intent's complexity, consults the
// health monitor, selects one of the two interchangeable execution
// engines (honoring explicit overrides), and either runs the chain on
// the local executor or forwards the intent to the alternate engine.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentfleet/orchestrator/internal/events"
	"github.com/agentfleet/orchestrator/internal/executor"
	"github.com/agentfleet/orchestrator/internal/health"
	"github.com/agentfleet/orchestrator/internal/registry"
	"github.com/agentfleet/orchestrator/pkg/models"
)

var tracer = otel.Tracer("agentfleet-orchestrator")

// Router routes intents to the healthiest engine.
type Router struct {
	registry *registry.Store
	health   *health.Monitor
	chains   *executor.ChainExecutor
	steps    *executor.StepExecutor
	events   *events.Publisher
	client   *http.Client
}

// New creates a router over the given components.
func New(reg *registry.Store, hm *health.Monitor, chains *executor.ChainExecutor, steps *executor.StepExecutor, pub *events.Publisher) *Router {
	return &Router{
		registry: reg,
		health:   hm,
		chains:   chains,
		steps:    steps,
		events:   pub,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

// Orchestrate executes one intent end to end: resolve the chain,
// classify complexity, pick an engine, execute or forward, and
// annotate the result with the engine and tier that handled it.
func (r *Router) Orchestrate(ctx context.Context, intent *models.Intent) (*models.OrchestrationResult, error) {
	reg, err := r.registry.Load(false)
	if err != nil {
		return nil, err
	}

	chain, err := r.resolveChain(reg, intent)
	if err != nil {
		return nil, err
	}

	complexity := Classify(chain, reg.Config)

	ctx, span := tracer.Start(ctx, "orchestrate")
	defer span.End()
	span.SetAttributes(
		attribute.String("orchestrator.chain", chain.Name),
		attribute.String("orchestrator.complexity", complexity),
		attribute.String("orchestrator.source", intent.Source),
	)

	engineName, err := r.selectEngine(intent, complexity)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("orchestrator.engine", engineName))

	executionID := uuid.New().String()
	r.events.Publish(models.EventOrchestrationStarted, map[string]any{
		"execution_id": executionID,
		"chain":        chain.Name,
		"complexity":   complexity,
		"engine":       engineName,
		"source":       intent.Source,
	})
	r.events.Publish(models.EventEngineRouted, map[string]any{
		"execution_id": executionID,
		"engine":       engineName,
		"complexity":   complexity,
		"forced":       intent.Engine != "",
	})

	log.Info().
		Str("execution_id", executionID).
		Str("chain", chain.Name).
		Str("engine", engineName).
		Str("complexity", complexity).
		Msg("Intent routed")

	var result *models.OrchestrationResult
	if strings.EqualFold(engineName, reg.Config.LocalEngine) {
		result = r.runLocal(ctx, chain, intent, executionID)
	} else {
		result, err = r.forward(ctx, reg, engineName, chain, intent)
		if err != nil {
			// The forwarded engine fell over mid-request; the local
			// executor is the remaining candidate.
			local := reg.Config.LocalEngine
			if local != "" && r.health.GetHealth(local).Status != models.EngineUnhealthy {
				log.Warn().
					Str("engine", engineName).
					Err(err).
					Msg("Forward failed, falling back to local engine")
				engineName = local
				result = r.runLocal(ctx, chain, intent, executionID)
			} else {
				r.events.Publish(models.EventOrchestrationFailed, map[string]any{
					"execution_id": executionID,
					"chain":        chain.Name,
					"error":        err.Error(),
				})
				return nil, err
			}
		}
	}

	result.Engine = engineName
	result.Complexity = complexity
	if result.ExecutionID == "" {
		result.ExecutionID = executionID
	}

	eventType := models.EventOrchestrationCompleted
	if result.Status == models.StatusFailed {
		eventType = models.EventOrchestrationFailed
	}
	r.events.Publish(eventType, map[string]any{
		"execution_id":    result.ExecutionID,
		"chain":           result.Chain,
		"status":          result.Status,
		"engine":          engineName,
		"steps_completed": result.StepsCompleted,
		"steps_failed":    result.StepsFailed,
		"total_cost_usd":  result.TotalCostUSD,
		"duration_ms":     result.DurationMs,
	})

	return result, nil
}

// Direct is the single-agent bypass: one action invocation with no
// chain semantics and no engine routing. It succeeds or fails on its
// own terms.
func (r *Router) Direct(ctx context.Context, agentName, actionName string, params map[string]any) *models.StepResult {
	step := models.Step{
		ID:     "direct",
		Agent:  agentName,
		Action: actionName,
		Params: params,
	}
	ec := models.NewExecutionContext(uuid.New().String())
	return r.steps.Execute(ctx, step, ec, nil)
}

// ── Chain Resolution ─────────────────────────────────────────

func (r *Router) resolveChain(reg *models.Registry, intent *models.Intent) (*models.Chain, error) {
	if intent.Chain != "" {
		return r.registry.GetChain(intent.Chain)
	}
	if len(intent.Steps) > 0 {
		return &models.Chain{Name: "ad-hoc", Steps: intent.Steps}, nil
	}
	if intent.Text != "" {
		if chain, err := r.matchIntent(reg, intent.Text); err == nil {
			return chain, nil
		}
	}
	return nil, &models.UnknownTargetError{Entity: "chain", Key: "(no chain, steps, or matching intent pattern)"}
}

// matchIntent maps free-form intent text onto a chain via the
// registry's intent patterns (case-insensitive substring match), or
// onto a single-step ad-hoc chain for agent/action targets.
func (r *Router) matchIntent(reg *models.Registry, text string) (*models.Chain, error) {
	lower := strings.ToLower(text)
	for pattern, target := range reg.IntentPatterns {
		if !strings.Contains(lower, strings.ToLower(pattern)) {
			continue
		}
		if target.Chain != "" {
			return r.registry.GetChain(target.Chain)
		}
		if target.Agent != "" && target.Action != "" {
			return &models.Chain{
				Name: "intent:" + pattern,
				Steps: []models.Step{{
					ID:     "direct",
					Agent:  target.Agent,
					Action: target.Action,
				}},
			}, nil
		}
	}
	return nil, &models.UnknownTargetError{Entity: "intent pattern", Key: text}
}

// ── Complexity Classification ────────────────────────────────

// Classify determines the complexity tier for routing. A parallel step
// anywhere forces complex; a named chain's declared tag is otherwise
// authoritative; long ad-hoc chains are moderate; everything else is
// simple.
func Classify(chain *models.Chain, cfg models.GlobalConfig) string {
	for i := range chain.Steps {
		if chain.Steps[i].IsParallel() {
			return models.ComplexityComplex
		}
	}
	if chain.Complexity != "" {
		return chain.Complexity
	}
	threshold := cfg.ModerateStepThreshold
	if threshold <= 0 {
		threshold = registry.DefaultModerateStepThreshold
	}
	if len(chain.Steps) > threshold {
		return models.ComplexityModerate
	}
	return models.ComplexitySimple
}

// ── Engine Selection ─────────────────────────────────────────

func (r *Router) selectEngine(intent *models.Intent, complexity string) (string, error) {
	if intent.Engine != "" {
		eng, err := r.registry.GetEngine(intent.Engine)
		if err != nil {
			return "", err
		}
		if r.health.GetHealth(eng.Name).Status == models.EngineUnhealthy {
			return "", &models.EngineUnavailableError{
				Complexity: complexity,
				Reason:     fmt.Sprintf("forced engine %q is unhealthy", eng.Name),
			}
		}
		return eng.Name, nil
	}

	selected := r.health.GetHealthy(intent.PreferEngine, complexity)
	if selected == "" {
		return "", &models.EngineUnavailableError{Complexity: complexity}
	}
	return selected, nil
}

// ── Execution Paths ──────────────────────────────────────────

// runLocal executes the chain on the in-process executor. Execution is
// detached from the caller's context: a disconnected caller stops
// waiting, but the chain keeps running server-side. Per-step deadlines
// still bound every call.
func (r *Router) runLocal(ctx context.Context, chain *models.Chain, intent *models.Intent, executionID string) *models.OrchestrationResult {
	ec := models.NewExecutionContext(executionID)
	return r.chains.Run(context.WithoutCancel(ctx), chain, intent.Input, ec)
}

// forward hands the intent to the alternate engine's orchestrate
// endpoint and normalizes its response.
func (r *Router) forward(ctx context.Context, reg *models.Registry, engineName string, chain *models.Chain, intent *models.Intent) (*models.OrchestrationResult, error) {
	eng, err := r.registry.GetEngine(engineName)
	if err != nil {
		return nil, err
	}

	// The forwarded intent names the resolved chain and drops the
	// engine override so the peer cannot bounce it back.
	forwarded := &models.Intent{
		Source: intent.Source,
		Chain:  chain.Name,
		Input:  intent.Input,
	}
	if chain.Name == "ad-hoc" {
		forwarded.Chain = ""
		forwarded.Steps = chain.Steps
	}

	payload, err := json.Marshal(forwarded)
	if err != nil {
		return nil, fmt.Errorf("encode intent: %w", err)
	}

	target := strings.TrimSuffix(eng.URL, "/") + eng.OrchestrateEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("engine %s: create request: %w", engineName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	timeout := 120 * time.Second
	if eng.TimeoutSecs > 0 {
		timeout = time.Duration(eng.TimeoutSecs) * time.Second
	}
	fwdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := r.client.Do(req.WithContext(fwdCtx))
	if err != nil {
		return nil, fmt.Errorf("engine %s: request failed: %w", engineName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("engine %s: read response: %w", engineName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("engine %s: status %d: %s", engineName, resp.StatusCode, truncate(string(body), 200))
	}

	var result models.OrchestrationResult
	if err := json.Unmarshal(body, &result); err != nil {
		// Peer engines are not required to speak our result shape;
		// keep whatever they said as the output.
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("engine %s: decode response: %w", engineName, err)
		}
		result = models.OrchestrationResult{
			Chain:  chain.Name,
			Status: models.StatusCompleted,
			Output: raw,
		}
	}
	if result.Chain == "" {
		result.Chain = chain.Name
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
