package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/agentfleet/orchestrator/internal/registry"
	"github.com/agentfleet/orchestrator/internal/template"
	"github.com/agentfleet/orchestrator/pkg/models"
)

// ChainExecutor walks a chain's step list, accumulating results into
// the request's ExecutionContext. Sequential steps run strictly in
// declared order; parallel groups fan out under a bounded semaphore;
// conditional steps are skipped without recording a result.
type ChainExecutor struct {
	registry *registry.Store
	steps    *StepExecutor
}

// NewChainExecutor creates a chain executor sharing the given step
// executor and registry.
func NewChainExecutor(reg *registry.Store, steps *StepExecutor) *ChainExecutor {
	return &ChainExecutor{registry: reg, steps: steps}
}

// Run executes every step of the chain against the caller's input.
// The returned result carries per-step detail, the derived chain
// status, and cost/duration sums across all recorded step results.
// The engine and complexity annotations are the router's job.
func (e *ChainExecutor) Run(ctx context.Context, chain *models.Chain, input map[string]any, ec *models.ExecutionContext) *models.OrchestrationResult {
	failFast := chain.FailFastEnabled()
	stopped := false

	log.Info().
		Str("execution_id", ec.ID).
		Str("chain", chain.Name).
		Int("steps", len(chain.Steps)).
		Bool("fail_fast", failFast).
		Msg("Chain execution started")

	for i := range chain.Steps {
		step := chain.Steps[i]
		if step.ID == "" {
			step.ID = fmt.Sprintf("step_%d", i+1)
		}

		if step.Condition != nil && !EvaluateCondition(step.Condition, ec, input) {
			log.Debug().Str("chain", chain.Name).Str("step", step.ID).Msg("Condition false, step skipped")
			continue
		}

		var failed bool
		if step.IsParallel() {
			failed = e.runParallel(ctx, step, ec, input)
		} else {
			sr := e.steps.Execute(ctx, step, ec, input)
			ec.Record(sr)
			failed = sr.Status == models.StatusFailed
		}

		if failed && failFast {
			stopped = true
			break
		}
	}

	return e.finish(chain, input, ec, failFast, stopped)
}

// runParallel executes every sub-step of a parallel group concurrently,
// bounded by max_parallel_calls. A sub-step's failure never cancels its
// siblings, and every sub-result is recorded before the chain proceeds
// past the block. Returns true if any sub-step failed.
func (e *ChainExecutor) runParallel(ctx context.Context, group models.Step, ec *models.ExecutionContext, input map[string]any) bool {
	sem := semaphore.NewWeighted(int64(e.maxParallel()))

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]*models.StepResult, 0, len(group.Steps))

	for i := range group.Steps {
		sub := group.Steps[i]
		if sub.ID == "" {
			sub.ID = fmt.Sprintf("%s_%d", group.ID, i+1)
		}
		if sub.Condition != nil && !EvaluateCondition(sub.Condition, ec, input) {
			continue
		}

		wg.Add(1)
		go func(sub models.Step) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				results = append(results, &models.StepResult{
					StepID: sub.ID,
					Agent:  sub.Agent,
					Action: sub.Action,
					Status: models.StatusFailed,
					Error:  "request failed: " + err.Error(),
				})
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			sr := e.steps.Execute(ctx, sub, ec, input)
			mu.Lock()
			results = append(results, sr)
			mu.Unlock()
		}(sub)
	}
	wg.Wait()

	// Record only after every sibling finished so sequential steps
	// after the block see the complete group.
	anyFailed := false
	for _, sr := range results {
		ec.Record(sr)
		if sr.Status == models.StatusFailed {
			anyFailed = true
		}
	}
	return anyFailed
}

// finish derives the chain status and assembles the result.
func (e *ChainExecutor) finish(chain *models.Chain, input map[string]any, ec *models.ExecutionContext, failFast, stopped bool) *models.OrchestrationResult {
	completed, failed := 0, 0
	for _, sr := range ec.StepResults {
		switch sr.Status {
		case models.StatusCompleted:
			completed++
		case models.StatusFailed:
			failed++
		}
	}

	status := models.StatusCompleted
	switch {
	case failed == 0:
		status = models.StatusCompleted
	case failFast:
		status = models.StatusFailed
	case completed > 0:
		status = models.StatusPartial
	default:
		status = models.StatusFailed
	}

	var output any
	if chain.OutputTemplate != "" {
		output = template.Resolve(chain.OutputTemplate, ec, input)
	} else {
		output = ec.StepResults
	}

	result := &models.OrchestrationResult{
		ExecutionID:    ec.ID,
		Chain:          chain.Name,
		Status:         status,
		Output:         output,
		Steps:          ec.StepResults,
		StepsCompleted: completed,
		StepsFailed:    failed,
		TotalCostUSD:   ec.TotalCost,
		DurationMs:     ec.DurationMs,
		Errors:         ec.Errors,
		Warnings:       ec.Warnings,
	}

	evt := log.Info()
	if status != models.StatusCompleted {
		evt = log.Warn()
	}
	evt.
		Str("execution_id", ec.ID).
		Str("chain", chain.Name).
		Str("status", status).
		Int("completed", completed).
		Int("failed", failed).
		Bool("stopped_early", stopped).
		Float64("total_cost_usd", ec.TotalCost).
		Int64("duration_ms", ec.DurationMs).
		Msg("Chain execution finished")

	return result
}

func (e *ChainExecutor) maxParallel() int {
	if reg := e.registry.Current(); reg != nil && reg.Config.MaxParallelCalls > 0 {
		return reg.Config.MaxParallelCalls
	}
	return registry.DefaultMaxParallelCalls
}
