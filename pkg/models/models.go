// Package models defines the shared domain types for the orchestrator:
// the declarative registry document (agents, actions, chains, engines,
// routing policy, intent patterns) and the runtime types produced while
// executing chains (execution contexts, step results, health snapshots,
// drift reports).
package models

import (
	"sync"
	"time"
)

// Complexity tiers used to bias engine selection.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

// ── Registry Document ────────────────────────────────────────

// Registry is one immutable snapshot of the declarative configuration.
// Snapshots are loaded wholesale and swapped atomically; nothing mutates
// a snapshot after the loader publishes it.
type Registry struct {
	Version  int64     `json:"version" yaml:"-"`
	LoadedAt time.Time `json:"loaded_at" yaml:"-"`

	Config         GlobalConfig            `json:"config" yaml:"config"`
	Agents         map[string]*Agent       `json:"agents" yaml:"agents"`
	Chains         map[string]*Chain       `json:"chains" yaml:"chains"`
	Engines        map[string]*Engine      `json:"engines" yaml:"engines"`
	Routing        map[string]RoutingRule  `json:"routing" yaml:"routing"`
	IntentPatterns map[string]IntentTarget `json:"intent_patterns" yaml:"intent_patterns"`

	// Issues found by the validation pass at load time. Reportable,
	// not fatal: a chain referencing an unknown action still loads.
	Issues []ValidationIssue `json:"issues,omitempty" yaml:"-"`
}

// GlobalConfig holds document-level defaults and limits.
// RetryAttempts is a pointer so a document can say "no retries"
// with an explicit 0; absent means the default applies.
type GlobalConfig struct {
	DefaultTimeoutSecs      int    `json:"default_timeout" yaml:"default_timeout"`
	RetryAttempts           *int   `json:"retry_attempts,omitempty" yaml:"retry_attempts"`
	RetryDelaySecs          int    `json:"retry_delay" yaml:"retry_delay"`
	MaxParallelCalls        int    `json:"max_parallel_calls" yaml:"max_parallel_calls"`
	CircuitBreakerThreshold int    `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	MaxChainSteps           int    `json:"max_chain_steps" yaml:"max_chain_steps"`
	ModerateStepThreshold   int    `json:"moderate_step_threshold" yaml:"moderate_step_threshold"`
	LocalEngine             string `json:"local_engine" yaml:"local_engine"`
}

// Agent describes one independently deployed HTTP capability.
type Agent struct {
	Name         string             `json:"name" yaml:"-"`
	Description  string             `json:"description,omitempty" yaml:"description"`
	Connection   Connection         `json:"connection" yaml:"connection"`
	Capabilities []string           `json:"capabilities,omitempty" yaml:"capabilities"`
	Actions      map[string]*Action `json:"actions" yaml:"actions"`
}

// Connection holds how to reach an agent.
type Connection struct {
	URL            string `json:"url" yaml:"url"`
	HealthEndpoint string `json:"health_endpoint,omitempty" yaml:"health_endpoint"`
	TimeoutSecs    int    `json:"timeout,omitempty" yaml:"timeout"`
}

// Action is one invokable operation on an agent.
type Action struct {
	Name        string   `json:"name" yaml:"-"`
	Endpoint    string   `json:"endpoint" yaml:"endpoint"`
	Method      string   `json:"method" yaml:"method"`
	TimeoutSecs int      `json:"timeout,omitempty" yaml:"timeout"`
	Params      []Param  `json:"params,omitempty" yaml:"params"`
	Returns     []string `json:"returns,omitempty" yaml:"returns"`
}

// Param is one typed parameter of an action.
type Param struct {
	Name     string   `json:"name" yaml:"name"`
	Type     string   `json:"type,omitempty" yaml:"type"`
	Required bool     `json:"required,omitempty" yaml:"required"`
	Default  any      `json:"default,omitempty" yaml:"default"`
	Enum     []string `json:"enum,omitempty" yaml:"enum"`
}

// Chain is a named, ordered sequence of steps composed from actions.
type Chain struct {
	Name           string   `json:"name" yaml:"-"`
	Description    string   `json:"description,omitempty" yaml:"description"`
	Complexity     string   `json:"complexity,omitempty" yaml:"complexity"`
	Triggers       []string `json:"triggers,omitempty" yaml:"triggers"`
	Steps          []Step   `json:"steps" yaml:"steps"`
	OutputTemplate string   `json:"output_template,omitempty" yaml:"output_template"`

	// FailFast defaults to true when absent from the document.
	FailFast *bool `json:"fail_fast,omitempty" yaml:"fail_fast"`
}

// FailFastEnabled reports the chain's effective fail-fast policy.
func (c *Chain) FailFastEnabled() bool {
	return c.FailFast == nil || *c.FailFast
}

// StepTypeParallel marks a step whose sub-steps run concurrently.
const StepTypeParallel = "parallel"

// Step is one execution unit within a chain: a single action invocation,
// or (Type == "parallel") a group of sub-steps executed concurrently.
type Step struct {
	ID        string         `json:"id,omitempty" yaml:"id"`
	Type      string         `json:"type,omitempty" yaml:"type"`
	Agent     string         `json:"agent,omitempty" yaml:"agent"`
	Action    string         `json:"action,omitempty" yaml:"action"`
	Params    map[string]any `json:"params,omitempty" yaml:"params"`
	Condition *Condition     `json:"condition,omitempty" yaml:"condition"`
	Steps     []Step         `json:"steps,omitempty" yaml:"steps"`

	// Per-step overrides; zero means "use the action/global default".
	TimeoutSecs    int  `json:"timeout,omitempty" yaml:"timeout"`
	RetryAttempts  *int `json:"retry_attempts,omitempty" yaml:"retry_attempts"`
	RetryDelaySecs int  `json:"retry_delay,omitempty" yaml:"retry_delay"`
}

// IsParallel reports whether the step is a parallel group.
func (s *Step) IsParallel() bool {
	return s.Type == StepTypeParallel || len(s.Steps) > 0
}

// Condition operators. The grammar is a closed set: field path,
// operator, target value. No expression evaluation.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpLt       = "lt"
	OpContains = "contains"
	OpExists   = "exists"
)

// Condition gates a step on a field drawn from caller input or an
// earlier step's output.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value"`
}

// Engine describes one of the interchangeable chain-execution backends.
type Engine struct {
	Name                 string `json:"name" yaml:"-"`
	URL                  string `json:"url" yaml:"url"`
	HealthEndpoint       string `json:"health_endpoint,omitempty" yaml:"health_endpoint"`
	OrchestrateEndpoint  string `json:"orchestrate_endpoint,omitempty" yaml:"orchestrate_endpoint"`
	CapabilitiesEndpoint string `json:"capabilities_endpoint,omitempty" yaml:"capabilities_endpoint"`
	RegisterEndpoint     string `json:"register_endpoint,omitempty" yaml:"register_endpoint"`
	TimeoutSecs          int    `json:"timeout,omitempty" yaml:"timeout"`
}

// RoutingRule maps a complexity tier to a preferred/fallback engine pair.
type RoutingRule struct {
	Preferred string `json:"preferred" yaml:"preferred"`
	Fallback  string `json:"fallback,omitempty" yaml:"fallback"`
}

// IntentTarget maps a trigger pattern to either a chain or a direct
// agent/action call.
type IntentTarget struct {
	Chain  string `json:"chain,omitempty" yaml:"chain"`
	Agent  string `json:"agent,omitempty" yaml:"agent"`
	Action string `json:"action,omitempty" yaml:"action"`
}

// ValidationIssue is one problem found while validating a registry
// document. Issues are reported, not fatal.
type ValidationIssue struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// ── Execution Runtime ────────────────────────────────────────

// Step and chain statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// StepResult records the outcome of one step attempt sequence.
// Written exactly once per step id.
type StepResult struct {
	StepID     string         `json:"step_id"`
	Agent      string         `json:"agent"`
	Action     string         `json:"action"`
	Status     string         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	CostUSD    float64        `json:"cost_usd"`
	DurationMs int64          `json:"duration_ms"`
	Retries    int            `json:"retries"`
}

// ExecutionContext is the per-request accumulator owned exclusively by
// one Chain Executor invocation. Never shared across requests. Step
// results are written only by the chain executor's walking goroutine;
// warnings may arrive from parallel sub-steps and take the mutex.
type ExecutionContext struct {
	ID          string                 `json:"id"`
	StartedAt   time.Time              `json:"started_at"`
	StepResults map[string]*StepResult `json:"step_results"`
	TotalCost   float64                `json:"total_cost"`
	DurationMs  int64                  `json:"duration_ms"`
	Errors      []string               `json:"errors,omitempty"`
	Warnings    []string               `json:"warnings,omitempty"`

	warnMu sync.Mutex
}

// NewExecutionContext creates an empty context with the given id.
func NewExecutionContext(id string) *ExecutionContext {
	return &ExecutionContext{
		ID:          id,
		StartedAt:   time.Now().UTC(),
		StepResults: make(map[string]*StepResult),
	}
}

// Record stores a step result and folds its cost/duration/error into
// the running totals.
func (ec *ExecutionContext) Record(sr *StepResult) {
	ec.StepResults[sr.StepID] = sr
	ec.TotalCost += sr.CostUSD
	ec.DurationMs += sr.DurationMs
	if sr.Error != "" {
		ec.Errors = append(ec.Errors, sr.StepID+": "+sr.Error)
	}
}

// Warn appends a non-fatal resolution warning.
func (ec *ExecutionContext) Warn(msg string) {
	ec.warnMu.Lock()
	ec.Warnings = append(ec.Warnings, msg)
	ec.warnMu.Unlock()
}

// Intent is a caller's request to execute a named chain, an ad-hoc set
// of steps, or (via intent patterns) whatever its text matches.
type Intent struct {
	Source string         `json:"source,omitempty"`
	Text   string         `json:"text,omitempty"`
	Chain  string         `json:"chain,omitempty"`
	Steps  []Step         `json:"steps,omitempty"`
	Input  map[string]any `json:"input,omitempty"`

	// Engine forces a specific engine; PreferEngine is a soft hint.
	Engine       string `json:"engine,omitempty"`
	PreferEngine string `json:"prefer_engine,omitempty"`
}

// OrchestrationResult is the response to one Orchestrate call.
type OrchestrationResult struct {
	ExecutionID    string                 `json:"execution_id"`
	Chain          string                 `json:"chain,omitempty"`
	Status         string                 `json:"status"`
	Engine         string                 `json:"engine"`
	Complexity     string                 `json:"complexity"`
	Output         any                    `json:"output,omitempty"`
	Steps          map[string]*StepResult `json:"steps,omitempty"`
	StepsCompleted int                    `json:"steps_completed"`
	StepsFailed    int                    `json:"steps_failed"`
	TotalCostUSD   float64                `json:"total_cost_usd"`
	DurationMs     int64                  `json:"duration_ms"`
	Errors         []string               `json:"errors,omitempty"`
	Warnings       []string               `json:"warnings,omitempty"`
}

// ── Engine Health ────────────────────────────────────────────

// Engine statuses.
const (
	EngineHealthy   = "healthy"
	EngineDegraded  = "degraded"
	EngineUnhealthy = "unhealthy"
	EngineUnknown   = "unknown"
)

// EngineHealth is the health snapshot for one engine. Mutated only by
// the health monitor; everyone else reads copies.
type EngineHealth struct {
	Engine              string    `json:"engine"`
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChecked         time.Time `json:"last_checked"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LatencyMs           int64     `json:"latency_ms"`
}

// Usable reports whether the engine can accept traffic at all.
func (h *EngineHealth) Usable() bool {
	return h.Status == EngineHealthy || h.Status == EngineDegraded
}

// ── Drift ────────────────────────────────────────────────────

// Drift issue kinds.
const (
	DriftMissingChain  = "missing_chain"
	DriftMissingAction = "missing_action"
	DriftUnreachable   = "unreachable"
)

// DriftIssue is one divergence between the registry and an engine.
type DriftIssue struct {
	Engine string `json:"engine"`
	Kind   string `json:"kind"`
	Name   string `json:"name,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// DriftReport is the result of one sync-validation pass. Regenerated
// fresh each run; only the latest report is retained.
type DriftReport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	InSync      bool            `json:"in_sync"`
	Engines     map[string]bool `json:"engines"`
	Issues      []DriftIssue    `json:"issues,omitempty"`
}

// EngineCapabilities is what an engine self-reports implementing.
type EngineCapabilities struct {
	Chains  []string `json:"chains"`
	Actions []string `json:"actions"`
}

// RepairAction is one entry of an AutoRepair plan.
type RepairAction struct {
	Issue    DriftIssue `json:"issue"`
	Action   string     `json:"action"`
	Executed bool       `json:"executed"`
	Error    string     `json:"error,omitempty"`
}

// ── Introspection Summaries ──────────────────────────────────

// AgentSummary is the list-view shape for GET /agents.
type AgentSummary struct {
	Name         string   `json:"name"`
	URL          string   `json:"url"`
	Capabilities []string `json:"capabilities,omitempty"`
	Actions      []string `json:"actions"`
}

// ChainSummary is the list-view shape for GET /chains.
type ChainSummary struct {
	Name       string   `json:"name"`
	Complexity string   `json:"complexity"`
	Steps      int      `json:"steps"`
	Triggers   []string `json:"triggers,omitempty"`
}

// ── Events ───────────────────────────────────────────────────

// Event types published to the external event sink.
const (
	EventOrchestrationStarted   = "orchestration_started"
	EventOrchestrationCompleted = "orchestration_completed"
	EventOrchestrationFailed    = "orchestration_failed"
	EventEngineRouted           = "engine_routed"
	EventEngineUnhealthy        = "engine_unhealthy"
	EventDriftDetected          = "drift_detected"
	EventRegistryReloaded       = "registry_reloaded"
)

// Event is the payload shape delivered to the event sink.
type Event struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
