// Package registry loads, validates, and caches the declarative fleet
// configuration: agents and their actions, chains, engines, routing
// policy, and intent patterns.
//
// The document is read wholesale from a YAML file and published as an
// immutable snapshot behind an atomic pointer. Readers take a snapshot
// reference at the start of a request and never observe partial state.
// A failed reload keeps the last-known-good snapshot and records the
// failure; it never corrupts what is currently served.
package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/agentfleet/orchestrator/pkg/models"
)

// Defaults applied to document config fields left at zero.
const (
	DefaultTimeoutSecs             = 30
	DefaultRetryAttempts           = 2
	DefaultRetryDelaySecs          = 2
	DefaultMaxParallelCalls        = 5
	DefaultCircuitBreakerThreshold = 3
	DefaultMaxChainSteps           = 50
	DefaultModerateStepThreshold   = 3
)

// Store serves immutable registry snapshots with TTL-based reload.
type Store struct {
	path string
	ttl  time.Duration

	snapshot atomic.Pointer[models.Registry]
	version  atomic.Int64

	// reloadMu serializes reloads; readers never take it.
	reloadMu sync.Mutex

	// lastErr holds the most recent reload failure, for /status.
	errMu   sync.RWMutex
	lastErr string

	// onReload, when set, observes every successfully loaded snapshot.
	onReload func(*models.Registry)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// SetOnReload registers a hook invoked after each successful load.
// Must be called before the first Load.
func (s *Store) SetOnReload(f func(*models.Registry)) { s.onReload = f }

// NewStore creates a registry store for the given document path.
// No document is read until the first Load.
func NewStore(path string, ttl time.Duration) *Store {
	return &Store{
		path:   path,
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
}

// Load returns the current snapshot, reloading from disk if the cache
// is older than the TTL or force is set. When a reload fails and a
// previous snapshot exists, that snapshot is returned and the error is
// recorded rather than propagated.
func (s *Store) Load(force bool) (*models.Registry, error) {
	cur := s.snapshot.Load()
	if cur != nil && !force && time.Since(cur.LoadedAt) < s.ttl {
		return cur, nil
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	// Another goroutine may have reloaded while we waited.
	cur = s.snapshot.Load()
	if cur != nil && !force && time.Since(cur.LoadedAt) < s.ttl {
		return cur, nil
	}

	fresh, err := s.parse()
	if err != nil {
		s.setLastError(err.Error())
		if cur != nil {
			log.Error().Err(err).Str("path", s.path).Msg("Registry reload failed, serving last-known-good snapshot")
			return cur, nil
		}
		return nil, &models.ConfigError{Path: s.path, Err: err}
	}

	fresh.Version = s.version.Add(1)
	fresh.LoadedAt = time.Now().UTC()
	s.snapshot.Store(fresh)
	s.setLastError("")

	log.Info().
		Int64("version", fresh.Version).
		Int("agents", len(fresh.Agents)).
		Int("chains", len(fresh.Chains)).
		Int("engines", len(fresh.Engines)).
		Int("issues", len(fresh.Issues)).
		Msg("Registry snapshot loaded")

	for _, issue := range fresh.Issues {
		log.Warn().
			Str("kind", issue.Kind).
			Str("subject", issue.Subject).
			Str("detail", issue.Detail).
			Msg("Registry validation issue")
	}

	if s.onReload != nil {
		s.onReload(fresh)
	}
	return fresh, nil
}

// Current returns the latest snapshot without triggering a reload,
// or nil if nothing has been loaded yet.
func (s *Store) Current() *models.Registry {
	return s.snapshot.Load()
}

// LastError returns the most recent reload failure message, empty when
// the last reload succeeded.
func (s *Store) LastError() string {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.lastErr
}

func (s *Store) setLastError(msg string) {
	s.errMu.Lock()
	s.lastErr = msg
	s.errMu.Unlock()
}

// ── Typed Lookups ────────────────────────────────────────────

// GetAgent returns the named agent, case-insensitively.
func (s *Store) GetAgent(name string) (*models.Agent, error) {
	reg, err := s.Load(false)
	if err != nil {
		return nil, err
	}
	for key, agent := range reg.Agents {
		if strings.EqualFold(key, name) {
			return agent, nil
		}
	}
	return nil, &models.UnknownTargetError{Entity: "agent", Key: name}
}

// GetAction returns the named action on the named agent.
func (s *Store) GetAction(agentName, actionName string) (*models.Agent, *models.Action, error) {
	agent, err := s.GetAgent(agentName)
	if err != nil {
		return nil, nil, err
	}
	for key, action := range agent.Actions {
		if strings.EqualFold(key, actionName) {
			return agent, action, nil
		}
	}
	return nil, nil, &models.UnknownTargetError{Entity: "action", Key: agentName + "." + actionName}
}

// GetChain returns the named chain, case-insensitively.
func (s *Store) GetChain(name string) (*models.Chain, error) {
	reg, err := s.Load(false)
	if err != nil {
		return nil, err
	}
	for key, chain := range reg.Chains {
		if strings.EqualFold(key, name) {
			return chain, nil
		}
	}
	return nil, &models.UnknownTargetError{Entity: "chain", Key: name}
}

// GetEngine returns the named engine, case-insensitively.
func (s *Store) GetEngine(name string) (*models.Engine, error) {
	reg, err := s.Load(false)
	if err != nil {
		return nil, err
	}
	for key, eng := range reg.Engines {
		if strings.EqualFold(key, name) {
			return eng, nil
		}
	}
	return nil, &models.UnknownTargetError{Entity: "engine", Key: name}
}

// ListAgents returns summaries for the introspection endpoints.
func (s *Store) ListAgents() []models.AgentSummary {
	reg := s.snapshot.Load()
	if reg == nil {
		return nil
	}
	out := make([]models.AgentSummary, 0, len(reg.Agents))
	for _, agent := range reg.Agents {
		actions := make([]string, 0, len(agent.Actions))
		for name := range agent.Actions {
			actions = append(actions, name)
		}
		out = append(out, models.AgentSummary{
			Name:         agent.Name,
			URL:          agent.Connection.URL,
			Capabilities: agent.Capabilities,
			Actions:      actions,
		})
	}
	return out
}

// ListChains returns summaries for the introspection endpoints.
func (s *Store) ListChains() []models.ChainSummary {
	reg := s.snapshot.Load()
	if reg == nil {
		return nil
	}
	out := make([]models.ChainSummary, 0, len(reg.Chains))
	for _, chain := range reg.Chains {
		out = append(out, models.ChainSummary{
			Name:       chain.Name,
			Complexity: chain.Complexity,
			Steps:      len(chain.Steps),
			Triggers:   chain.Triggers,
		})
	}
	return out
}

// ── File Watch ───────────────────────────────────────────────

// Watch reloads the registry whenever the backing file changes.
// Events are debounced because editors produce write bursts.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	s.watcher = w

	go func() {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					log.Info().Str("path", s.path).Msg("Registry file changed, reloading")
					s.Load(true)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Registry watcher error")
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info().Str("path", s.path).Msg("Registry file watch started")
	return nil
}

// Close stops the watcher.
func (s *Store) Close() {
	close(s.stopCh)
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// ── Parsing & Validation ─────────────────────────────────────

func (s *Store) parse() (*models.Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var reg models.Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	normalize(&reg)
	reg.Issues = Validate(&reg)
	return &reg, nil
}

// normalize fills map-key-derived names and zero-value defaults so the
// rest of the system never branches on missing config.
func normalize(reg *models.Registry) {
	if reg.Agents == nil {
		reg.Agents = map[string]*models.Agent{}
	}
	if reg.Chains == nil {
		reg.Chains = map[string]*models.Chain{}
	}
	if reg.Engines == nil {
		reg.Engines = map[string]*models.Engine{}
	}

	for name, agent := range reg.Agents {
		agent.Name = name
		for actionName, action := range agent.Actions {
			action.Name = actionName
			if action.Method == "" {
				action.Method = "POST"
			}
		}
	}
	for name, chain := range reg.Chains {
		chain.Name = name
	}
	for name, eng := range reg.Engines {
		eng.Name = name
		if eng.HealthEndpoint == "" {
			eng.HealthEndpoint = "/health"
		}
		if eng.OrchestrateEndpoint == "" {
			eng.OrchestrateEndpoint = "/orchestrate"
		}
		if eng.CapabilitiesEndpoint == "" {
			eng.CapabilitiesEndpoint = "/capabilities"
		}
	}

	cfg := &reg.Config
	if cfg.DefaultTimeoutSecs <= 0 {
		cfg.DefaultTimeoutSecs = DefaultTimeoutSecs
	}
	if cfg.RetryAttempts == nil {
		n := DefaultRetryAttempts
		cfg.RetryAttempts = &n
	} else if *cfg.RetryAttempts < 0 {
		*cfg.RetryAttempts = 0
	}
	if cfg.RetryDelaySecs <= 0 {
		cfg.RetryDelaySecs = DefaultRetryDelaySecs
	}
	if cfg.MaxParallelCalls <= 0 {
		cfg.MaxParallelCalls = DefaultMaxParallelCalls
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = DefaultCircuitBreakerThreshold
	}
	if cfg.MaxChainSteps <= 0 {
		cfg.MaxChainSteps = DefaultMaxChainSteps
	}
	if cfg.ModerateStepThreshold <= 0 {
		cfg.ModerateStepThreshold = DefaultModerateStepThreshold
	}
	if cfg.LocalEngine == "" && len(reg.Engines) > 0 {
		// Deterministic pick: lexically first engine name.
		first := ""
		for name := range reg.Engines {
			if first == "" || name < first {
				first = name
			}
		}
		cfg.LocalEngine = first
	}
}

// Validate runs the full validation pass over a normalized document and
// returns every issue found. Issues are reportable, never fatal.
func Validate(reg *models.Registry) []models.ValidationIssue {
	var issues []models.ValidationIssue

	report := func(kind, subject, detail string) {
		issues = append(issues, models.ValidationIssue{Kind: kind, Subject: subject, Detail: detail})
	}

	hasAction := func(agentName, actionName string) bool {
		for key, agent := range reg.Agents {
			if !strings.EqualFold(key, agentName) {
				continue
			}
			for a := range agent.Actions {
				if strings.EqualFold(a, actionName) {
					return true
				}
			}
		}
		return false
	}

	for chainName, chain := range reg.Chains {
		if countSteps(chain.Steps) > reg.Config.MaxChainSteps {
			report("chain_too_long", chainName,
				fmt.Sprintf("chain has more than %d steps", reg.Config.MaxChainSteps))
		}

		seen := map[string]bool{}
		var walk func(steps []models.Step, inParallel bool)
		walk = func(steps []models.Step, inParallel bool) {
			for i := range steps {
				step := &steps[i]
				if step.IsParallel() {
					if inParallel {
						report("nested_parallel", chainName,
							fmt.Sprintf("step %q nests a parallel group inside a parallel group", step.ID))
					}
					walk(step.Steps, true)
					continue
				}
				if step.ID != "" {
					if seen[strings.ToLower(step.ID)] {
						report("duplicate_step", chainName, fmt.Sprintf("step id %q declared twice", step.ID))
					}
				}
				if step.Agent != "" && step.Action != "" && !hasAction(step.Agent, step.Action) {
					report("unknown_action", chainName,
						fmt.Sprintf("step %q references %s.%s which no agent declares", step.ID, step.Agent, step.Action))
				}
				if step.Condition != nil {
					validateCondition(report, chainName, step, seen)
				}
				if step.ID != "" {
					seen[strings.ToLower(step.ID)] = true
				}
			}
		}
		walk(chain.Steps, false)
	}

	for tier, rule := range reg.Routing {
		if rule.Preferred != "" && !hasEngine(reg, rule.Preferred) {
			report("unknown_engine", tier, fmt.Sprintf("preferred engine %q not declared", rule.Preferred))
		}
		if rule.Fallback != "" && !hasEngine(reg, rule.Fallback) {
			report("unknown_engine", tier, fmt.Sprintf("fallback engine %q not declared", rule.Fallback))
		}
	}

	if reg.Config.LocalEngine != "" && !hasEngine(reg, reg.Config.LocalEngine) {
		report("unknown_engine", "config.local_engine",
			fmt.Sprintf("local engine %q not declared", reg.Config.LocalEngine))
	}

	for pattern, target := range reg.IntentPatterns {
		switch {
		case target.Chain != "":
			if !hasChain(reg, target.Chain) {
				report("unknown_chain", pattern, fmt.Sprintf("intent pattern maps to unknown chain %q", target.Chain))
			}
		case target.Agent != "" && target.Action != "":
			if !hasAction(target.Agent, target.Action) {
				report("unknown_action", pattern,
					fmt.Sprintf("intent pattern maps to unknown action %s.%s", target.Agent, target.Action))
			}
		default:
			report("empty_intent_target", pattern, "intent pattern maps to neither a chain nor an agent/action")
		}
	}

	return issues
}

// validateCondition rejects conditions whose step reference is not
// declared earlier in the chain. Forward references are how circular
// condition dependencies would arise, so refusing them at validation
// time makes cycles unrepresentable.
func validateCondition(report func(kind, subject, detail string), chainName string, step *models.Step, seen map[string]bool) {
	cond := step.Condition
	switch cond.Operator {
	case models.OpEq, models.OpNe, models.OpGt, models.OpLt, models.OpContains, models.OpExists:
	default:
		report("invalid_condition", chainName,
			fmt.Sprintf("step %q condition uses unsupported operator %q", step.ID, cond.Operator))
	}

	if rest, ok := strings.CutPrefix(cond.Field, "steps."); ok {
		refID, _, _ := strings.Cut(rest, ".")
		if refID != "" && !seen[strings.ToLower(refID)] {
			report("forward_condition", chainName,
				fmt.Sprintf("step %q condition references step %q which is not declared earlier", step.ID, refID))
		}
	}
}

func countSteps(steps []models.Step) int {
	n := 0
	for i := range steps {
		if steps[i].IsParallel() {
			n += countSteps(steps[i].Steps)
			continue
		}
		n++
	}
	return n
}

func hasEngine(reg *models.Registry, name string) bool {
	for key := range reg.Engines {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}

func hasChain(reg *models.Registry, name string) bool {
	for key := range reg.Chains {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}
