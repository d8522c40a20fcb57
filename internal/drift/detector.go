// Package drift compares the registry's declared surface against what
// each engine actually advertises, and can propose (or apply) repairs.
package drift

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentfleet/orchestrator/internal/config"
	"github.com/agentfleet/orchestrator/internal/events"
	"github.com/agentfleet/orchestrator/internal/registry"
	"github.com/agentfleet/orchestrator/pkg/models"
)

// Detector fetches engine capability manifests and diffs them against
// the registry.
type Detector struct {
	registry *registry.Store
	events   *events.Publisher
	client   *http.Client
	interval time.Duration

	mu     sync.RWMutex
	last   *models.DriftReport
	stopCh chan struct{}
}

// NewDetector creates a drift detector with the given probe settings.
func NewDetector(reg *registry.Store, pub *events.Publisher, cfg config.DriftConfig) *Detector {
	return &Detector{
		registry: reg,
		events:   pub,
		client:   &http.Client{Timeout: cfg.Timeout},
		interval: cfg.Interval,
	}
}

// Start runs periodic drift checks until Stop is called or the context
// ends. A zero interval disables the background loop.
func (d *Detector) Start(ctx context.Context) {
	if d.interval <= 0 {
		return
	}
	d.stopCh = make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := d.ValidateSync(ctx); err != nil {
					log.Warn().Err(err).Msg("Scheduled drift check failed")
				}
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background loop.
func (d *Detector) Stop() {
	if d.stopCh != nil {
		close(d.stopCh)
		d.stopCh = nil
	}
}

// LastReport returns the most recent drift report, or nil if no check
// has run yet.
func (d *Detector) LastReport() *models.DriftReport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// ValidateSync checks every declared engine: unreachable engines are
// reported as drift, reachable ones are diffed against the registry's
// chains and actions.
func (d *Detector) ValidateSync(ctx context.Context) (*models.DriftReport, error) {
	reg, err := d.registry.Load(false)
	if err != nil {
		return nil, err
	}

	report := &models.DriftReport{
		GeneratedAt: time.Now().UTC(),
		Engines:     make(map[string]bool, len(reg.Engines)),
	}

	for name, eng := range reg.Engines {
		caps, err := d.fetchCapabilities(ctx, eng)
		if err != nil {
			report.Engines[name] = false
			report.Issues = append(report.Issues, models.DriftIssue{
				Kind:   models.DriftUnreachable,
				Engine: name,
				Detail: err.Error(),
			})
			continue
		}
		report.Engines[name] = true
		report.Issues = append(report.Issues, diff(reg, name, caps)...)
	}

	report.InSync = len(report.Issues) == 0

	d.mu.Lock()
	d.last = report
	d.mu.Unlock()

	if !report.InSync {
		log.Warn().Int("issues", len(report.Issues)).Msg("Configuration drift detected")
		d.events.Publish(models.EventDriftDetected, map[string]any{
			"issues":       len(report.Issues),
			"engines":      report.Engines,
			"generated_at": report.GeneratedAt,
		})
	}
	return report, nil
}

// diff reports what the registry declares but the engine lacks. The
// reverse direction (engine knows more than the registry) is not drift;
// engines may serve other registries too.
func diff(reg *models.Registry, engine string, caps *models.EngineCapabilities) []models.DriftIssue {
	var issues []models.DriftIssue

	known := make(map[string]bool, len(caps.Chains))
	for _, c := range caps.Chains {
		known[strings.ToLower(c)] = true
	}
	for name := range reg.Chains {
		if !known[strings.ToLower(name)] {
			issues = append(issues, models.DriftIssue{
				Kind:   models.DriftMissingChain,
				Engine: engine,
				Name:   name,
				Detail: fmt.Sprintf("chain %q declared in registry but unknown to engine %s", name, engine),
			})
		}
	}

	actions := make(map[string]bool, len(caps.Actions))
	for _, a := range caps.Actions {
		actions[strings.ToLower(a)] = true
	}
	for agentName, agent := range reg.Agents {
		for actionName := range agent.Actions {
			key := agentName + "." + actionName
			if !actions[strings.ToLower(key)] {
				issues = append(issues, models.DriftIssue{
					Kind:   models.DriftMissingAction,
					Engine: engine,
					Name:   key,
					Detail: fmt.Sprintf("action %q declared in registry but unknown to engine %s", key, engine),
				})
			}
		}
	}
	return issues
}

func (d *Detector) fetchCapabilities(ctx context.Context, eng *models.Engine) (*models.EngineCapabilities, error) {
	target := strings.TrimSuffix(eng.URL, "/") + eng.CapabilitiesEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capabilities fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("capabilities fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("capabilities read failed: %w", err)
	}
	var caps models.EngineCapabilities
	if err := json.Unmarshal(body, &caps); err != nil {
		return nil, fmt.Errorf("capabilities decode failed: %w", err)
	}
	return &caps, nil
}

// ── Repair ───────────────────────────────────────────────────

// PlanRepair turns drift issues into repair actions. Missing chains
// and actions can be pushed to an engine's register endpoint;
// unreachable engines need an operator.
func (d *Detector) PlanRepair(issues []models.DriftIssue) []models.RepairAction {
	actions := make([]models.RepairAction, 0, len(issues))
	for _, issue := range issues {
		switch issue.Kind {
		case models.DriftMissingChain:
			actions = append(actions, models.RepairAction{
				Issue:  issue,
				Action: fmt.Sprintf("push chain %q to engine %s", issue.Name, issue.Engine),
			})
		case models.DriftMissingAction:
			actions = append(actions, models.RepairAction{
				Issue:  issue,
				Action: fmt.Sprintf("push action %q to engine %s", issue.Name, issue.Engine),
			})
		default:
			actions = append(actions, models.RepairAction{
				Issue:  issue,
				Action: "manual step required",
			})
		}
	}
	return actions
}

// AutoRepair plans repairs for the given issues and, when confirm is
// true, applies the automatable ones by pushing definitions to each
// engine's register endpoint. Without confirm it is a dry run.
func (d *Detector) AutoRepair(ctx context.Context, issues []models.DriftIssue, confirm bool) []models.RepairAction {
	actions := d.PlanRepair(issues)
	if !confirm {
		return actions
	}

	reg := d.registry.Current()
	for i := range actions {
		act := &actions[i]
		if act.Issue.Kind == models.DriftUnreachable {
			continue
		}
		if err := d.push(ctx, reg, act); err != nil {
			act.Error = err.Error()
			continue
		}
		act.Executed = true
	}
	return actions
}

// push sends the drifted definition to the engine's register endpoint.
func (d *Detector) push(ctx context.Context, reg *models.Registry, act *models.RepairAction) error {
	if reg == nil {
		return fmt.Errorf("no registry loaded")
	}
	eng, ok := reg.Engines[act.Issue.Engine]
	if !ok {
		return fmt.Errorf("unknown engine: %s", act.Issue.Engine)
	}
	if eng.RegisterEndpoint == "" {
		return fmt.Errorf("engine %s has no register endpoint", act.Issue.Engine)
	}

	payload := map[string]any{"kind": act.Issue.Kind}
	switch act.Issue.Kind {
	case models.DriftMissingChain:
		chain, ok := reg.Chains[act.Issue.Name]
		if !ok {
			return fmt.Errorf("chain %q no longer in registry", act.Issue.Name)
		}
		payload["chain"] = chain
	case models.DriftMissingAction:
		agentName, actionName, ok := strings.Cut(act.Issue.Name, ".")
		if !ok {
			return fmt.Errorf("malformed action name: %s", act.Issue.Name)
		}
		agent, ok := reg.Agents[agentName]
		if !ok {
			return fmt.Errorf("agent %q no longer in registry", agentName)
		}
		action, ok := agent.Actions[actionName]
		if !ok {
			return fmt.Errorf("action %q no longer in registry", act.Issue.Name)
		}
		payload["agent"] = agentName
		payload["action"] = actionName
		payload["definition"] = action
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	target := strings.TrimSuffix(eng.URL, "/") + eng.RegisterEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("register push failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("register push: status %d", resp.StatusCode)
	}
	return nil
}
