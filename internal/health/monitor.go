// Package health maintains a live health status for each configured
// execution engine.
//
// A background loop probes every engine's health endpoint on a fixed
// interval. Success resets the failure streak and marks the engine
// healthy; failures mark it degraded until the streak reaches the
// circuit-breaker threshold, then unhealthy. The monitor is the only
// writer; the router reads copied snapshots.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentfleet/orchestrator/internal/config"
	"github.com/agentfleet/orchestrator/internal/registry"
	"github.com/agentfleet/orchestrator/pkg/models"
)

// AlertFunc receives engine-unhealthy transitions. Wired to the event
// publisher; nil disables alerts.
type AlertFunc func(eventType string, data map[string]any)

// Monitor probes engines and answers routing queries about them.
type Monitor struct {
	registry  *registry.Store
	client    *http.Client
	interval  time.Duration
	threshold int
	alert     AlertFunc

	mu     sync.RWMutex
	health map[string]*models.EngineHealth

	stopCh  chan struct{}
	running bool
}

// NewMonitor creates a monitor. Call Start to begin probing.
func NewMonitor(reg *registry.Store, cfg config.HealthConfig) *Monitor {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = registry.DefaultCircuitBreakerThreshold
	}
	return &Monitor{
		registry:  reg,
		client:    &http.Client{Timeout: cfg.ProbeTimeout},
		interval:  cfg.Interval,
		threshold: threshold,
		health:    make(map[string]*models.EngineHealth),
		stopCh:    make(chan struct{}),
	}
}

// SetAlertFunc wires the unhealthy-transition alert hook.
func (m *Monitor) SetAlertFunc(f AlertFunc) { m.alert = f }

// Start launches the background probe loop.
func (m *Monitor) Start(ctx context.Context) {
	if m.running {
		return
	}
	m.running = true

	go func() {
		// Probe immediately so routing has data before the first tick.
		m.CheckNow(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckNow(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info().Dur("interval", m.interval).Int("threshold", m.threshold).Msg("Engine health monitor started")
}

// Stop halts the probe loop.
func (m *Monitor) Stop() {
	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

// CheckNow probes every configured engine once.
func (m *Monitor) CheckNow(ctx context.Context) {
	reg, err := m.registry.Load(false)
	if err != nil {
		log.Warn().Err(err).Msg("Health check skipped, registry unavailable")
		return
	}
	for _, eng := range reg.Engines {
		m.probe(ctx, eng)
	}
}

func (m *Monitor) probe(ctx context.Context, eng *models.Engine) {
	start := time.Now()
	err := m.probeOnce(ctx, eng)
	latency := time.Since(start).Milliseconds()

	m.mu.Lock()
	h, ok := m.health[eng.Name]
	if !ok {
		h = &models.EngineHealth{Engine: eng.Name, Status: models.EngineUnknown}
		m.health[eng.Name] = h
	}
	h.LastChecked = time.Now().UTC()

	var becameUnhealthy bool
	if err == nil {
		h.ConsecutiveFailures = 0
		h.Status = models.EngineHealthy
		h.LastSuccess = h.LastChecked
		h.LastError = ""
		if h.LatencyMs == 0 {
			h.LatencyMs = latency
		} else {
			// Exponential moving average, same weights as request latency tracking.
			h.LatencyMs = (h.LatencyMs*7 + latency*3) / 10
		}
	} else {
		h.ConsecutiveFailures++
		h.LastError = err.Error()
		prev := h.Status
		if h.ConsecutiveFailures >= m.threshold {
			h.Status = models.EngineUnhealthy
			becameUnhealthy = prev != models.EngineUnhealthy
		} else {
			h.Status = models.EngineDegraded
		}
	}
	status := h.Status
	streak := h.ConsecutiveFailures
	m.mu.Unlock()

	if err != nil {
		log.Warn().
			Str("engine", eng.Name).
			Str("status", status).
			Int("streak", streak).
			Err(err).
			Msg("Engine probe failed")
	}
	if becameUnhealthy && m.alert != nil {
		m.alert(models.EventEngineUnhealthy, map[string]any{
			"engine":               eng.Name,
			"consecutive_failures": streak,
			"error":                err.Error(),
		})
	}
}

func (m *Monitor) probeOnce(ctx context.Context, eng *models.Engine) error {
	target := strings.TrimSuffix(eng.URL, "/") + eng.HealthEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create probe: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

// ── Queries ──────────────────────────────────────────────────

// GetHealth returns a copy of one engine's health, or an unknown-status
// placeholder if the engine has never been probed.
func (m *Monitor) GetHealth(engine string) models.EngineHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.health[engine]; ok {
		return *h
	}
	return models.EngineHealth{Engine: engine, Status: models.EngineUnknown}
}

// Snapshot returns copies of every engine's current health.
func (m *Monitor) Snapshot() map[string]models.EngineHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.EngineHealth, len(m.health))
	for name, h := range m.health {
		out[name] = *h
	}
	return out
}

// GetHealthy selects the best available engine for a complexity tier.
// Candidate order: the caller's soft preference, then the routing
// policy's preferred and fallback engines, then everything else. Fully
// healthy engines win; a degraded (or never-probed) engine is used when
// nothing is healthy; "" means every engine is unhealthy.
func (m *Monitor) GetHealthy(preferred, complexity string) string {
	reg := m.registry.Current()
	if reg == nil {
		return ""
	}

	var candidates []string
	seen := map[string]bool{}
	add := func(name string) {
		if name == "" {
			return
		}
		// Only declared engines are candidates; a stray preference
		// must not route traffic nowhere.
		canonical := ""
		for key := range reg.Engines {
			if strings.EqualFold(key, name) {
				canonical = key
				break
			}
		}
		if canonical == "" || seen[canonical] {
			return
		}
		seen[canonical] = true
		candidates = append(candidates, canonical)
	}

	add(preferred)
	if rule, ok := reg.Routing[complexity]; ok {
		add(rule.Preferred)
		add(rule.Fallback)
	}
	for name := range reg.Engines {
		add(name)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, wanted := range []string{models.EngineHealthy, models.EngineDegraded, models.EngineUnknown} {
		for _, name := range candidates {
			h, ok := m.health[name]
			status := models.EngineUnknown
			if ok {
				status = h.Status
			}
			if status == wanted {
				return name
			}
		}
	}
	return ""
}
