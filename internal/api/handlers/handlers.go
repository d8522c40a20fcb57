// Package handlers implements the HTTP handlers for the orchestrator.
// All orchestration state lives in the registry store and the engine
// health monitor; handlers translate between HTTP and those components.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentfleet/orchestrator/internal/config"
	"github.com/agentfleet/orchestrator/internal/drift"
	"github.com/agentfleet/orchestrator/internal/health"
	"github.com/agentfleet/orchestrator/internal/registry"
	"github.com/agentfleet/orchestrator/internal/router"
	"github.com/agentfleet/orchestrator/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Config   *config.Config
	Registry *registry.Store
	Router   *router.Router
	Health   *health.Monitor
	Drift    *drift.Detector

	started time.Time
}

// New creates a new Handlers instance with all dependencies.
func New(cfg *config.Config, reg *registry.Store, rt *router.Router, hm *health.Monitor, dd *drift.Detector) *Handlers {
	return &Handlers{
		Config:   cfg,
		Registry: reg,
		Router:   rt,
		Health:   hm,
		Drift:    dd,
		started:  time.Now().UTC(),
	}
}

// ── Orchestration ────────────────────────────────────────────

func (h *Handlers) Orchestrate(w http.ResponseWriter, r *http.Request) {
	var intent models.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if intent.Chain == "" && len(intent.Steps) == 0 && intent.Text == "" {
		respondError(w, http.StatusBadRequest, "Intent must name a chain, carry steps, or carry text")
		return
	}

	result, err := h.Router.Orchestrate(r.Context(), &intent)
	if err != nil {
		respondRouteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Direct invokes a single agent action with no chain semantics and no
// engine routing.
func (h *Handlers) Direct(w http.ResponseWriter, r *http.Request) {
	agentName := chi.URLParam(r, "agentName")
	actionName := chi.URLParam(r, "actionName")

	params := map[string]any{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	if _, _, err := h.Registry.GetAction(agentName, actionName); err != nil {
		respondRouteError(w, err)
		return
	}

	result := h.Router.Direct(r.Context(), agentName, actionName, params)
	status := http.StatusOK
	if result.Status == models.StatusFailed {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, result)
}

// ── Introspection ────────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Registry.Load(false); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	agents := h.Registry.ListAgents()
	if agents == nil {
		agents = []models.AgentSummary{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Registry.GetAgent(chi.URLParam(r, "agentName"))
	if err != nil {
		respondRouteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) ListChains(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Registry.Load(false); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	chains := h.Registry.ListChains()
	if chains == nil {
		chains = []models.ChainSummary{}
	}
	respondJSON(w, http.StatusOK, chains)
}

func (h *Handlers) GetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.Registry.GetChain(chi.URLParam(r, "chainName"))
	if err != nil {
		respondRouteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chain)
}

// ── Health & Status ──────────────────────────────────────────

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "agentfleet-orchestrator",
	})
}

func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Config.Version,
		"service": "agentfleet-orchestrator",
	})
}

// Status reports the orchestrator's view of the world: registry
// snapshot, engine health, and the latest drift report.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	reg, err := h.Registry.Load(false)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := map[string]any{
		"service":    "agentfleet-orchestrator",
		"version":    h.Config.Version,
		"uptime_sec": int64(time.Since(h.started).Seconds()),
		"registry": map[string]any{
			"version":    reg.Version,
			"loaded_at":  reg.LoadedAt,
			"agents":     len(reg.Agents),
			"chains":     len(reg.Chains),
			"engines":    len(reg.Engines),
			"issues":     len(reg.Issues),
			"last_error": h.Registry.LastError(),
		},
		"engines": h.Health.Snapshot(),
	}
	if report := h.Drift.LastReport(); report != nil {
		status["drift"] = report
	}
	respondJSON(w, http.StatusOK, status)
}

// Reload forces a registry re-read regardless of TTL.
func (h *Handlers) Reload(w http.ResponseWriter, r *http.Request) {
	reg, err := h.Registry.Load(true)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Int64("version", reg.Version).Msg("Registry reloaded on request")
	respondJSON(w, http.StatusOK, map[string]any{
		"version":   reg.Version,
		"loaded_at": reg.LoadedAt,
		"agents":    len(reg.Agents),
		"chains":    len(reg.Chains),
		"issues":    reg.Issues,
	})
}

// ── Drift ────────────────────────────────────────────────────

func (h *Handlers) ValidateSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.Drift.ValidateSync(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// RepairDrift plans repairs for the latest drift report. With
// ?confirm=true the automatable ones are applied.
func (h *Handlers) RepairDrift(w http.ResponseWriter, r *http.Request) {
	report := h.Drift.LastReport()
	if report == nil {
		var err error
		report, err = h.Drift.ValidateSync(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if report.InSync {
		respondJSON(w, http.StatusOK, map[string]any{
			"in_sync": true,
			"actions": []models.RepairAction{},
		})
		return
	}

	confirm := r.URL.Query().Get("confirm") == "true"
	actions := h.Drift.AutoRepair(r.Context(), report.Issues, confirm)
	respondJSON(w, http.StatusOK, map[string]any{
		"in_sync":   false,
		"confirmed": confirm,
		"actions":   actions,
	})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondRouteError maps domain errors onto HTTP statuses.
func respondRouteError(w http.ResponseWriter, err error) {
	var unknown *models.UnknownTargetError
	if errors.As(err, &unknown) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	var unavailable *models.EngineUnavailableError
	if errors.As(err, &unavailable) {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	var cfgErr *models.ConfigError
	if errors.As(err, &cfgErr) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
