// Package server provides the public entry point for initializing the
// orchestrator.
//
// This package exists in pkg/ (not internal/) so the orchestrator can
// be embedded in a larger process or composed with extra middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8090", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentfleet/orchestrator/internal/api"
	"github.com/agentfleet/orchestrator/internal/api/handlers"
	"github.com/agentfleet/orchestrator/internal/config"
	"github.com/agentfleet/orchestrator/internal/drift"
	"github.com/agentfleet/orchestrator/internal/events"
	"github.com/agentfleet/orchestrator/internal/executor"
	"github.com/agentfleet/orchestrator/internal/health"
	"github.com/agentfleet/orchestrator/internal/registry"
	"github.com/agentfleet/orchestrator/internal/router"
	"github.com/agentfleet/orchestrator/internal/telemetry"
	"github.com/agentfleet/orchestrator/pkg/models"
)

// Server holds the initialized orchestrator.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Registry is the live registry store, exposed for embedders.
	Registry *registry.Store

	// Config is the effective configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown; it stops the
	// background monitors and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all orchestrator components from the environment and
// returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the orchestrator with an explicit
// configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	pub := events.NewPublisher(cfg.Events.SinkURL, "agentfleet-orchestrator", cfg.Events.Timeout)
	if pub.Enabled() {
		log.Info().Str("sink", cfg.Events.SinkURL).Msg("Event publishing enabled")
	}

	reg := registry.NewStore(cfg.Registry.Path, cfg.Registry.TTL)
	reg.SetOnReload(func(snapshot *models.Registry) {
		pub.Publish(models.EventRegistryReloaded, map[string]any{
			"version": snapshot.Version,
			"agents":  len(snapshot.Agents),
			"chains":  len(snapshot.Chains),
			"issues":  len(snapshot.Issues),
		})
	})
	if _, err := reg.Load(true); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	log.Info().Str("path", cfg.Registry.Path).Msg("Registry loaded")

	if cfg.Registry.Watch {
		if err := reg.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("Registry file watch unavailable, TTL reload only")
		}
	}

	hm := health.NewMonitor(reg, cfg.Health)
	hm.SetAlertFunc(pub.Publish)
	hm.Start(ctx)

	dd := drift.NewDetector(reg, pub, cfg.Drift)
	dd.Start(ctx)

	steps := executor.NewStepExecutor(reg)
	chains := executor.NewChainExecutor(reg, steps)
	rt := router.New(reg, hm, chains, steps, pub)

	h := handlers.New(cfg, reg, rt, hm, dd)

	return &Server{
		Handler:  api.NewRouter(h),
		Registry: reg,
		Config:   cfg,
		Port:     cfg.Port,
		ShutdownFunc: func(ctx context.Context) error {
			dd.Stop()
			hm.Stop()
			reg.Close()
			return telemetryShutdown(ctx)
		},
	}, nil
}
