package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the orchestrator process.
type Config struct {
	Port    int
	Version string

	Registry  RegistryConfig
	Execution ExecutionConfig
	Health    HealthConfig
	Drift     DriftConfig
	Events    EventsConfig
	Telemetry TelemetryConfig
}

type RegistryConfig struct {
	// Path to the YAML registry document.
	Path string
	// TTL after which Load(false) re-reads the document.
	TTL time.Duration
	// Watch enables fsnotify-driven reload on file change.
	Watch bool
}

type ExecutionConfig struct {
	DefaultTimeout   time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	MaxParallelCalls int
}

type HealthConfig struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
}

type DriftConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

type EventsConfig struct {
	// SinkURL is the external event sink endpoint. Empty disables publishing.
	SinkURL string
	Timeout time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ORCHESTRATOR_PORT", 8090),
		Version: envStr("ORCHESTRATOR_VERSION", "0.2.0"),
		Registry: RegistryConfig{
			Path:  envStr("ORCHESTRATOR_REGISTRY_PATH", "registry.yaml"),
			TTL:   envDur("ORCHESTRATOR_REGISTRY_TTL", 5*time.Minute),
			Watch: envBool("ORCHESTRATOR_REGISTRY_WATCH", true),
		},
		Execution: ExecutionConfig{
			DefaultTimeout:   envDur("ORCHESTRATOR_DEFAULT_TIMEOUT", 30*time.Second),
			RetryAttempts:    envInt("ORCHESTRATOR_RETRY_ATTEMPTS", 2),
			RetryDelay:       envDur("ORCHESTRATOR_RETRY_DELAY", 2*time.Second),
			MaxParallelCalls: envInt("ORCHESTRATOR_MAX_PARALLEL_CALLS", 5),
		},
		Health: HealthConfig{
			Interval:         envDur("ORCHESTRATOR_HEALTH_INTERVAL", 30*time.Second),
			ProbeTimeout:     envDur("ORCHESTRATOR_HEALTH_PROBE_TIMEOUT", 5*time.Second),
			FailureThreshold: envInt("ORCHESTRATOR_HEALTH_FAILURE_THRESHOLD", 3),
		},
		Drift: DriftConfig{
			Interval: envDur("ORCHESTRATOR_DRIFT_INTERVAL", 10*time.Minute),
			Timeout:  envDur("ORCHESTRATOR_DRIFT_TIMEOUT", 10*time.Second),
		},
		Events: EventsConfig{
			SinkURL: envStr("ORCHESTRATOR_EVENT_SINK_URL", ""),
			Timeout: envDur("ORCHESTRATOR_EVENT_TIMEOUT", 3*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agentfleet-orchestrator"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
