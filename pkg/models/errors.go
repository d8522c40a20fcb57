package models

import "fmt"

// ConfigError means the registry document could not be parsed or is
// structurally invalid. The last-known-good snapshot is retained when
// this happens on reload.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("registry config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// UnknownTargetError means a named agent, action, chain, or engine does
// not exist in the current snapshot. Never retried.
type UnknownTargetError struct {
	Entity string
	Key    string
}

func (e *UnknownTargetError) Error() string {
	return "unknown " + e.Entity + ": " + e.Key
}

// EngineUnavailableError means no engine usable for the request could
// be found. Maps to 503.
type EngineUnavailableError struct {
	Complexity string
	Reason     string
}

func (e *EngineUnavailableError) Error() string {
	if e.Reason != "" {
		return "no healthy engine for " + e.Complexity + " request: " + e.Reason
	}
	return "no healthy engine for " + e.Complexity + " request"
}
