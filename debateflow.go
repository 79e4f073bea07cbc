// Package debateflow provides a top-level convenience entry point for running
// multi-model debates with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/debateflow"
//
//	eng, err := debateflow.New(nil, debateflow.Options{
//	    Store:   store.NewMemoryStore(),
//	    Gateway: gw, // providers registered by the caller
//	})
//	eng.Start()
//	id, err := eng.Submit(ctx, debateflow.SubmitRequest{
//	    Domain:       "finance",
//	    InputContent: "should we raise subscription prices",
//	})
//
// This is a thin wrapper around [engine.New]; both produce identical results.
// Use this package when you prefer the shorter import path.
package debateflow

import (
	"github.com/BaSui01/debateflow/config"
	"github.com/BaSui01/debateflow/engine"
)

// Engine runs debates submitted through [Engine.Submit].
type Engine = engine.Engine

// Options carries the engine's dependencies.
type Options = engine.Options

// SubmitRequest describes one task submission.
type SubmitRequest = engine.SubmitRequest

// Config is the full service configuration.
type Config = config.Config

// New assembles an engine from configuration. A nil config uses defaults.
func New(cfg *Config, opts Options) (*Engine, error) {
	return engine.New(cfg, opts)
}

// LoadConfig loads configuration from an optional YAML path plus
// DEBATEFLOW-prefixed environment variables.
func LoadConfig(path string) (*Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	return loader.Load()
}
