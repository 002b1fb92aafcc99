// Package gridtrade provides the public API for embedding a registry or a
// trading agent in another program.
package gridtrade

import (
	"github.com/tjfontaine/gridtrade/internal/config"
	"github.com/tjfontaine/gridtrade/internal/runtime"
)

// Agent is one trading participant.
// See internal/runtime.Agent for full documentation.
type Agent = runtime.Agent

// Registry is the discovery and broadcast service.
type Registry = runtime.Registry

// Config is the combined registry and agent configuration.
type Config = config.Config

// LoadConfig reads a YAML file and GRIDTRADE_ environment overrides.
var LoadConfig = config.Load

// NewAgent creates an agent from a loaded configuration.
// Example:
//
//	cfg, err := gridtrade.LoadConfig("config.yaml")
//	agent, err := gridtrade.NewAgent(cfg,
//	    gridtrade.WithFileConfig("config.yaml"),
//	)
//	err = agent.Run(ctx)
var NewAgent = runtime.NewAgent

// NewRegistry creates a registry from a loaded configuration.
var NewRegistry = runtime.NewRegistry

// AgentOption configures an Agent.
type AgentOption = runtime.AgentOption

// RegistryOption configures a Registry.
type RegistryOption = runtime.RegistryOption

// Agent options
var (
	WithAgentLogger = runtime.WithAgentLogger
	WithFileConfig  = runtime.WithFileConfig
	WithStore       = runtime.WithStore
	WithHTTPClient  = runtime.WithHTTPClient
)

// Registry options
var (
	WithRegistryLogger     = runtime.WithRegistryLogger
	WithRegistryHTTPClient = runtime.WithRegistryHTTPClient
)
