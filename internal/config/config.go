// Package config loads registry and agent configuration from a YAML file and
// GRIDTRADE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore, e.g. GRIDTRADE_AGENT__PRICE_PER_KWH.
const EnvPrefix = "GRIDTRADE_"

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Registry    RegistryConfig    `koanf:"registry"`
	Agent       AgentConfig       `koanf:"agent"`
	Supervisor  SupervisorConfig  `koanf:"supervisor"`
	Negotiation NegotiationConfig `koanf:"negotiation"`
	Simulation  SimulationConfig  `koanf:"simulation"`
	Storage     StorageConfig     `koanf:"storage"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type RegistryConfig struct {
	URL             string        `koanf:"url"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
	RegisterRetries int           `koanf:"register_retries"`
}

// AgentConfig describes the agent's identity and trading parameters.
type AgentConfig struct {
	ID                string  `koanf:"id"`
	Type              string  `koanf:"type"` // household, utility
	URL               string  `koanf:"url"`
	MaxCapacityKWh    float64 `koanf:"max_capacity_kwh"`
	InitialSoCPercent float64 `koanf:"initial_soc_percent"`
	PricePerKWh       float64 `koanf:"price_per_kwh"`
	LotKWh            float64 `koanf:"lot_kwh"`
	ReservePercent    float64 `koanf:"reserve_percent"`
}

type SupervisorConfig struct {
	Interval      time.Duration `koanf:"interval"`
	LowThreshold  float64       `koanf:"low_threshold"`
	HighThreshold float64       `koanf:"high_threshold"`
}

type NegotiationConfig struct {
	OfferWindow    time.Duration `koanf:"offer_window"`
	TransactionTTL time.Duration `koanf:"transaction_ttl"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// PublicOnly refuses deliveries to loopback and private addresses.
	PublicOnly     bool          `koanf:"public_only"`
}

type SimulationConfig struct {
	OfflineProbability float64 `koanf:"offline_probability"`
	DriftKWh           float64 `koanf:"drift_kwh"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// typeDefaults are the trading parameters of each agent type.
var typeDefaults = map[string]map[string]any{
	"household": {
		"agent.max_capacity_kwh":    15.0,
		"agent.initial_soc_percent": 15.0,
		"agent.price_per_kwh":       0.15,
		"agent.lot_kwh":             10.0,
		"agent.reserve_percent":     20.0,
	},
	"utility": {
		"agent.max_capacity_kwh":    999999.0,
		"agent.initial_soc_percent": 100.0,
		"agent.price_per_kwh":       0.25,
		"agent.lot_kwh":             500.0,
		"agent.reserve_percent":     0.0,
	},
}

var defaults = map[string]any{
	"server.port":                     8000,
	"registry.url":                    "http://localhost:9000",
	"registry.delivery_timeout":       "10s",
	"registry.register_retries":       5,
	"agent.id":                        "household-agent-01",
	"agent.type":                      "household",
	"agent.url":                       "http://localhost:8000",
	"supervisor.interval":             "20s",
	"supervisor.low_threshold":        0.30,
	"supervisor.high_threshold":       0.70,
	"negotiation.offer_window":        "5s",
	"negotiation.transaction_ttl":     "2m",
	"negotiation.sweep_interval":      "15s",
	"negotiation.request_timeout":     "10s",
	"negotiation.public_only":         false,
	"simulation.offline_probability":  0.30,
	"storage.type":                    "sqlite",
	"storage.sqlite.path":             "gridtrade.db",
	"telemetry.enabled":               false,
	"telemetry.service_name":          "gridtrade",
}

// Load reads path (a missing file is not an error), applies environment
// overrides and fills in defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}
	agentType := k.String("agent.type")
	for key, v := range typeDefaults[agentType] {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}
	if !k.Exists("simulation.drift_kwh") {
		k.Set("simulation.drift_kwh", defaultDrift(agentType, k.Float64("agent.initial_soc_percent")))
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defaultDrift models households that start charged as net generators and
// the rest as net consumers. The utility does not drift.
func defaultDrift(agentType string, initialSoC float64) float64 {
	switch {
	case agentType == "utility":
		return 0
	case initialSoC > 50:
		return 0.02
	default:
		return -0.03
	}
}

// Validate checks values that would make an agent misbehave.
func (c *Config) Validate() error {
	if _, ok := typeDefaults[c.Agent.Type]; !ok {
		return fmt.Errorf("agent.type must be household or utility, got %q", c.Agent.Type)
	}
	if c.Agent.MaxCapacityKWh <= 0 {
		return fmt.Errorf("agent.max_capacity_kwh must be positive")
	}
	if c.Agent.InitialSoCPercent < 0 || c.Agent.InitialSoCPercent > 100 {
		return fmt.Errorf("agent.initial_soc_percent must be within [0, 100]")
	}
	if c.Agent.PricePerKWh <= 0 || c.Agent.LotKWh <= 0 {
		return fmt.Errorf("agent.price_per_kwh and agent.lot_kwh must be positive")
	}
	if c.Agent.ReservePercent < 0 || c.Agent.ReservePercent > 100 {
		return fmt.Errorf("agent.reserve_percent must be within [0, 100]")
	}
	s := c.Supervisor
	if s.LowThreshold < 0 || s.HighThreshold > 1 || s.LowThreshold >= s.HighThreshold {
		return fmt.Errorf("supervisor thresholds must satisfy 0 <= low < high <= 1, got %v/%v", s.LowThreshold, s.HighThreshold)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("supervisor.interval must be positive")
	}
	n := c.Negotiation
	if n.OfferWindow <= 0 || n.TransactionTTL <= 0 || n.SweepInterval <= 0 {
		return fmt.Errorf("negotiation durations must be positive")
	}
	if n.TransactionTTL <= n.OfferWindow {
		return fmt.Errorf("negotiation.transaction_ttl (%s) must exceed negotiation.offer_window (%s)", n.TransactionTTL, n.OfferWindow)
	}
	if p := c.Simulation.OfflineProbability; p < 0 || p > 1 {
		return fmt.Errorf("simulation.offline_probability must be within [0, 1]")
	}
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.type must be sqlite or memory, got %q", c.Storage.Type)
	}
	return nil
}

// InitialEnergyKWh returns the starting stored energy.
func (a AgentConfig) InitialEnergyKWh() float64 {
	return a.InitialSoCPercent / 100 * a.MaxCapacityKWh
}

// ReserveKWh returns the energy a seller keeps for itself.
func (a AgentConfig) ReserveKWh() float64 {
	return a.ReservePercent / 100 * a.MaxCapacityKWh
}
