package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/gridtrade/internal/config"
	"github.com/tjfontaine/gridtrade/internal/storage"
	"github.com/tjfontaine/gridtrade/internal/storage/memory"
	"github.com/tjfontaine/gridtrade/internal/storage/sqlite"
)

// AgentOption is a functional option for configuring an Agent.
type AgentOption func(*Agent) error

// WithAgentLogger sets the logger.
func WithAgentLogger(logger *slog.Logger) AgentOption {
	return func(a *Agent) error {
		a.logger = logger
		return nil
	}
}

// WithStore uses an existing store instead of opening the configured one.
// The caller keeps ownership and closes it.
func WithStore(store storage.Store) AgentOption {
	return func(a *Agent) error {
		a.store = store
		return nil
	}
}

// WithFileConfig watches path and applies reloadable settings when it
// changes.
func WithFileConfig(path string) AgentOption {
	return func(a *Agent) error {
		if path == "" {
			return fmt.Errorf("config path cannot be empty")
		}
		a.configPath = path
		return nil
	}
}

// WithHTTPClient sets the client used for counterparty and registry calls.
func WithHTTPClient(c *http.Client) AgentOption {
	return func(a *Agent) error {
		a.httpClient = c
		return nil
	}
}

// RegistryOption is a functional option for configuring a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryHTTPClient sets the client used for broadcast deliveries.
func WithRegistryHTTPClient(c *http.Client) RegistryOption {
	return func(r *Registry) {
		r.httpClient = c
	}
}

// openStore opens the configured backend.
func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		s, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLite.Path, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
