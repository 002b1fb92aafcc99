// Package runtime assembles the registry and agent processes and manages
// their lifecycle.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	agentapi "github.com/tjfontaine/gridtrade/internal/agent"
	"github.com/tjfontaine/gridtrade/internal/collector"
	"github.com/tjfontaine/gridtrade/internal/config"
	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/ledger"
	"github.com/tjfontaine/gridtrade/internal/metrics"
	"github.com/tjfontaine/gridtrade/internal/negotiation"
	"github.com/tjfontaine/gridtrade/internal/profile"
	"github.com/tjfontaine/gridtrade/internal/registry"
	"github.com/tjfontaine/gridtrade/internal/server"
	"github.com/tjfontaine/gridtrade/internal/storage"
	"github.com/tjfontaine/gridtrade/internal/supervisor"
	"github.com/tjfontaine/gridtrade/internal/transport"
)

const (
	shutdownTimeout   = 30 * time.Second
	firstRetryBackoff = time.Second
	maxRetryBackoff   = 30 * time.Second
)

// Agent is one trading participant: its HTTP surface, negotiation engine,
// ledger and role supervisor.
type Agent struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	httpClient *http.Client

	store     storage.Store
	ownsStore bool

	profile    *profile.Store
	ledger     *ledger.Ledger
	engine     *negotiation.Engine
	supervisor *supervisor.Supervisor
	registry   *registry.Client
	handler    *agentapi.Handler
	server     *server.Server
	watcher    *config.Watcher
}

// NewAgent builds an agent from cfg. Storage is opened here and closed when
// Run returns.
func NewAgent(cfg *config.Config, opts ...AgentOption) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Agent{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if a.store == nil {
		s, err := openStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		a.store, a.ownsStore = s, true
	}

	if err := a.build(); err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build() error {
	cfg := a.cfg
	logger := a.logger.With(slog.String("agent_id", cfg.Agent.ID))

	p, err := profile.New(domain.AgentProfile{
		AgentID:          cfg.Agent.ID,
		AgentType:        domain.AgentType(cfg.Agent.Type),
		CurrentEnergyKWh: cfg.Agent.InitialEnergyKWh(),
		MaxCapacityKWh:   cfg.Agent.MaxCapacityKWh,
		Role:             domain.RoleIdle,
		PricePerKWh:      cfg.Agent.PricePerKWh,
	})
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	a.profile = p

	a.ledger, err = ledger.New(context.Background(), p, a.store, a.logger)
	if err != nil {
		return err
	}

	sendOpts := []transport.ClientOption{transport.WithLogger(logger)}
	if cfg.Negotiation.PublicOnly {
		sendOpts = append(sendOpts, transport.WithPublicOnly())
	}
	regOpts := []registry.ClientOption{}
	colOpts := []collector.Option{collector.WithLogger(logger)}
	if a.httpClient != nil {
		sendOpts = append(sendOpts, transport.WithHTTPClient(a.httpClient))
		regOpts = append(regOpts, registry.WithHTTPClient(a.httpClient))
		colOpts = append(colOpts, collector.WithHTTPClient(a.httpClient))
	}
	sender := transport.NewClient(cfg.Negotiation.RequestTimeout, sendOpts...)
	a.registry = registry.NewClient(cfg.Registry.URL, regOpts...)

	a.engine = negotiation.New(
		negotiation.Config{
			AgentID:        cfg.Agent.ID,
			AgentURL:       cfg.Agent.URL,
			OfferWindow:    cfg.Negotiation.OfferWindow,
			TransactionTTL: cfg.Negotiation.TransactionTTL,
		},
		p, a.ledger, sender, a.registry, policyFrom(cfg),
		negotiation.WithLogger(a.logger),
		negotiation.WithContractStore(a.store),
	)
	a.supervisor = supervisor.New(p, a.engine, settingsFrom(cfg), a.logger)

	a.handler = agentapi.NewHandler(p, a.engine, a.store,
		agentapi.WithLogger(logger),
		agentapi.WithCollector(collector.New(a.registry, colOpts...)),
	)
	a.server = server.New(cfg.Server.Port, cfg.Telemetry.ServiceName+"-agent", a.logger)
	a.handler.Mount(a.server.Router)

	if a.configPath != "" {
		a.watcher, err = config.NewWatcher(a.configPath, cfg, a.logger)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
	}

	metrics.SetAgentEnergy(cfg.Agent.ID, p.Snapshot().CurrentEnergyKWh)
	return nil
}

func policyFrom(cfg *config.Config) negotiation.Policy {
	return negotiation.Policy{
		LotKWh:             cfg.Agent.LotKWh,
		ReserveKWh:         cfg.Agent.ReserveKWh(),
		OfflineProbability: cfg.Simulation.OfflineProbability,
	}
}

func settingsFrom(cfg *config.Config) supervisor.Settings {
	return supervisor.Settings{
		Thresholds: supervisor.Thresholds{
			Low:  cfg.Supervisor.LowThreshold,
			High: cfg.Supervisor.HighThreshold,
		},
		DriftKWh: cfg.Simulation.DriftKWh,
	}
}

// Router returns the agent's HTTP handler.
func (a *Agent) Router() http.Handler {
	return a.server.Router
}

// Profile returns the agent's profile store.
func (a *Agent) Profile() *profile.Store {
	return a.profile
}

// Engine returns the agent's negotiation engine.
func (a *Agent) Engine() *negotiation.Engine {
	return a.engine
}

// Run serves HTTP, registers with the registry and runs the supervisor and
// watchdog until ctx is done or one of them fails.
func (a *Agent) Run(ctx context.Context) error {
	defer a.closeStore()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := a.register(gctx); err != nil {
			return err
		}
		return a.supervisor.Run(gctx, a.cfg.Supervisor.Interval)
	})
	g.Go(func() error {
		return a.engine.RunWatchdog(gctx, a.cfg.Negotiation.SweepInterval)
	})

	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Watch(gctx, a.Reload)
		})
	}

	err := g.Wait()
	a.handler.Wait()
	a.engine.Close()
	a.logger.Info("agent stopped", slog.String("agent_id", a.cfg.Agent.ID))
	return err
}

// register announces the agent's URL, retrying with a doubling backoff.
func (a *Agent) register(ctx context.Context) error {
	attempts := max(a.cfg.Registry.RegisterRetries, 1)
	backoff := firstRetryBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = a.registry.Register(ctx, a.cfg.Agent.URL); err == nil {
			a.logger.Info("registered with registry",
				slog.String("registry_url", a.cfg.Registry.URL),
				slog.String("endpoint_uri", a.cfg.Agent.URL))
			return nil
		}

		a.logger.Warn("registration failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", err.Error()))
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
	return fmt.Errorf("register with %s: %w", a.cfg.Registry.URL, err)
}

// Reload applies the reloadable part of cfg: thresholds, drift, price and
// seller policy. Identity, port and storage changes need a restart.
func (a *Agent) Reload(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		a.logger.Error("reloaded config rejected", slog.String("error", err.Error()))
		return
	}
	if cfg.Agent.ID != a.cfg.Agent.ID || cfg.Agent.Type != a.cfg.Agent.Type ||
		cfg.Server.Port != a.cfg.Server.Port || cfg.Storage != a.cfg.Storage {
		a.logger.Warn("agent identity, port or storage changed; restart to apply")
	}

	a.supervisor.SetSettings(settingsFrom(cfg))
	a.engine.SetPolicy(policyFrom(cfg))
	a.profile.SetPrice(cfg.Agent.PricePerKWh)

	a.logger.Info("reload complete",
		slog.Float64("price_per_kwh", cfg.Agent.PricePerKWh),
		slog.Float64("lot_kwh", cfg.Agent.LotKWh))
}

func (a *Agent) closeStore() {
	if !a.ownsStore || a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close storage", slog.String("error", err.Error()))
	}
	a.ownsStore = false
}
