// Package supervisor periodically decides an agent's trading role from its
// stored energy and starts purchases when the agent runs low.
package supervisor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/metrics"
	"github.com/tjfontaine/gridtrade/internal/profile"
)

// Thresholds are fractions of capacity. Below Low the agent buys, above
// High it sells.
type Thresholds struct {
	Low  float64
	High float64
}

// DefaultThresholds are 30% and 70% of capacity.
var DefaultThresholds = Thresholds{Low: 0.30, High: 0.70}

// Decide maps a profile to a role.
func Decide(p domain.AgentProfile, t Thresholds) domain.Role {
	switch {
	case p.CurrentEnergyKWh < t.Low*p.MaxCapacityKWh:
		return domain.RoleBuyer
	case p.CurrentEnergyKWh > t.High*p.MaxCapacityKWh:
		return domain.RoleSeller
	default:
		return domain.RoleIdle
	}
}

// Purchaser starts buyer transactions.
type Purchaser interface {
	ActiveBuyer() bool
	StartPurchase(ctx context.Context) (string, error)
}

// Settings are the reloadable parameters of a supervisor.
type Settings struct {
	Thresholds Thresholds
	// DriftKWh is added to stored energy on every tick to simulate
	// generation (positive) or consumption (negative).
	DriftKWh float64
}

// Supervisor owns the role field of one agent's profile.
type Supervisor struct {
	profile   *profile.Store
	purchaser Purchaser
	settings  atomic.Pointer[Settings]
	logger    *slog.Logger
}

// New creates a supervisor. A nil logger uses slog.Default().
func New(p *profile.Store, purchaser Purchaser, s Settings, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	sv := &Supervisor{
		profile:   p,
		purchaser: purchaser,
		logger:    logger.With(slog.String("agent_id", p.AgentID())),
	}
	sv.settings.Store(&s)
	return sv
}

// SetSettings replaces thresholds and drift; the next tick uses them.
func (s *Supervisor) SetSettings(settings Settings) {
	s.settings.Store(&settings)
	s.logger.Info("supervisor settings updated",
		slog.Float64("low_threshold", settings.Thresholds.Low),
		slog.Float64("high_threshold", settings.Thresholds.High),
		slog.Float64("drift_kwh", settings.DriftKWh))
}

// Settings returns the active settings.
func (s *Supervisor) Settings() Settings {
	return *s.settings.Load()
}

// Tick applies drift, decides the role and, for a buyer without a purchase
// in flight, starts one. A failed purchase is retried on a later tick.
func (s *Supervisor) Tick(ctx context.Context) (domain.Role, error) {
	settings := s.Settings()

	snap := s.profile.Snapshot()
	if settings.DriftKWh != 0 {
		snap = s.profile.Adjust(settings.DriftKWh)
	}
	metrics.SetAgentEnergy(snap.AgentID, snap.CurrentEnergyKWh)

	role := Decide(snap, settings.Thresholds)
	if prev := s.profile.SetRole(role); prev != role {
		s.logger.Info("role changed",
			slog.String("from", string(prev)),
			slog.String("to", string(role)),
			slog.Float64("current_energy_kwh", snap.CurrentEnergyKWh),
			slog.Float64("state_of_charge", snap.StateOfCharge()))
	}

	if role != domain.RoleBuyer {
		return role, nil
	}
	if s.purchaser.ActiveBuyer() {
		s.logger.Debug("purchase already in flight")
		return role, nil
	}

	txID, err := s.purchaser.StartPurchase(ctx)
	if err != nil {
		s.logger.Warn("purchase failed to start",
			slog.String("transaction_id", txID),
			slog.String("error", err.Error()))
		return role, err
	}
	s.logger.Info("purchase started by supervisor",
		slog.String("transaction_id", txID),
		slog.Float64("current_energy_kwh", snap.CurrentEnergyKWh))
	return role, nil
}

// Run ticks every interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("supervisor started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return nil
		case <-ticker.C:
			// Errors are logged by Tick and retried on the next interval.
			_, _ = s.Tick(ctx)
		}
	}
}
