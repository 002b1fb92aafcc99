// Package profile owns the mutable AgentProfile of a single agent.
package profile

import (
	"fmt"
	"sync"

	"github.com/tjfontaine/gridtrade/internal/domain"
)

// Store guards one agent's profile. All writers go through Update so that
// read-modify-write sequences never interleave.
type Store struct {
	mu sync.RWMutex
	p  domain.AgentProfile
}

// New validates the initial profile and returns a store for it.
func New(p domain.AgentProfile) (*Store, error) {
	if p.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if !p.AgentType.Valid() {
		return nil, fmt.Errorf("unknown agent type %q", p.AgentType)
	}
	if p.MaxCapacityKWh <= 0 {
		return nil, fmt.Errorf("max capacity must be positive, got %v", p.MaxCapacityKWh)
	}
	if p.CurrentEnergyKWh < 0 || p.CurrentEnergyKWh > p.MaxCapacityKWh {
		return nil, fmt.Errorf("current energy %v outside [0, %v]", p.CurrentEnergyKWh, p.MaxCapacityKWh)
	}
	if p.Role == "" {
		p.Role = domain.RoleIdle
	}
	return &Store{p: p}, nil
}

// AgentID returns the immutable id of the owning agent.
func (s *Store) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.AgentID
}

// Snapshot returns a copy of the current profile.
func (s *Store) Snapshot() domain.AgentProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

// Role returns the active role.
func (s *Store) Role() domain.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p.Role
}

// SetRole records the supervisor's decision and returns the previous role.
func (s *Store) SetRole(r domain.Role) domain.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.p.Role
	s.p.Role = r
	return prev
}

// SetPrice updates the listed price.
func (s *Store) SetPrice(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p.PricePerKWh = price
}

// Update runs fn with exclusive access to the profile and returns the
// resulting snapshot. Energy is clamped to [0, max] afterwards.
func (s *Store) Update(fn func(p *domain.AgentProfile)) domain.AgentProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.p)
	s.p.CurrentEnergyKWh = clamp(s.p.CurrentEnergyKWh, 0, s.p.MaxCapacityKWh)
	return s.p
}

// Adjust shifts stored energy by delta, clamped to capacity. It models
// consumption and generation between ticks and does not count as a trade.
func (s *Store) Adjust(delta float64) domain.AgentProfile {
	return s.Update(func(p *domain.AgentProfile) {
		p.CurrentEnergyKWh += delta
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
