package profile

import (
	"sync"
	"testing"

	"github.com/tjfontaine/gridtrade/internal/domain"
)

func household(current float64) domain.AgentProfile {
	return domain.AgentProfile{
		AgentID:          "household-01",
		AgentType:        domain.AgentTypeHousehold,
		CurrentEnergyKWh: current,
		MaxCapacityKWh:   15,
		PricePerKWh:      0.15,
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *domain.AgentProfile)
		wantErr bool
	}{
		{name: "valid", mutate: func(p *domain.AgentProfile) {}},
		{name: "missing id", mutate: func(p *domain.AgentProfile) { p.AgentID = "" }, wantErr: true},
		{name: "bad type", mutate: func(p *domain.AgentProfile) { p.AgentType = "solar" }, wantErr: true},
		{name: "zero capacity", mutate: func(p *domain.AgentProfile) { p.MaxCapacityKWh = 0 }, wantErr: true},
		{name: "negative energy", mutate: func(p *domain.AgentProfile) { p.CurrentEnergyKWh = -1 }, wantErr: true},
		{name: "over capacity", mutate: func(p *domain.AgentProfile) { p.CurrentEnergyKWh = 16 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := household(5)
			tt.mutate(&p)
			_, err := New(p)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_DefaultsRoleToIdle(t *testing.T) {
	s, err := New(household(5))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := s.Role(); got != domain.RoleIdle {
		t.Errorf("Role() = %v, want IDLE", got)
	}
}

func TestStore_AdjustClamps(t *testing.T) {
	s, err := New(household(14))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := s.Adjust(5).CurrentEnergyKWh; got != 15 {
		t.Errorf("Adjust(+5) energy = %v, want 15", got)
	}
	if got := s.Adjust(-40).CurrentEnergyKWh; got != 0 {
		t.Errorf("Adjust(-40) energy = %v, want 0", got)
	}
}

func TestStore_SetRoleReturnsPrevious(t *testing.T) {
	s, _ := New(household(5))
	if prev := s.SetRole(domain.RoleBuyer); prev != domain.RoleIdle {
		t.Errorf("SetRole() prev = %v, want IDLE", prev)
	}
	if prev := s.SetRole(domain.RoleSeller); prev != domain.RoleBuyer {
		t.Errorf("SetRole() prev = %v, want BUYER", prev)
	}
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s, _ := New(household(0))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(func(p *domain.AgentProfile) {
				p.CurrentEnergyKWh += 0.1
				p.TransactionCount++
			})
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	if snap.TransactionCount != 100 {
		t.Errorf("TransactionCount = %d, want 100", snap.TransactionCount)
	}
	if snap.CurrentEnergyKWh < 9.99 || snap.CurrentEnergyKWh > 10.01 {
		t.Errorf("CurrentEnergyKWh = %v, want ~10", snap.CurrentEnergyKWh)
	}
}
