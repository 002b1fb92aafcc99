package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/profile"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakePurchaser struct {
	mu      sync.Mutex
	active  bool
	started int
	err     error
}

func (f *fakePurchaser) ActiveBuyer() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakePurchaser) StartPurchase(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.err != nil {
		return "tx-failed", f.err
	}
	f.active = true
	return "tx-1", nil
}

func (f *fakePurchaser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func newProfile(t *testing.T, energy, capacity float64) *profile.Store {
	t.Helper()
	p, err := profile.New(domain.AgentProfile{
		AgentID:          "household-agent-01",
		AgentType:        domain.AgentTypeHousehold,
		CurrentEnergyKWh: energy,
		MaxCapacityKWh:   capacity,
	})
	if err != nil {
		t.Fatalf("profile.New() error = %v", err)
	}
	return p
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		energy float64
		want   domain.Role
	}{
		{name: "empty", energy: 0, want: domain.RoleBuyer},
		{name: "low", energy: 2.25, want: domain.RoleBuyer},
		{name: "at low threshold", energy: 4.5, want: domain.RoleIdle},
		{name: "middle", energy: 7.5, want: domain.RoleIdle},
		{name: "at high threshold", energy: 10.5, want: domain.RoleIdle},
		{name: "high", energy: 14, want: domain.RoleSeller},
		{name: "full", energy: 15, want: domain.RoleSeller},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := domain.AgentProfile{CurrentEnergyKWh: tt.energy, MaxCapacityKWh: 15}
			if got := Decide(p, DefaultThresholds); got != tt.want {
				t.Errorf("Decide(%v/15) = %v, want %v", tt.energy, got, tt.want)
			}
		})
	}
}

func TestTick_BuyerStartsPurchaseOnce(t *testing.T) {
	p := newProfile(t, 2.25, 15)
	purchaser := &fakePurchaser{}
	s := New(p, purchaser, Settings{Thresholds: DefaultThresholds}, discard)

	role, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if role != domain.RoleBuyer {
		t.Errorf("Tick() role = %v, want BUYER", role)
	}
	if p.Role() != domain.RoleBuyer {
		t.Errorf("profile role = %v, want BUYER", p.Role())
	}

	// The purchase is still in flight, so the next tick does not start another.
	s.Tick(context.Background())
	if purchaser.count() != 1 {
		t.Errorf("StartPurchase calls = %d, want 1", purchaser.count())
	}
}

func TestTick_SellerAndIdleDoNotBuy(t *testing.T) {
	tests := []struct {
		name   string
		energy float64
		want   domain.Role
	}{
		{name: "seller", energy: 14, want: domain.RoleSeller},
		{name: "idle", energy: 7, want: domain.RoleIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			purchaser := &fakePurchaser{}
			s := New(newProfile(t, tt.energy, 15), purchaser, Settings{Thresholds: DefaultThresholds}, discard)

			role, err := s.Tick(context.Background())
			if err != nil {
				t.Fatalf("Tick() error = %v", err)
			}
			if role != tt.want {
				t.Errorf("Tick() role = %v, want %v", role, tt.want)
			}
			if purchaser.count() != 0 {
				t.Errorf("StartPurchase calls = %d, want 0", purchaser.count())
			}
		})
	}
}

func TestTick_FailedPurchaseKeepsBuyer(t *testing.T) {
	p := newProfile(t, 1, 15)
	purchaser := &fakePurchaser{err: domain.ErrUnreachable("http://registry:9000", errors.New("refused"))}
	s := New(p, purchaser, Settings{Thresholds: DefaultThresholds}, discard)

	if _, err := s.Tick(context.Background()); !errors.Is(err, domain.ErrUnreachableCounterparty) {
		t.Fatalf("Tick() error = %v, want unreachable_counterparty", err)
	}
	if p.Role() != domain.RoleBuyer {
		t.Errorf("profile role = %v, want BUYER", p.Role())
	}

	// Retried on the next tick.
	s.Tick(context.Background())
	if purchaser.count() != 2 {
		t.Errorf("StartPurchase calls = %d, want 2", purchaser.count())
	}
}

func TestTick_AppliesDrift(t *testing.T) {
	p := newProfile(t, 4.52, 15)
	s := New(p, &fakePurchaser{}, Settings{Thresholds: DefaultThresholds, DriftKWh: -0.03}, discard)

	role, _ := s.Tick(context.Background())
	if got := p.Snapshot().CurrentEnergyKWh; got < 4.489 || got > 4.491 {
		t.Errorf("energy after drift = %v, want 4.49", got)
	}
	if role != domain.RoleBuyer {
		t.Errorf("Tick() role = %v, want BUYER once drift crosses the threshold", role)
	}
}

func TestTick_DriftClampedToCapacity(t *testing.T) {
	p := newProfile(t, 14.99, 15)
	s := New(p, &fakePurchaser{}, Settings{Thresholds: DefaultThresholds, DriftKWh: 0.02}, discard)

	s.Tick(context.Background())
	if got := p.Snapshot().CurrentEnergyKWh; got != 15 {
		t.Errorf("energy = %v, want 15", got)
	}
}

func TestSetSettings(t *testing.T) {
	p := newProfile(t, 6, 15)
	s := New(p, &fakePurchaser{}, Settings{Thresholds: DefaultThresholds}, discard)

	if role, _ := s.Tick(context.Background()); role != domain.RoleIdle {
		t.Fatalf("Tick() role = %v, want IDLE", role)
	}

	s.SetSettings(Settings{Thresholds: Thresholds{Low: 0.5, High: 0.9}})
	if role, _ := s.Tick(context.Background()); role != domain.RoleBuyer {
		t.Errorf("Tick() role after reload = %v, want BUYER", role)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	purchaser := &fakePurchaser{}
	s := New(newProfile(t, 1, 15), purchaser, Settings{Thresholds: DefaultThresholds}, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for purchaser.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run() never ticked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
