package offers

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/tjfontaine/gridtrade/internal/domain"
)

func offer(provider string, qty, price float64) domain.EnergyOffer {
	return domain.EnergyOffer{OfferID: "o-" + provider, ProviderID: provider, QuantityKWh: qty, PricePerKWh: price}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name   string
		offers []domain.EnergyOffer
		want   string
		wantOK bool
	}{
		{
			name:   "empty",
			wantOK: false,
		},
		{
			name:   "single",
			offers: []domain.EnergyOffer{offer("utility", 500, 0.25)},
			want:   "utility",
			wantOK: true,
		},
		{
			name:   "household cheaper than utility",
			offers: []domain.EnergyOffer{offer("utility", 500, 0.25), offer("household-02", 10, 0.15)},
			want:   "household-02",
			wantOK: true,
		},
		{
			name:   "tie keeps earliest arrival",
			offers: []domain.EnergyOffer{offer("a", 10, 0.15), offer("b", 20, 0.15), offer("c", 5, 0.20)},
			want:   "a",
			wantOK: true,
		},
		{
			name:   "later cheaper wins over earlier tie",
			offers: []domain.EnergyOffer{offer("a", 10, 0.15), offer("b", 10, 0.15), offer("c", 10, 0.10)},
			want:   "c",
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Select(tt.offers)
			if ok != tt.wantOK {
				t.Fatalf("Select() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.ProviderID != tt.want {
				t.Errorf("Select() provider = %v, want %v", got.ProviderID, tt.want)
			}
		})
	}
}

func TestSelect_UniqueMinimumAcrossRandomSets(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		n := rng.Intn(10) + 1
		prices := rng.Perm(100)[:n]

		set := make([]domain.EnergyOffer, n)
		minIdx := 0
		for i, p := range prices {
			set[i] = offer(fmt.Sprintf("p%d", i), 1, float64(p+1)/100)
			if prices[i] < prices[minIdx] {
				minIdx = i
			}
		}

		got, ok := Select(set)
		if !ok {
			t.Fatalf("round %d: Select() ok = false", round)
		}
		if got.ProviderID != set[minIdx].ProviderID {
			t.Fatalf("round %d: Select() = %v, want %v", round, got.ProviderID, set[minIdx].ProviderID)
		}
	}
}

func TestSelect_StableAcrossRuns(t *testing.T) {
	set := []domain.EnergyOffer{offer("x", 1, 0.2), offer("y", 1, 0.1), offer("z", 1, 0.1)}
	first, _ := Select(set)
	for i := 0; i < 100; i++ {
		got, _ := Select(set)
		if got.ProviderID != first.ProviderID {
			t.Fatalf("run %d: Select() = %v, want %v", i, got.ProviderID, first.ProviderID)
		}
	}
	if first.ProviderID != "y" {
		t.Errorf("Select() = %v, want y", first.ProviderID)
	}
}

func TestBook(t *testing.T) {
	b := NewBook()

	if !b.Add(offer("utility", 500, 0.25)) {
		t.Fatal("Add(utility) = false, want true")
	}
	if b.Add(offer("utility", 400, 0.20)) {
		t.Error("Add() accepted a second offer from the same provider")
	}
	if b.Add(offer("bad", 0, 0.1)) {
		t.Error("Add() accepted a zero quantity offer")
	}
	if !b.Add(offer("household-02", 10, 0.15)) {
		t.Fatal("Add(household-02) = false, want true")
	}

	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}

	winner, ok := b.Close()
	if !ok || winner.ProviderID != "household-02" {
		t.Errorf("Close() = %v, %v; want household-02", winner.ProviderID, ok)
	}

	if b.Add(offer("late", 10, 0.01)) {
		t.Error("Add() accepted an offer after Close()")
	}
}

func TestBook_CloseEmpty(t *testing.T) {
	if _, ok := NewBook().Close(); ok {
		t.Error("Close() on empty book ok = true, want false")
	}
}
