// Package offers collects competing energy offers for one transaction and
// picks the winner.
package offers

import (
	"sync"

	"github.com/tjfontaine/gridtrade/internal/domain"
)

// Select returns the offer with the lowest price per kWh. Offers are assumed
// to be in arrival order; among equal prices the earliest one wins. The
// boolean is false when there is nothing to select.
func Select(offers []domain.EnergyOffer) (domain.EnergyOffer, bool) {
	if len(offers) == 0 {
		return domain.EnergyOffer{}, false
	}

	best := offers[0]
	for _, o := range offers[1:] {
		// Strict comparison keeps the earlier offer on ties.
		if o.PricePerKWh < best.PricePerKWh {
			best = o
		}
	}
	return best, true
}

// Book accumulates offers for a single transaction in arrival order. Once
// closed it rejects late arrivals.
type Book struct {
	mu     sync.Mutex
	offers []domain.EnergyOffer
	seen   map[string]bool
	closed bool
}

// NewBook creates an empty, open book.
func NewBook() *Book {
	return &Book{seen: make(map[string]bool)}
}

// Add appends a valid offer. It reports false if the book is closed, the
// offer is invalid, or the provider already has an offer in the book.
func (b *Book) Add(o domain.EnergyOffer) bool {
	if !o.Valid() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.seen[o.ProviderID] {
		return false
	}
	b.seen[o.ProviderID] = true
	b.offers = append(b.offers, o)
	return true
}

// Len returns the number of collected offers.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.offers)
}

// Offers returns a copy of the collected offers in arrival order.
func (b *Book) Offers() []domain.EnergyOffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EnergyOffer, len(b.offers))
	copy(out, b.offers)
	return out
}

// Close stops collection and selects the winner.
func (b *Book) Close() (domain.EnergyOffer, bool) {
	b.mu.Lock()
	b.closed = true
	offers := b.offers
	b.mu.Unlock()

	return Select(offers)
}
