// Package ledger applies confirmed contracts to an agent's stored energy
// exactly once per transaction.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/metrics"
	"github.com/tjfontaine/gridtrade/internal/profile"
	"github.com/tjfontaine/gridtrade/internal/storage"
)

// Ledger mutates one agent's profile. The applied set and the profile update
// are changed together under mu, so concurrent transactions never interleave
// their read-modify-write and a transaction id is applied at most once.
type Ledger struct {
	mu      sync.Mutex
	profile *profile.Store
	store   storage.LedgerStore
	applied map[string]domain.LedgerEntry
	logger  *slog.Logger
}

// New creates a ledger for the agent owning p. When store is non-nil the
// applied set and the profile counters are restored from it.
func New(ctx context.Context, p *profile.Store, store storage.LedgerStore, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Ledger{
		profile: p,
		store:   store,
		applied: make(map[string]domain.LedgerEntry),
		logger:  logger,
	}

	if store != nil {
		if err := l.restore(ctx); err != nil {
			return nil, fmt.Errorf("restore ledger: %w", err)
		}
	}

	return l, nil
}

func (l *Ledger) restore(ctx context.Context) error {
	entries, err := l.store.ListEntries(ctx, l.profile.AgentID())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	l.profile.Update(func(p *domain.AgentProfile) {
		p.TotalPurchasedKWh, p.TotalSoldKWh, p.TransactionCount = 0, 0, 0
		for _, e := range entries {
			switch e.Direction {
			case domain.DirectionCredit:
				p.TotalPurchasedKWh += e.AppliedKWh
			case domain.DirectionDebit:
				p.TotalSoldKWh += e.AppliedKWh
			}
			p.TransactionCount++
		}
		p.CurrentEnergyKWh = entries[len(entries)-1].EnergyAfterKWh
	})

	for _, e := range entries {
		l.applied[e.TransactionID] = e
	}

	l.logger.Info("ledger restored",
		slog.String("agent_id", l.profile.AgentID()),
		slog.Int("entries", len(entries)))
	return nil
}

// Credit adds purchased energy, clamped at the agent's capacity.
func (l *Ledger) Credit(ctx context.Context, agentID string, quantityKWh float64, transactionID string) (domain.LedgerEntry, error) {
	return l.apply(ctx, domain.DirectionCredit, agentID, quantityKWh, transactionID)
}

// Debit removes sold energy, floored at zero.
func (l *Ledger) Debit(ctx context.Context, agentID string, quantityKWh float64, transactionID string) (domain.LedgerEntry, error) {
	return l.apply(ctx, domain.DirectionDebit, agentID, quantityKWh, transactionID)
}

// Applied returns the entry recorded for a transaction, if any.
func (l *Ledger) Applied(transactionID string) (domain.LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.applied[transactionID]
	return e, ok
}

func (l *Ledger) apply(ctx context.Context, dir domain.Direction, agentID string, quantityKWh float64, transactionID string) (domain.LedgerEntry, error) {
	if agentID != l.profile.AgentID() {
		return domain.LedgerEntry{}, domain.NewProtocolError(domain.ErrorTypeUnknownAgent,
			fmt.Sprintf("ledger belongs to %s, not %s", l.profile.AgentID(), agentID)).WithTransaction(transactionID)
	}
	if transactionID == "" {
		return domain.LedgerEntry{}, domain.ErrMalformed("transaction id is required")
	}
	if !(quantityKWh > 0) || math.IsInf(quantityKWh, 0) {
		return domain.LedgerEntry{}, domain.ErrMalformed(fmt.Sprintf("quantity must be positive, got %v", quantityKWh)).WithTransaction(transactionID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.applied[transactionID]; ok {
		metrics.RecordLedgerDuplicate(agentID)
		l.logger.Warn("duplicate ledger application ignored",
			slog.String("agent_id", agentID),
			slog.String("transaction_id", transactionID),
			slog.String("direction", string(dir)))
		prev.Duplicate = true
		return prev, nil
	}

	var applied float64
	snap := l.profile.Update(func(p *domain.AgentProfile) {
		switch dir {
		case domain.DirectionCredit:
			applied = math.Min(quantityKWh, p.MaxCapacityKWh-p.CurrentEnergyKWh)
			p.CurrentEnergyKWh += applied
			p.TotalPurchasedKWh += applied
		case domain.DirectionDebit:
			applied = math.Min(quantityKWh, p.CurrentEnergyKWh)
			p.CurrentEnergyKWh -= applied
			p.TotalSoldKWh += applied
		}
		p.TransactionCount++
	})

	entry := domain.LedgerEntry{
		TransactionID:  transactionID,
		AgentID:        agentID,
		Direction:      dir,
		RequestedKWh:   quantityKWh,
		AppliedKWh:     applied,
		EnergyAfterKWh: snap.CurrentEnergyKWh,
		CreatedAt:      time.Now().UTC(),
	}
	l.applied[transactionID] = entry

	metrics.RecordLedger(agentID, string(dir), applied, snap.CurrentEnergyKWh)

	attrs := []any{
		slog.String("agent_id", agentID),
		slog.String("transaction_id", transactionID),
		slog.String("direction", string(dir)),
		slog.Float64("requested_kwh", quantityKWh),
		slog.Float64("applied_kwh", applied),
		slog.Float64("energy_after_kwh", snap.CurrentEnergyKWh),
	}
	if applied < quantityKWh {
		l.logger.Warn("ledger application bounded by capacity", attrs...)
	} else {
		l.logger.Info("ledger applied", attrs...)
	}

	if l.store != nil {
		if err := l.store.RecordEntry(ctx, entry); err != nil {
			// The in-memory applied set stays authoritative for this process.
			l.logger.Error("failed to persist ledger entry",
				slog.String("transaction_id", transactionID),
				slog.String("error", err.Error()))
		}
	}

	return entry, nil
}
