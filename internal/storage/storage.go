// Package storage defines the persistence ports used by the ledger and the
// negotiation engine.
package storage

import (
	"context"
	"errors"

	"github.com/tjfontaine/gridtrade/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// LedgerStore persists applied ledger entries so that the applied set
// survives restarts.
type LedgerStore interface {
	// RecordEntry stores an applied entry. Recording the same transaction id
	// twice for one agent is a no-op.
	RecordEntry(ctx context.Context, entry domain.LedgerEntry) error

	// ListEntries returns all entries for an agent in application order.
	ListEntries(ctx context.Context, agentID string) ([]domain.LedgerEntry, error)
}

// ContractStore archives confirmed contracts.
type ContractStore interface {
	// SaveContract stores a contract keyed by transaction id. Saving the same
	// transaction twice keeps the first record.
	SaveContract(ctx context.Context, c domain.Contract) error

	// GetContract returns the contract for a transaction or ErrNotFound.
	GetContract(ctx context.Context, transactionID string) (*domain.Contract, error)

	// ListContracts returns contracts involving agentID, newest first.
	ListContracts(ctx context.Context, agentID string, limit int) ([]domain.Contract, error)
}

// Store combines every port a single agent needs.
type Store interface {
	LedgerStore
	ContractStore

	// Close closes the storage connection
	Close() error
}
