package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/storage"
)

type entryKey struct {
	agentID       string
	transactionID string
}

// Store is an in-memory implementation of storage.Store
type Store struct {
	mu        sync.RWMutex
	entries   []domain.LedgerEntry
	seen      map[entryKey]bool
	contracts map[string]domain.Contract
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		seen:      make(map[entryKey]bool),
		contracts: make(map[string]domain.Contract),
	}
}

func (s *Store) RecordEntry(ctx context.Context, e domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{agentID: e.AgentID, transactionID: e.TransactionID}
	if s.seen[key] {
		return nil
	}
	s.seen[key] = true
	e.Duplicate = false
	s.entries = append(s.entries, e)
	return nil
}

func (s *Store) ListEntries(ctx context.Context, agentID string) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.LedgerEntry
	for _, e := range s.entries {
		if e.AgentID == agentID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *Store) SaveContract(ctx context.Context, c domain.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contracts[c.TransactionID]; exists {
		return nil
	}
	s.contracts[c.TransactionID] = c
	return nil
}

func (s *Store) GetContract(ctx context.Context, transactionID string) (*domain.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.contracts[transactionID]
	if !exists {
		return nil, fmt.Errorf("contract %s: %w", transactionID, storage.ErrNotFound)
	}
	return &c, nil
}

func (s *Store) ListContracts(ctx context.Context, agentID string, limit int) ([]domain.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Contract
	for _, c := range s.contracts {
		if agentID != "" && c.BuyerID != agentID && c.SellerID != agentID {
			continue
		}
		result = append(result, c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ConfirmedAt.After(result[j].ConfirmedAt)
	})

	if limit <= 0 {
		limit = 100
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) Close() error {
	return nil
}
