package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/storage"
)

func TestSQLiteStore_RecordEntry(t *testing.T) {
	// Use in-memory SQLite with shared cache for testing
	store, err := New("file:memdb1?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	entry := domain.LedgerEntry{
		TransactionID:  "tx-1",
		AgentID:        "household-01",
		Direction:      domain.DirectionCredit,
		RequestedKWh:   10,
		AppliedKWh:     10,
		EnergyAfterKWh: 12.25,
		CreatedAt:      time.Now().UTC(),
	}

	if err := store.RecordEntry(ctx, entry); err != nil {
		t.Fatalf("RecordEntry() error = %v", err)
	}
	// A repeat must not create a second row.
	if err := store.RecordEntry(ctx, entry); err != nil {
		t.Fatalf("RecordEntry() repeat error = %v", err)
	}

	entries, err := store.ListEntries(ctx, "household-01")
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ListEntries() count = %d, want 1", len(entries))
	}
	if entries[0].Direction != domain.DirectionCredit {
		t.Errorf("Direction = %v, want credit", entries[0].Direction)
	}
	if entries[0].EnergyAfterKWh != 12.25 {
		t.Errorf("EnergyAfterKWh = %v, want 12.25", entries[0].EnergyAfterKWh)
	}
}

func TestSQLiteStore_EntriesScopedByAgent(t *testing.T) {
	store, err := New("file:memdb2?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	for _, e := range []domain.LedgerEntry{
		{TransactionID: "tx-a", AgentID: "seller", Direction: domain.DirectionDebit, RequestedKWh: 1, AppliedKWh: 1, CreatedAt: now},
		{TransactionID: "tx-a", AgentID: "buyer", Direction: domain.DirectionCredit, RequestedKWh: 1, AppliedKWh: 1, CreatedAt: now},
		{TransactionID: "tx-b", AgentID: "seller", Direction: domain.DirectionDebit, RequestedKWh: 2, AppliedKWh: 2, CreatedAt: now},
	} {
		if err := store.RecordEntry(ctx, e); err != nil {
			t.Fatalf("RecordEntry() error = %v", err)
		}
	}

	entries, err := store.ListEntries(ctx, "seller")
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListEntries() count = %d, want 2", len(entries))
	}
	if entries[0].TransactionID != "tx-a" || entries[1].TransactionID != "tx-b" {
		t.Errorf("entries out of order: %v, %v", entries[0].TransactionID, entries[1].TransactionID)
	}
}

func TestSQLiteStore_Contracts(t *testing.T) {
	store, err := New("file:memdb3?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	contracts := []domain.Contract{
		{ContractID: "c-1", TransactionID: "tx-1", BuyerID: "h1", SellerID: "utility", AgreedQuantityKWh: 10, AgreedPricePerKWh: 0.25, ConfirmedAt: base},
		{ContractID: "c-2", TransactionID: "tx-2", BuyerID: "h2", SellerID: "h1", AgreedQuantityKWh: 5, AgreedPricePerKWh: 0.15, ConfirmedAt: base.Add(time.Minute)},
		{ContractID: "c-3", TransactionID: "tx-3", BuyerID: "h2", SellerID: "utility", AgreedQuantityKWh: 7, AgreedPricePerKWh: 0.25, ConfirmedAt: base.Add(2 * time.Minute)},
	}
	for _, c := range contracts {
		if err := store.SaveContract(ctx, c); err != nil {
			t.Fatalf("SaveContract() error = %v", err)
		}
	}

	got, err := store.GetContract(ctx, "tx-2")
	if err != nil {
		t.Fatalf("GetContract() error = %v", err)
	}
	if got.SellerID != "h1" || got.AgreedQuantityKWh != 5 {
		t.Errorf("GetContract() = %+v, want seller h1 quantity 5", got)
	}

	forH1, err := store.ListContracts(ctx, "h1", 0)
	if err != nil {
		t.Fatalf("ListContracts() error = %v", err)
	}
	if len(forH1) != 2 {
		t.Fatalf("ListContracts(h1) count = %d, want 2", len(forH1))
	}
	if forH1[0].TransactionID != "tx-2" {
		t.Errorf("ListContracts(h1)[0] = %v, want tx-2 (newest first)", forH1[0].TransactionID)
	}

	all, err := store.ListContracts(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListContracts() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListContracts(limit 2) count = %d, want 2", len(all))
	}

	_, err = store.GetContract(ctx, "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetContract(missing) error = %v, want ErrNotFound", err)
	}
}
