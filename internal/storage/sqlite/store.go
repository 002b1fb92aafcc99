package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/gridtrade/internal/domain"
	"github.com/tjfontaine/gridtrade/internal/storage"
)

// Store is a SQLite implementation of storage.Store
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			transaction_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			requested_kwh REAL NOT NULL,
			applied_kwh REAL NOT NULL,
			energy_after_kwh REAL NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (agent_id, transaction_id)
		)`,
		`CREATE TABLE IF NOT EXISTS contracts (
			transaction_id TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL,
			buyer_id TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			agreed_quantity_kwh REAL NOT NULL,
			agreed_price_per_kwh REAL NOT NULL,
			confirmed_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_agent ON ledger_entries(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contracts_buyer ON contracts(buyer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contracts_seller ON contracts(seller_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) RecordEntry(ctx context.Context, e domain.LedgerEntry) error {
	query := `INSERT OR IGNORE INTO ledger_entries
	          (transaction_id, agent_id, direction, requested_kwh, applied_kwh, energy_after_kwh, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		e.TransactionID, e.AgentID, string(e.Direction), e.RequestedKWh, e.AppliedKWh, e.EnergyAfterKWh, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}

	return nil
}

func (s *Store) ListEntries(ctx context.Context, agentID string) ([]domain.LedgerEntry, error) {
	query := `SELECT transaction_id, agent_id, direction, requested_kwh, applied_kwh, energy_after_kwh, created_at
	          FROM ledger_entries WHERE agent_id = ?
	          ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var direction string
		if err := rows.Scan(&e.TransactionID, &e.AgentID, &direction,
			&e.RequestedKWh, &e.AppliedKWh, &e.EnergyAfterKWh, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Direction = domain.Direction(direction)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (s *Store) SaveContract(ctx context.Context, c domain.Contract) error {
	query := `INSERT OR IGNORE INTO contracts
	          (transaction_id, contract_id, buyer_id, seller_id, agreed_quantity_kwh, agreed_price_per_kwh, confirmed_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		c.TransactionID, c.ContractID, c.BuyerID, c.SellerID, c.AgreedQuantityKWh, c.AgreedPricePerKWh, c.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}

	return nil
}

func (s *Store) GetContract(ctx context.Context, transactionID string) (*domain.Contract, error) {
	query := `SELECT transaction_id, contract_id, buyer_id, seller_id, agreed_quantity_kwh, agreed_price_per_kwh, confirmed_at
	          FROM contracts WHERE transaction_id = ?`

	var c domain.Contract
	err := s.db.QueryRowContext(ctx, query, transactionID).Scan(
		&c.TransactionID, &c.ContractID, &c.BuyerID, &c.SellerID,
		&c.AgreedQuantityKWh, &c.AgreedPricePerKWh, &c.ConfirmedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", transactionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}

	return &c, nil
}

func (s *Store) ListContracts(ctx context.Context, agentID string, limit int) ([]domain.Contract, error) {
	query := `SELECT transaction_id, contract_id, buyer_id, seller_id, agreed_quantity_kwh, agreed_price_per_kwh, confirmed_at
	          FROM contracts WHERE (? = '' OR buyer_id = ? OR seller_id = ?)
	          ORDER BY confirmed_at DESC
	          LIMIT ?`

	if limit <= 0 {
		limit = 100 // default limit
	}

	rows, err := s.db.QueryContext(ctx, query, agentID, agentID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var contracts []domain.Contract
	for rows.Next() {
		var c domain.Contract
		if err := rows.Scan(&c.TransactionID, &c.ContractID, &c.BuyerID, &c.SellerID,
			&c.AgreedQuantityKWh, &c.AgreedPricePerKWh, &c.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}

	return contracts, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
