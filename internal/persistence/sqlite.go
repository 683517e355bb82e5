package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Store provides SQLite-based persistence for pool and position snapshots.
type Store struct {
	db *sql.DB
}

// TokenRecord represents a token stored in the database.
type TokenRecord struct {
	Address   string
	Symbol    string
	Decimals  int
	CreatedAt time.Time
}

// PoolSnapshot is the TVL of one supplied token of a pool at a point in time.
type PoolSnapshot struct {
	PoolID    string
	Token     string
	TVL       decimal.Decimal
	Block     uint64
	CreatedAt time.Time
}

// PositionSnapshot is a user's balance of one token in a pool at a point in time.
type PositionSnapshot struct {
	PoolID    string
	User      string
	Token     string
	Balance   decimal.Decimal
	Block     uint64
	CreatedAt time.Time
}

// NewStore creates a new SQLite store and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// migrate runs database schema migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			address TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			decimals INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS pool_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pool_id TEXT NOT NULL,
			token TEXT NOT NULL,
			tvl TEXT NOT NULL,
			block INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_snapshots_pool ON pool_snapshots(pool_id, id DESC)`,
		`CREATE TABLE IF NOT EXISTS position_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pool_id TEXT NOT NULL,
			user TEXT NOT NULL,
			token TEXT NOT NULL,
			balance TEXT NOT NULL,
			block INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_user ON position_snapshots(pool_id, user, id DESC)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	log.Info().Msg("Database migrations completed")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertToken inserts or updates a token record.
func (s *Store) UpsertToken(ctx context.Context, token TokenRecord) error {
	query := `INSERT INTO tokens (address, symbol, decimals, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET symbol = excluded.symbol, decimals = excluded.decimals`

	_, err := s.db.ExecContext(ctx, query, token.Address, token.Symbol, token.Decimals, time.Now())
	return err
}

// GetToken retrieves a token by address.
func (s *Store) GetToken(ctx context.Context, address string) (*TokenRecord, error) {
	query := `SELECT address, symbol, decimals, created_at FROM tokens WHERE address = ?`

	var t TokenRecord
	err := s.db.QueryRowContext(ctx, query, address).Scan(&t.Address, &t.Symbol, &t.Decimals, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SavePoolSnapshots stores pool TVL snapshots in a single transaction.
func (s *Store) SavePoolSnapshots(ctx context.Context, snaps []PoolSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pool_snapshots (pool_id, token, tvl, block, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, snap := range snaps {
		createdAt := snap.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, snap.PoolID, snap.Token, snap.TVL.String(), snap.Block, createdAt); err != nil {
			return fmt.Errorf("inserting pool snapshot %s: %w", snap.PoolID, err)
		}
	}

	return tx.Commit()
}

// SavePositionSnapshots stores user position snapshots in a single transaction.
func (s *Store) SavePositionSnapshots(ctx context.Context, snaps []PositionSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO position_snapshots (pool_id, user, token, balance, block, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, snap := range snaps {
		createdAt := snap.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, snap.PoolID, snap.User, snap.Token, snap.Balance.String(), snap.Block, createdAt); err != nil {
			return fmt.Errorf("inserting position snapshot for %s: %w", snap.User, err)
		}
	}

	return tx.Commit()
}

// LatestPool returns the most recent snapshot of a pool, or nil if none exists.
func (s *Store) LatestPool(ctx context.Context, poolID string) (*PoolSnapshot, error) {
	query := `SELECT pool_id, token, tvl, block, created_at
		FROM pool_snapshots WHERE pool_id = ?
		ORDER BY id DESC LIMIT 1`

	var (
		p   PoolSnapshot
		tvl string
	)
	err := s.db.QueryRowContext(ctx, query, poolID).Scan(&p.PoolID, &p.Token, &tvl, &p.Block, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.TVL, err = decimal.NewFromString(tvl); err != nil {
		return nil, fmt.Errorf("parsing tvl %q: %w", tvl, err)
	}
	return &p, nil
}

// LatestPosition returns the most recent snapshot of a user's position in a
// pool, or nil if none exists.
func (s *Store) LatestPosition(ctx context.Context, poolID, user string) (*PositionSnapshot, error) {
	query := `SELECT pool_id, user, token, balance, block, created_at
		FROM position_snapshots WHERE pool_id = ? AND user = ?
		ORDER BY id DESC LIMIT 1`

	var (
		p       PositionSnapshot
		balance string
	)
	err := s.db.QueryRowContext(ctx, query, poolID, user).Scan(&p.PoolID, &p.User, &p.Token, &balance, &p.Block, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parsing balance %q: %w", balance, err)
	}
	return &p, nil
}

// SetSystemState stores a key-value pair in system state.
func (s *Store) SetSystemState(ctx context.Context, key, value string) error {
	query := `INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, key, value, time.Now())
	return err
}

// GetSystemState retrieves a value from system state.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
