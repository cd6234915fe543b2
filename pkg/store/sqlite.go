package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rmax-ai/cadence/pkg/ledger"
)

// Store manages the SQLite connection and schema.
type Store struct {
	db *sql.DB
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// A single connection serialises writers instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	// One row per (day, provider, window). Times are unix seconds.
	query := `
	CREATE TABLE IF NOT EXISTS daily_usage (
		date TEXT NOT NULL,
		provider TEXT NOT NULL,
		window_kind TEXT NOT NULL,
		used INTEGER NOT NULL,
		quota_limit INTEGER NOT NULL,
		reset_at INTEGER NOT NULL DEFAULT 0,
		period_ns INTEGER NOT NULL DEFAULT 0,
		advisory INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (date, provider, window_kind)
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create daily_usage table: %w", err)
	}

	return nil
}

func (s *Store) LoadDailyUsage(ctx context.Context, date string) ([]ledger.ProviderQuota, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, window_kind, used, quota_limit, reset_at, period_ns, advisory
		FROM daily_usage WHERE date = ? ORDER BY provider, window_kind`, date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []ledger.ProviderQuota
	for rows.Next() {
		var (
			q        ledger.ProviderQuota
			window   string
			resetAt  int64
			periodNs int64
			advisory int
		)
		if err := rows.Scan(&q.Provider, &window, &q.Used, &q.Limit, &resetAt, &periodNs, &advisory); err != nil {
			return nil, fmt.Errorf("failed to scan daily_usage: %w", err)
		}
		q.Window = ledger.WindowKind(window)
		if resetAt > 0 {
			q.ResetAt = time.Unix(resetAt, 0)
		}
		q.Period = time.Duration(periodNs)
		q.Advisory = advisory != 0
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *Store) SaveDailyUsage(ctx context.Context, date string, quotas []ledger.ProviderQuota) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_usage WHERE date = ?`, date); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_usage (date, provider, window_kind, used, quota_limit, reset_at, period_ns, advisory, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, q := range quotas {
		var resetAt int64
		if !q.ResetAt.IsZero() {
			resetAt = q.ResetAt.Unix()
		}
		advisory := 0
		if q.Advisory {
			advisory = 1
		}
		if _, err := stmt.ExecContext(ctx, date, q.Provider, string(q.Window), q.Used, q.Limit, resetAt, int64(q.Period), advisory, now); err != nil {
			return fmt.Errorf("failed to save %s: %w", q, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// PruneBefore deletes the days older than date and returns how many rows went.
func (s *Store) PruneBefore(ctx context.Context, date string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_usage WHERE date < ?`, date)
	if err != nil {
		return 0, fmt.Errorf("failed to prune daily_usage: %w", err)
	}
	return res.RowsAffected()
}

var _ DailyUsageStore = (*Store)(nil)
