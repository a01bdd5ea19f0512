package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"loyalty-engine/internal/models"
)

// timeLayout is fixed width in UTC so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the database connection and implements the engine's stores.
type DB struct {
	conn *sql.DB
}

// Options tunes the SQLite connection.
type Options struct {
	BusyTimeout time.Duration
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	return NewDBWithOptions(dbPath, Options{BusyTimeout: 5 * time.Second})
}

// NewDBWithOptions opens dbPath with write transactions taking the database
// lock up front, so a read-modify-write never interleaves with another writer.
func NewDBWithOptions(dbPath string, opts Options) (*DB, error) {
	busy := opts.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=1&_txlock=immediate&_busy_timeout=%d", dbPath, busy)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS loyalty_accounts (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			program_id TEXT NOT NULL,
			current_points TEXT NOT NULL DEFAULT '0',
			total_earned TEXT NOT NULL DEFAULT '0',
			total_redeemed TEXT NOT NULL DEFAULT '0',
			total_expired TEXT NOT NULL DEFAULT '0',
			current_tier_id TEXT NOT NULL DEFAULT '',
			points_expiry_date TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			version INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(customer_id, program_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_expiry ON loyalty_accounts(points_expiry_date)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES loyalty_accounts(id),
			seq INTEGER NOT NULL,
			transaction_type TEXT NOT NULL,
			amount TEXT NOT NULL,
			balance_after TEXT NOT NULL,
			source TEXT NOT NULL,
			multiplier_applied TEXT NOT NULL DEFAULT '1',
			base_amount TEXT NOT NULL DEFAULT '0',
			reference_id TEXT NOT NULL DEFAULT '',
			is_reversible INTEGER NOT NULL DEFAULT 0,
			reversal_of TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE(account_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(account_id, source, reference_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_reversal ON ledger_entries(reversal_of)`,
		`CREATE TABLE IF NOT EXISTS customer_challenges (
			id TEXT PRIMARY KEY,
			challenge_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			progress_current TEXT NOT NULL DEFAULT '0',
			progress_target TEXT NOT NULL,
			progress_percentage TEXT NOT NULL DEFAULT '0',
			last_milestone INTEGER NOT NULL DEFAULT 0,
			reward_claimed INTEGER NOT NULL DEFAULT 0,
			assigned_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			rewarded_at TEXT,
			cancelled_at TEXT,
			expires_at TEXT,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cc_customer_status ON customer_challenges(customer_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_cc_challenge ON customer_challenges(challenge_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cc_expiry ON customer_challenges(status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS challenge_seen_items (
			customer_challenge_id TEXT NOT NULL REFERENCES customer_challenges(id),
			item_id TEXT NOT NULL,
			PRIMARY KEY (customer_challenge_id, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS challenge_progress_logs (
			id TEXT PRIMARY KEY,
			customer_challenge_id TEXT NOT NULL REFERENCES customer_challenges(id),
			seq INTEGER NOT NULL,
			progress_before TEXT NOT NULL,
			progress_after TEXT NOT NULL,
			progress_increment TEXT NOT NULL,
			action_type TEXT NOT NULL,
			milestone_reached INTEGER NOT NULL DEFAULT 0,
			milestone_type TEXT NOT NULL DEFAULT '',
			reference_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE(customer_challenge_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_progress_reference ON challenge_progress_logs(customer_challenge_id, action_type, reference_id)`,
		`CREATE TABLE IF NOT EXISTS stamp_cards (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			program_id TEXT NOT NULL,
			stamps_earned INTEGER NOT NULL DEFAULT 0,
			stamps_required INTEGER NOT NULL,
			is_completed INTEGER NOT NULL DEFAULT 0,
			completed_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stamp_cards_customer ON stamp_cards(customer_id, program_id, is_completed)`,
		`CREATE TABLE IF NOT EXISTS stamp_history (
			id TEXT PRIMARY KEY,
			card_id TEXT NOT NULL REFERENCES stamp_cards(id),
			action_type TEXT NOT NULL,
			stamps_added INTEGER NOT NULL DEFAULT 0,
			stamps_after INTEGER NOT NULL DEFAULT 0,
			reference_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stamp_history_card ON stamp_history(card_id, action_type)`,
		`CREATE TABLE IF NOT EXISTS spin_accounts (
			customer_id TEXT NOT NULL,
			wheel_id TEXT NOT NULL,
			free_spins_remaining INTEGER NOT NULL DEFAULT 0,
			paid_spins_remaining INTEGER NOT NULL DEFAULT 0,
			daily_spins_used INTEGER NOT NULL DEFAULT 0,
			last_spin_date TEXT,
			PRIMARY KEY (customer_id, wheel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS spin_prize_counters (
			wheel_id TEXT NOT NULL,
			prize_id TEXT NOT NULL,
			current_redemptions INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (wheel_id, prize_id)
		)`,
		`CREATE TABLE IF NOT EXISTS spin_results (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			wheel_id TEXT NOT NULL,
			prize_id TEXT NOT NULL,
			prize_type TEXT NOT NULL,
			prize_value TEXT NOT NULL,
			spin_type TEXT NOT NULL,
			tier_id TEXT NOT NULL DEFAULT '',
			expires_at TEXT NOT NULL,
			is_redeemed INTEGER NOT NULL DEFAULT 0,
			redeemed_by_order_id TEXT NOT NULL DEFAULT '',
			redeemed_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spin_results_customer ON spin_results(customer_id)`,
		`CREATE TABLE IF NOT EXISTS reward_issuances (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			program_id TEXT NOT NULL DEFAULT '',
			reward_type TEXT NOT NULL,
			reward_value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(source, source_id)
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// withTx runs fn inside a write transaction and commits when it returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// classify turns SQLite lock contention into a retryable conflict.
func classify(err error) error {
	if err == nil || errors.Is(err, models.ErrConcurrencyConflict) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %w", models.ErrConcurrencyConflict, err)
		}
	}
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
