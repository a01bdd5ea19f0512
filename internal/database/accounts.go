package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loyalty-engine/internal/models"
	"loyalty-engine/internal/store"
)

const accountColumns = `id, customer_id, program_id, current_points, total_earned, total_redeemed,
	total_expired, current_tier_id, points_expiry_date, is_active, version, created_at, updated_at`

const ledgerColumns = `id, account_id, seq, transaction_type, amount, balance_after, source,
	multiplier_applied, base_amount, reference_id, is_reversible, reversal_of, actor, note, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (models.LoyaltyAccount, error) {
	var acct models.LoyaltyAccount
	var expiry sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&acct.ID,
		&acct.CustomerID,
		&acct.ProgramID,
		&acct.CurrentPoints,
		&acct.TotalEarned,
		&acct.TotalRedeemed,
		&acct.TotalExpired,
		&acct.CurrentTierID,
		&expiry,
		&acct.IsActive,
		&acct.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return models.LoyaltyAccount{}, err
	}

	if acct.PointsExpiryDate, err = parseNullTime(expiry); err != nil {
		return models.LoyaltyAccount{}, err
	}
	if acct.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.LoyaltyAccount{}, err
	}
	if acct.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.LoyaltyAccount{}, err
	}

	return acct, nil
}

func scanLedgerEntry(row rowScanner) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	var createdAt string

	err := row.Scan(
		&e.ID,
		&e.AccountID,
		&e.Seq,
		&e.TransactionType,
		&e.Amount,
		&e.BalanceAfter,
		&e.Source,
		&e.MultiplierApplied,
		&e.BaseAmount,
		&e.ReferenceID,
		&e.IsReversible,
		&e.ReversalOf,
		&e.Actor,
		&e.Note,
		&createdAt,
	)
	if err != nil {
		return models.LedgerEntry{}, err
	}

	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.LedgerEntry{}, err
	}

	return e, nil
}

func getAccount(ctx context.Context, q queryer, accountID string) (models.LoyaltyAccount, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM loyalty_accounts WHERE id = ?`, accountID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LoyaltyAccount{}, fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return models.LoyaltyAccount{}, fmt.Errorf("failed to load account: %w", err)
	}
	return acct, nil
}

// GetOrCreateAccount returns the account of a customer in a program, opening
// it on first use.
func (db *DB) GetOrCreateAccount(ctx context.Context, customerID, programID string, now time.Time) (models.LoyaltyAccount, error) {
	var acct models.LoyaltyAccount

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO loyalty_accounts (
			id, customer_id, program_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(customer_id, program_id) DO NOTHING`,
			uuid.New().String(), customerID, programID, formatTime(now), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM loyalty_accounts
			WHERE customer_id = ? AND program_id = ?`, customerID, programID)
		acct, err = scanAccount(row)
		if err != nil {
			return fmt.Errorf("failed to load account: %w", err)
		}
		return nil
	})

	return acct, err
}

// GetAccount loads an account by ID.
func (db *DB) GetAccount(ctx context.Context, accountID string) (models.LoyaltyAccount, error) {
	return getAccount(ctx, db.conn, accountID)
}

// FindAccount loads the account of a customer in a program without creating it.
func (db *DB) FindAccount(ctx context.Context, customerID, programID string) (models.LoyaltyAccount, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM loyalty_accounts
		WHERE customer_id = ? AND program_id = ?`, customerID, programID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LoyaltyAccount{}, fmt.Errorf("%w: customer %s in program %s", models.ErrAccountNotFound, customerID, programID)
	}
	if err != nil {
		return models.LoyaltyAccount{}, fmt.Errorf("failed to load account: %w", err)
	}
	return acct, nil
}

// EntryAccountID returns the account a ledger entry belongs to.
func (db *DB) EntryAccountID(ctx context.Context, entryID string) (string, error) {
	var accountID string
	err := db.conn.QueryRowContext(ctx, `SELECT account_id FROM ledger_entries WHERE id = ?`, entryID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", models.ErrEntryNotFound, entryID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load ledger entry: %w", err)
	}
	return accountID, nil
}

// ListLedgerEntries returns an account's entries in append order, with
// ReversedAt filled in from compensating entries.
func (db *DB) ListLedgerEntries(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE account_id = ? ORDER BY seq ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	reversedAt := make(map[string]time.Time)
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if e.ReversalOf != "" {
			reversedAt[e.ReversalOf] = e.CreatedAt
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	for i := range entries {
		if at, ok := reversedAt[entries[i].ID]; ok {
			at := at
			entries[i].ReversedAt = &at
		}
	}

	return entries, nil
}

// ExpirableAccounts lists active accounts whose points expired before asOf and
// that still hold a positive balance.
func (db *DB) ExpirableAccounts(ctx context.Context, asOf time.Time) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, current_points FROM loyalty_accounts
		WHERE is_active = 1
		AND points_expiry_date IS NOT NULL
		AND points_expiry_date < ?
		ORDER BY id`, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query expirable accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var points decimal.Decimal
		if err := rows.Scan(&id, &points); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		if points.IsPositive() {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return ids, nil
}

// UpdateAccount runs fn against a locked view of the account and writes the
// account back with a version check.
func (db *DB) UpdateAccount(ctx context.Context, accountID string, fn func(tx store.AccountTx) error) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		acct, err := getAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		atx := &accountTx{ctx: ctx, tx: tx, account: acct}
		if err := fn(atx); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE loyalty_accounts SET
			current_points = ?,
			total_earned = ?,
			total_redeemed = ?,
			total_expired = ?,
			current_tier_id = ?,
			points_expiry_date = ?,
			is_active = ?,
			version = version + 1,
			updated_at = ?
			WHERE id = ? AND version = ?`,
			atx.account.CurrentPoints,
			atx.account.TotalEarned,
			atx.account.TotalRedeemed,
			atx.account.TotalExpired,
			atx.account.CurrentTierID,
			formatNullTime(atx.account.PointsExpiryDate),
			boolToInt(atx.account.IsActive),
			formatTime(atx.account.UpdatedAt),
			accountID,
			acct.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: account %s changed concurrently", models.ErrConcurrencyConflict, accountID)
		}
		return nil
	})
}

type accountTx struct {
	ctx     context.Context
	tx      *sql.Tx
	account models.LoyaltyAccount
}

func (a *accountTx) Account() *models.LoyaltyAccount {
	return &a.account
}

func (a *accountTx) Entry(entryID string) (models.LedgerEntry, error) {
	row := a.tx.QueryRowContext(a.ctx, `SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE id = ? AND account_id = ?`, entryID, a.account.ID)
	e, err := scanLedgerEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, fmt.Errorf("%w: %s", models.ErrEntryNotFound, entryID)
	}
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("failed to load ledger entry: %w", err)
	}
	return e, nil
}

func (a *accountTx) EntryByReference(source models.Source, referenceID string) (*models.LedgerEntry, error) {
	row := a.tx.QueryRowContext(a.ctx, `SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE account_id = ? AND source = ? AND reference_id = ? AND reversal_of = ''
		ORDER BY seq ASC LIMIT 1`, a.account.ID, source, referenceID)
	return optionalEntry(row)
}

func (a *accountTx) ReversalOf(entryID string) (*models.LedgerEntry, error) {
	row := a.tx.QueryRowContext(a.ctx, `SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE reversal_of = ? LIMIT 1`, entryID)
	return optionalEntry(row)
}

func optionalEntry(row *sql.Row) (*models.LedgerEntry, error) {
	e, err := scanLedgerEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entry: %w", err)
	}
	return &e, nil
}

func (a *accountTx) AppendEntry(e *models.LedgerEntry) error {
	var seq int64
	err := a.tx.QueryRowContext(a.ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_entries
		WHERE account_id = ?`, a.account.ID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to allocate ledger sequence: %w", err)
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.AccountID = a.account.ID
	e.Seq = seq

	_, err = a.tx.ExecContext(a.ctx, `INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.AccountID,
		e.Seq,
		e.TransactionType,
		e.Amount,
		e.BalanceAfter,
		e.Source,
		e.MultiplierApplied,
		e.BaseAmount,
		e.ReferenceID,
		boolToInt(e.IsReversible),
		e.ReversalOf,
		e.Actor,
		e.Note,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}
