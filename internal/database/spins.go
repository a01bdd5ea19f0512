package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"loyalty-engine/internal/models"
	"loyalty-engine/internal/store"
)

const spinResultColumns = `id, customer_id, wheel_id, prize_id, prize_type, prize_value, spin_type, tier_id,
	expires_at, is_redeemed, redeemed_by_order_id, redeemed_at, created_at`

func scanSpinResult(row rowScanner) (models.SpinResult, error) {
	var r models.SpinResult
	var expiresAt, createdAt string
	var redeemedAt sql.NullString

	err := row.Scan(
		&r.ID,
		&r.CustomerID,
		&r.WheelID,
		&r.PrizeID,
		&r.PrizeType,
		&r.PrizeValue,
		&r.SpinType,
		&r.TierID,
		&expiresAt,
		&r.IsRedeemed,
		&r.RedeemedByOrderID,
		&redeemedAt,
		&createdAt,
	)
	if err != nil {
		return models.SpinResult{}, err
	}
	if r.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return models.SpinResult{}, err
	}
	if r.RedeemedAt, err = parseNullTime(redeemedAt); err != nil {
		return models.SpinResult{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.SpinResult{}, err
	}
	return r, nil
}

func getSpinResult(ctx context.Context, q queryer, id string) (models.SpinResult, error) {
	row := q.QueryRowContext(ctx, `SELECT `+spinResultColumns+` FROM spin_results WHERE id = ?`, id)
	r, err := scanSpinResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SpinResult{}, fmt.Errorf("%w: %s", models.ErrSpinNotFound, id)
	}
	if err != nil {
		return models.SpinResult{}, fmt.Errorf("failed to load spin result: %w", err)
	}
	return r, nil
}

func getSpinAccount(ctx context.Context, q queryer, customerID, wheelID string) (*models.SpinWheelAccount, error) {
	var acct models.SpinWheelAccount
	var lastSpin sql.NullString

	err := q.QueryRowContext(ctx, `SELECT customer_id, wheel_id, free_spins_remaining, paid_spins_remaining,
		daily_spins_used, last_spin_date
		FROM spin_accounts WHERE customer_id = ? AND wheel_id = ?`, customerID, wheelID).Scan(
		&acct.CustomerID,
		&acct.WheelID,
		&acct.FreeSpinsRemaining,
		&acct.PaidSpinsRemaining,
		&acct.DailySpinsUsed,
		&lastSpin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load spin account: %w", err)
	}
	if acct.LastSpinDate, err = parseNullTime(lastSpin); err != nil {
		return nil, err
	}
	return &acct, nil
}

// GetSpinResult loads a spin result by ID.
func (db *DB) GetSpinResult(ctx context.Context, id string) (models.SpinResult, error) {
	return getSpinResult(ctx, db.conn, id)
}

// GetSpinAccount returns the spin allowance of a customer, or nil if the
// customer never had one on this wheel.
func (db *DB) GetSpinAccount(ctx context.Context, customerID, wheelID string) (*models.SpinWheelAccount, error) {
	return getSpinAccount(ctx, db.conn, customerID, wheelID)
}

// UpdateSpins runs fn as one unit over a customer's spin state. Because write
// transactions hold the database lock, prize counters read through the unit
// cannot be consumed by a concurrent spin before it commits.
func (db *DB) UpdateSpins(ctx context.Context, customerID string, fn func(tx store.SpinTx) error) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&customerTx{ctx: ctx, tx: tx, customerID: customerID})
	})
}

func (c *customerTx) SpinAccount(wheelID string) (*models.SpinWheelAccount, error) {
	return getSpinAccount(c.ctx, c.tx, c.customerID, wheelID)
}

func (c *customerTx) SaveSpinAccount(acct *models.SpinWheelAccount) error {
	acct.CustomerID = c.customerID

	_, err := c.tx.ExecContext(c.ctx, `INSERT INTO spin_accounts (
		customer_id, wheel_id, free_spins_remaining, paid_spins_remaining, daily_spins_used, last_spin_date
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(customer_id, wheel_id) DO UPDATE SET
		free_spins_remaining = excluded.free_spins_remaining,
		paid_spins_remaining = excluded.paid_spins_remaining,
		daily_spins_used = excluded.daily_spins_used,
		last_spin_date = excluded.last_spin_date`,
		acct.CustomerID,
		acct.WheelID,
		acct.FreeSpinsRemaining,
		acct.PaidSpinsRemaining,
		acct.DailySpinsUsed,
		formatNullTime(acct.LastSpinDate),
	)
	if err != nil {
		return fmt.Errorf("failed to save spin account: %w", err)
	}
	return nil
}

// PrizeRedemptions returns the live counters of prizes on a wheel.
func (c *customerTx) PrizeRedemptions(wheelID string, prizeIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(prizeIDs))
	if len(prizeIDs) == 0 {
		return counts, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(prizeIDs)), ",")
	args := make([]any, 0, len(prizeIDs)+1)
	args = append(args, wheelID)
	for _, id := range prizeIDs {
		args = append(args, id)
	}

	rows, err := c.tx.QueryContext(c.ctx, `SELECT prize_id, current_redemptions FROM spin_prize_counters
		WHERE wheel_id = ? AND prize_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prize counters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan prize counter: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prize counters: %w", err)
	}
	return counts, nil
}

// IncrementPrize bumps the counter of a prize on one wheel, refusing to pass
// max.
func (c *customerTx) IncrementPrize(wheelID, prizeID string, max *int) error {
	if _, err := c.tx.ExecContext(c.ctx, `INSERT INTO spin_prize_counters (wheel_id, prize_id, current_redemptions)
		VALUES (?, ?, 0) ON CONFLICT(wheel_id, prize_id) DO NOTHING`, wheelID, prizeID); err != nil {
		return fmt.Errorf("failed to init prize counter: %w", err)
	}

	query := `UPDATE spin_prize_counters SET current_redemptions = current_redemptions + 1
		WHERE wheel_id = ? AND prize_id = ?`
	args := []any{wheelID, prizeID}
	if max != nil {
		query += ` AND current_redemptions < ?`
		args = append(args, *max)
	}

	res, err := c.tx.ExecContext(c.ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to increment prize counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to increment prize counter: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: prize %s on wheel %s exhausted", models.ErrConcurrencyConflict, prizeID, wheelID)
	}
	return nil
}

func (c *customerTx) InsertSpinResult(r *models.SpinResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CustomerID = c.customerID

	_, err := c.tx.ExecContext(c.ctx, `INSERT INTO spin_results (`+spinResultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.CustomerID,
		r.WheelID,
		r.PrizeID,
		r.PrizeType,
		r.PrizeValue,
		r.SpinType,
		r.TierID,
		formatTime(r.ExpiresAt),
		boolToInt(r.IsRedeemed),
		r.RedeemedByOrderID,
		formatNullTime(r.RedeemedAt),
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert spin result: %w", err)
	}
	return nil
}

func (c *customerTx) SpinResult(id string) (models.SpinResult, error) {
	r, err := getSpinResult(c.ctx, c.tx, id)
	if err != nil {
		return models.SpinResult{}, err
	}
	if r.CustomerID != c.customerID {
		return models.SpinResult{}, fmt.Errorf("%w: %s", models.ErrSpinNotFound, id)
	}
	return r, nil
}

func (c *customerTx) SaveSpinResult(r *models.SpinResult) error {
	_, err := c.tx.ExecContext(c.ctx, `UPDATE spin_results SET
		is_redeemed = ?,
		redeemed_by_order_id = ?,
		redeemed_at = ?
		WHERE id = ? AND customer_id = ?`,
		boolToInt(r.IsRedeemed),
		r.RedeemedByOrderID,
		formatNullTime(r.RedeemedAt),
		r.ID,
		c.customerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update spin result: %w", err)
	}
	return nil
}
