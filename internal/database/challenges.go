package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loyalty-engine/internal/models"
	"loyalty-engine/internal/store"
)

const challengeColumns = `id, challenge_id, customer_id, status, progress_current, progress_target,
	progress_percentage, last_milestone, reward_claimed, assigned_at, started_at, completed_at,
	rewarded_at, cancelled_at, expires_at, version`

const progressLogColumns = `id, customer_challenge_id, progress_before, progress_after, progress_increment,
	action_type, milestone_reached, milestone_type, reference_id, created_at`

func scanCustomerChallenge(row rowScanner) (models.CustomerChallenge, error) {
	var cc models.CustomerChallenge
	var assignedAt string
	var startedAt, completedAt, rewardedAt, cancelledAt, expiresAt sql.NullString

	err := row.Scan(
		&cc.ID,
		&cc.ChallengeID,
		&cc.CustomerID,
		&cc.Status,
		&cc.ProgressCurrent,
		&cc.ProgressTarget,
		&cc.ProgressPercentage,
		&cc.LastMilestone,
		&cc.RewardClaimed,
		&assignedAt,
		&startedAt,
		&completedAt,
		&rewardedAt,
		&cancelledAt,
		&expiresAt,
		&cc.Version,
	)
	if err != nil {
		return models.CustomerChallenge{}, err
	}

	if cc.AssignedAt, err = parseTime(assignedAt); err != nil {
		return models.CustomerChallenge{}, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&cc.StartedAt, startedAt},
		{&cc.CompletedAt, completedAt},
		{&cc.RewardedAt, rewardedAt},
		{&cc.CancelledAt, cancelledAt},
		{&cc.ExpiresAt, expiresAt},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return models.CustomerChallenge{}, err
		}
	}

	return cc, nil
}

func scanCustomerChallenges(rows *sql.Rows) ([]models.CustomerChallenge, error) {
	defer rows.Close()

	var out []models.CustomerChallenge
	for rows.Next() {
		cc, err := scanCustomerChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer challenge: %w", err)
		}
		out = append(out, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating customer challenges: %w", err)
	}
	return out, nil
}

func getCustomerChallenge(ctx context.Context, q queryer, id string) (models.CustomerChallenge, error) {
	row := q.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM customer_challenges WHERE id = ?`, id)
	cc, err := scanCustomerChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CustomerChallenge{}, fmt.Errorf("%w: assignment %s", models.ErrChallengeNotFound, id)
	}
	if err != nil {
		return models.CustomerChallenge{}, fmt.Errorf("failed to load customer challenge: %w", err)
	}
	return cc, nil
}

// GetCustomerChallenge loads an assignment by ID.
func (db *DB) GetCustomerChallenge(ctx context.Context, id string) (models.CustomerChallenge, error) {
	return getCustomerChallenge(ctx, db.conn, id)
}

// ListChallengeAssignments returns every assignment of a challenge template.
func (db *DB) ListChallengeAssignments(ctx context.Context, challengeID string) ([]models.CustomerChallenge, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+challengeColumns+` FROM customer_challenges
		WHERE challenge_id = ? ORDER BY assigned_at ASC, id ASC`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer challenges: %w", err)
	}
	return scanCustomerChallenges(rows)
}

// ProgressLogs returns the audit trail of an assignment in append order.
func (db *DB) ProgressLogs(ctx context.Context, customerChallengeID string) ([]models.ChallengeProgressLog, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+progressLogColumns+` FROM challenge_progress_logs
		WHERE customer_challenge_id = ? ORDER BY seq ASC`, customerChallengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress logs: %w", err)
	}
	defer rows.Close()

	var logs []models.ChallengeProgressLog
	for rows.Next() {
		var l models.ChallengeProgressLog
		var createdAt string
		err := rows.Scan(
			&l.ID,
			&l.CustomerChallengeID,
			&l.ProgressBefore,
			&l.ProgressAfter,
			&l.ProgressIncrement,
			&l.ActionType,
			&l.MilestoneReached,
			&l.MilestoneType,
			&l.ReferenceID,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress log: %w", err)
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress logs: %w", err)
	}

	return logs, nil
}

// ExpiredChallengeIDs lists open assignments whose deadline passed before now.
func (db *DB) ExpiredChallengeIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM customer_challenges
		WHERE status IN (?, ?)
		AND expires_at IS NOT NULL
		AND expires_at < ?
		ORDER BY expires_at ASC`,
		models.StatusAssigned, models.StatusActive, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired challenges: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan challenge id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating challenge ids: %w", err)
	}

	return ids, nil
}

// ExpireChallenge moves one assignment to expired if it is still open and past
// its deadline. It reports whether the row changed.
func (db *DB) ExpireChallenge(ctx context.Context, id string, now time.Time) (bool, error) {
	var changed bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE customer_challenges
			SET status = ?, version = version + 1
			WHERE id = ?
			AND status IN (?, ?)
			AND expires_at IS NOT NULL
			AND expires_at < ?`,
			models.StatusExpired, id, models.StatusAssigned, models.StatusActive, formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to expire challenge: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to expire challenge: %w", err)
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// UpdateCustomerChallenges runs fn as one unit over a customer's assignments.
func (db *DB) UpdateCustomerChallenges(ctx context.Context, customerID string, fn func(tx store.ChallengeTx) error) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&customerTx{ctx: ctx, tx: tx, customerID: customerID})
	})
}

// customerTx is a transaction scoped to one customer. It serves challenge,
// stamp card and spin units.
type customerTx struct {
	ctx        context.Context
	tx         *sql.Tx
	customerID string
}

func (c *customerTx) OpenChallenges() ([]models.CustomerChallenge, error) {
	rows, err := c.tx.QueryContext(c.ctx, `SELECT `+challengeColumns+` FROM customer_challenges
		WHERE customer_id = ? AND status IN (?, ?)
		ORDER BY assigned_at ASC, id ASC`,
		c.customerID, models.StatusAssigned, models.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query open challenges: %w", err)
	}
	return scanCustomerChallenges(rows)
}

func (c *customerTx) Assignments(challengeID string) ([]models.CustomerChallenge, error) {
	rows, err := c.tx.QueryContext(c.ctx, `SELECT `+challengeColumns+` FROM customer_challenges
		WHERE customer_id = ? AND challenge_id = ?
		ORDER BY assigned_at ASC, id ASC`, c.customerID, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	return scanCustomerChallenges(rows)
}

func (c *customerTx) CustomerChallenge(id string) (models.CustomerChallenge, error) {
	cc, err := getCustomerChallenge(c.ctx, c.tx, id)
	if err != nil {
		return models.CustomerChallenge{}, err
	}
	if cc.CustomerID != c.customerID {
		return models.CustomerChallenge{}, fmt.Errorf("%w: assignment %s", models.ErrChallengeNotFound, id)
	}
	return cc, nil
}

func (c *customerTx) ParticipantCount(challengeID string) (int, error) {
	var n int
	err := c.tx.QueryRowContext(c.ctx, `SELECT COUNT(DISTINCT customer_id) FROM customer_challenges
		WHERE challenge_id = ? AND status != ?`, challengeID, models.StatusCancelled).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count participants: %w", err)
	}
	return n, nil
}

func (c *customerTx) InsertChallenge(cc *models.CustomerChallenge) error {
	if cc.ID == "" {
		cc.ID = uuid.New().String()
	}
	cc.CustomerID = c.customerID

	_, err := c.tx.ExecContext(c.ctx, `INSERT INTO customer_challenges (`+challengeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cc.ID,
		cc.ChallengeID,
		cc.CustomerID,
		cc.Status,
		cc.ProgressCurrent,
		cc.ProgressTarget,
		cc.ProgressPercentage,
		cc.LastMilestone,
		boolToInt(cc.RewardClaimed),
		formatTime(cc.AssignedAt),
		formatNullTime(cc.StartedAt),
		formatNullTime(cc.CompletedAt),
		formatNullTime(cc.RewardedAt),
		formatNullTime(cc.CancelledAt),
		formatNullTime(cc.ExpiresAt),
		cc.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert customer challenge: %w", err)
	}
	return nil
}

func (c *customerTx) SaveChallenge(cc *models.CustomerChallenge) error {
	res, err := c.tx.ExecContext(c.ctx, `UPDATE customer_challenges SET
		status = ?,
		progress_current = ?,
		progress_target = ?,
		progress_percentage = ?,
		last_milestone = ?,
		reward_claimed = ?,
		started_at = ?,
		completed_at = ?,
		rewarded_at = ?,
		cancelled_at = ?,
		expires_at = ?,
		version = version + 1
		WHERE id = ? AND customer_id = ? AND version = ?`,
		cc.Status,
		cc.ProgressCurrent,
		cc.ProgressTarget,
		cc.ProgressPercentage,
		cc.LastMilestone,
		boolToInt(cc.RewardClaimed),
		formatNullTime(cc.StartedAt),
		formatNullTime(cc.CompletedAt),
		formatNullTime(cc.RewardedAt),
		formatNullTime(cc.CancelledAt),
		formatNullTime(cc.ExpiresAt),
		cc.ID,
		c.customerID,
		cc.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update customer challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update customer challenge: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: assignment %s changed concurrently", models.ErrConcurrencyConflict, cc.ID)
	}
	cc.Version++
	return nil
}

func (c *customerTx) SeenItems(customerChallengeID string) (map[string]bool, error) {
	rows, err := c.tx.QueryContext(c.ctx, `SELECT item_id FROM challenge_seen_items
		WHERE customer_challenge_id = ?`, customerChallengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query seen items: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("failed to scan seen item: %w", err)
		}
		seen[item] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating seen items: %w", err)
	}
	return seen, nil
}

func (c *customerTx) AddSeenItems(customerChallengeID string, items []string) error {
	if len(items) == 0 {
		return nil
	}

	stmt, err := c.tx.PrepareContext(c.ctx, `INSERT INTO challenge_seen_items (customer_challenge_id, item_id)
		VALUES (?, ?) ON CONFLICT DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(c.ctx, customerChallengeID, item); err != nil {
			return fmt.Errorf("failed to insert seen item %s: %w", item, err)
		}
	}
	return nil
}

func (c *customerTx) AppendProgressLog(l *models.ChallengeProgressLog) error {
	var seq int64
	err := c.tx.QueryRowContext(c.ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM challenge_progress_logs
		WHERE customer_challenge_id = ?`, l.CustomerChallengeID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to allocate log sequence: %w", err)
	}
	if l.ID == "" {
		l.ID = uuid.New().String()
	}

	_, err = c.tx.ExecContext(c.ctx, `INSERT INTO challenge_progress_logs (
		id, customer_challenge_id, seq, progress_before, progress_after, progress_increment,
		action_type, milestone_reached, milestone_type, reference_id, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID,
		l.CustomerChallengeID,
		seq,
		l.ProgressBefore,
		l.ProgressAfter,
		l.ProgressIncrement,
		l.ActionType,
		boolToInt(l.MilestoneReached),
		l.MilestoneType,
		l.ReferenceID,
		formatTime(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert progress log: %w", err)
	}
	return nil
}

func (c *customerTx) HasProgress(customerChallengeID string, action models.EventType, referenceID string) (bool, error) {
	var exists bool
	err := c.tx.QueryRowContext(c.ctx, `SELECT EXISTS(SELECT 1 FROM challenge_progress_logs
		WHERE customer_challenge_id = ? AND action_type = ? AND reference_id = ?)`,
		customerChallengeID, action, referenceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check progress log: %w", err)
	}
	return exists, nil
}
