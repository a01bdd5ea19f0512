package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"loyalty-engine/internal/models"
	"loyalty-engine/internal/store"
)

const stampCardColumns = `id, customer_id, program_id, stamps_earned, stamps_required, is_completed,
	completed_at, created_at`

func scanStampCard(row rowScanner) (models.StampCard, error) {
	var card models.StampCard
	var completedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&card.ID,
		&card.CustomerID,
		&card.ProgramID,
		&card.StampsEarned,
		&card.StampsRequired,
		&card.IsCompleted,
		&completedAt,
		&createdAt,
	)
	if err != nil {
		return models.StampCard{}, err
	}
	if card.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return models.StampCard{}, err
	}
	if card.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.StampCard{}, err
	}
	return card, nil
}

func getStampCard(ctx context.Context, q queryer, cardID string) (models.StampCard, error) {
	row := q.QueryRowContext(ctx, `SELECT `+stampCardColumns+` FROM stamp_cards WHERE id = ?`, cardID)
	card, err := scanStampCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StampCard{}, fmt.Errorf("%w: %s", models.ErrCardNotFound, cardID)
	}
	if err != nil {
		return models.StampCard{}, fmt.Errorf("failed to load stamp card: %w", err)
	}
	return card, nil
}

// GetStampCard loads a stamp card by ID.
func (db *DB) GetStampCard(ctx context.Context, cardID string) (models.StampCard, error) {
	return getStampCard(ctx, db.conn, cardID)
}

// StampHistory returns the history of a card in insertion order.
func (db *DB) StampHistory(ctx context.Context, cardID string) ([]models.StampHistory, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, card_id, action_type, stamps_added, stamps_after,
		reference_id, created_at
		FROM stamp_history WHERE card_id = ? ORDER BY rowid ASC`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stamp history: %w", err)
	}
	defer rows.Close()

	var history []models.StampHistory
	for rows.Next() {
		var h models.StampHistory
		var createdAt string
		if err := rows.Scan(&h.ID, &h.CardID, &h.ActionType, &h.StampsAdded, &h.StampsAfter, &h.ReferenceID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan stamp history: %w", err)
		}
		if h.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stamp history: %w", err)
	}

	return history, nil
}

// UpdateStampCards runs fn as one unit over a customer's stamp cards.
func (db *DB) UpdateStampCards(ctx context.Context, customerID string, fn func(tx store.StampTx) error) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&customerTx{ctx: ctx, tx: tx, customerID: customerID})
	})
}

func (c *customerTx) Card(cardID string) (models.StampCard, error) {
	card, err := getStampCard(c.ctx, c.tx, cardID)
	if err != nil {
		return models.StampCard{}, err
	}
	if card.CustomerID != c.customerID {
		return models.StampCard{}, fmt.Errorf("%w: %s", models.ErrCardNotFound, cardID)
	}
	return card, nil
}

func (c *customerTx) OpenCard(programID string) (*models.StampCard, error) {
	row := c.tx.QueryRowContext(c.ctx, `SELECT `+stampCardColumns+` FROM stamp_cards
		WHERE customer_id = ? AND program_id = ? AND is_completed = 0
		ORDER BY created_at DESC LIMIT 1`, c.customerID, programID)
	card, err := scanStampCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stamp card: %w", err)
	}
	return &card, nil
}

func (c *customerTx) InsertCard(card *models.StampCard) error {
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	card.CustomerID = c.customerID

	_, err := c.tx.ExecContext(c.ctx, `INSERT INTO stamp_cards (`+stampCardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID,
		card.CustomerID,
		card.ProgramID,
		card.StampsEarned,
		card.StampsRequired,
		boolToInt(card.IsCompleted),
		formatNullTime(card.CompletedAt),
		formatTime(card.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert stamp card: %w", err)
	}
	return nil
}

func (c *customerTx) SaveCard(card *models.StampCard) error {
	_, err := c.tx.ExecContext(c.ctx, `UPDATE stamp_cards SET
		stamps_earned = ?,
		is_completed = ?,
		completed_at = ?
		WHERE id = ? AND customer_id = ?`,
		card.StampsEarned,
		boolToInt(card.IsCompleted),
		formatNullTime(card.CompletedAt),
		card.ID,
		c.customerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update stamp card: %w", err)
	}
	return nil
}

func (c *customerTx) HasHistory(cardID string, action models.StampAction) (bool, error) {
	var n int
	err := c.tx.QueryRowContext(c.ctx, `SELECT COUNT(*) FROM stamp_history
		WHERE card_id = ? AND action_type = ?`, cardID, action).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query stamp history: %w", err)
	}
	return n > 0, nil
}

func (c *customerTx) AppendHistory(h *models.StampHistory) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}

	_, err := c.tx.ExecContext(c.ctx, `INSERT INTO stamp_history (
		id, card_id, action_type, stamps_added, stamps_after, reference_id, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID,
		h.CardID,
		h.ActionType,
		h.StampsAdded,
		h.StampsAfter,
		h.ReferenceID,
		formatTime(h.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert stamp history: %w", err)
	}
	return nil
}

func (c *customerTx) StampedFor(programID, referenceID string) (bool, error) {
	var exists bool
	err := c.tx.QueryRowContext(c.ctx, `SELECT EXISTS(SELECT 1 FROM stamp_history h
		JOIN stamp_cards s ON s.id = h.card_id
		WHERE s.customer_id = ? AND s.program_id = ? AND h.reference_id = ? AND h.action_type IN (?, ?))`,
		c.customerID, programID, referenceID, models.StampEarned, models.CardCompleted).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check stamp history: %w", err)
	}
	return exists, nil
}
