package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"loyalty-engine/internal/models"
)

func (c *customerTx) RewardFor(source models.RewardSource, sourceID string) (*models.RewardIssuance, error) {
	var r models.RewardIssuance
	var createdAt string

	err := c.tx.QueryRowContext(c.ctx, `SELECT id, source, source_id, customer_id, program_id,
		reward_type, reward_value, created_at
		FROM reward_issuances WHERE source = ? AND source_id = ?`, source, sourceID).Scan(
		&r.ID,
		&r.Source,
		&r.SourceID,
		&r.CustomerID,
		&r.ProgramID,
		&r.RewardType,
		&r.RewardValue,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reward issuance: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *customerTx) InsertReward(r *models.RewardIssuance) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CustomerID = c.customerID

	_, err := c.tx.ExecContext(c.ctx, `INSERT INTO reward_issuances (
		id, source, source_id, customer_id, program_id, reward_type, reward_value, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Source,
		r.SourceID,
		r.CustomerID,
		r.ProgramID,
		r.RewardType,
		r.RewardValue,
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reward issuance: %w", err)
	}
	return nil
}
