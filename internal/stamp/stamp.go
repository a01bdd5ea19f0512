// Package stamp runs buy-N-get-one stamp cards.
package stamp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"loyalty-engine/internal/clock"
	"loyalty-engine/internal/ledger"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/store"
)

// Programs looks up program configuration.
type Programs interface {
	Program(id string) (models.Program, error)
}

// Publisher receives committed reward issuances.
type Publisher interface {
	PublishReward(ctx context.Context, reward models.RewardIssuance)
}

// Tracker stamps cards and issues their rewards.
type Tracker struct {
	store     store.StampStore
	programs  Programs
	ledger    *ledger.Ledger
	clock     clock.Clock
	publisher Publisher
	logger    *slog.Logger
}

// New creates a stamp card tracker. l may be nil, in which case points
// rewards are only emitted.
func New(st store.StampStore, programs Programs, l *ledger.Ledger, clk clock.Clock, publisher Publisher, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:     st,
		programs:  programs,
		ledger:    l,
		clock:     clk,
		publisher: publisher,
		logger:    logger,
	}
}

// addStamp adds count stamps, never beyond the requirement. Reaching the
// requirement completes the card once.
func addStamp(card *models.StampCard, count int, ref string, now time.Time) models.StampHistory {
	card.StampsEarned = min(card.StampsEarned+count, card.StampsRequired)

	h := models.StampHistory{
		CardID:      card.ID,
		ActionType:  models.StampEarned,
		StampsAdded: count,
		StampsAfter: card.StampsEarned,
		ReferenceID: ref,
		CreatedAt:   now,
	}
	if card.StampsEarned >= card.StampsRequired && !card.IsCompleted {
		card.IsCompleted = true
		completed := now
		card.CompletedAt = &completed
		h.ActionType = models.CardCompleted
	}
	return h
}

// AddStamp stamps a specific card count times.
func (t *Tracker) AddStamp(ctx context.Context, cardID string, count int, ref string) (models.StampCard, error) {
	if count <= 0 {
		return models.StampCard{}, fmt.Errorf("%w: stamp count %d", models.ErrInvalidAmount, count)
	}
	current, err := t.store.GetStampCard(ctx, cardID)
	if err != nil {
		return models.StampCard{}, err
	}

	var card models.StampCard
	err = t.store.UpdateStampCards(ctx, current.CustomerID, func(tx store.StampTx) error {
		var err error
		card, err = tx.Card(cardID)
		if err != nil {
			return err
		}
		h := addStamp(&card, count, ref, t.clock.Now())
		if err := tx.SaveCard(&card); err != nil {
			return err
		}
		return tx.AppendHistory(&h)
	})
	if err != nil {
		return models.StampCard{}, err
	}
	return card, nil
}

// HandleOrder stamps the customer's open card for a qualifying order, opening
// a card when none is open. Orders below the program minimum, programs
// without a stamp card and redelivered orders return nil.
func (t *Tracker) HandleOrder(ctx context.Context, customerID, programID string, payload models.EventPayload) (*models.StampCard, error) {
	program, err := t.programs.Program(programID)
	if err != nil {
		return nil, err
	}
	cfg := program.StampCard
	if cfg == nil || payload.OrderTotal.LessThan(cfg.MinOrderTotal) {
		return nil, nil
	}
	ref := payload.Reference()

	var stamped *models.StampCard
	err = t.store.UpdateStampCards(ctx, customerID, func(tx store.StampTx) error {
		stamped = nil
		if ref != "" {
			done, err := tx.StampedFor(programID, ref)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}

		now := t.clock.Now()
		card, err := tx.OpenCard(programID)
		if err != nil {
			return err
		}
		if card == nil {
			card = &models.StampCard{
				ProgramID:      programID,
				StampsRequired: cfg.StampsRequired,
				CreatedAt:      now,
			}
			if err := tx.InsertCard(card); err != nil {
				return err
			}
		}

		h := addStamp(card, cfg.StampsPerOrder, ref, now)
		if err := tx.SaveCard(card); err != nil {
			return err
		}
		if err := tx.AppendHistory(&h); err != nil {
			return err
		}
		stamped = card
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stamp card: %w", err)
	}

	if stamped != nil && stamped.IsCompleted {
		t.logger.Info("stamp card completed", "card_id", stamped.ID, "customer_id", customerID)
	}
	return stamped, nil
}

// ClaimReward records the reward of a completed card and issues it once.
// Claiming a card whose points reward was recorded but never booked books it
// and completes the claim; otherwise a second claim fails ErrAlreadyClaimed.
func (t *Tracker) ClaimReward(ctx context.Context, cardID string) (models.StampCard, models.RewardIssuance, error) {
	current, err := t.store.GetStampCard(ctx, cardID)
	if err != nil {
		return models.StampCard{}, models.RewardIssuance{}, err
	}
	program, err := t.programs.Program(current.ProgramID)
	if err != nil {
		return models.StampCard{}, models.RewardIssuance{}, err
	}
	if program.StampCard == nil {
		return models.StampCard{}, models.RewardIssuance{}, fmt.Errorf("%w: program %s has no stamp card", models.ErrRewardNotSupported, program.ID)
	}

	now := t.clock.Now()
	var card models.StampCard
	var reward models.RewardIssuance
	var claimed bool
	err = t.store.UpdateStampCards(ctx, current.CustomerID, func(tx store.StampTx) error {
		var err error
		claimed = false
		card, err = tx.Card(cardID)
		if err != nil {
			return err
		}
		if !card.IsCompleted {
			return fmt.Errorf("%w: card %s has %d of %d stamps", models.ErrNotCompleted, card.ID, card.StampsEarned, card.StampsRequired)
		}
		if claimed, err = tx.HasHistory(card.ID, models.RewardClaimed); err != nil {
			return err
		}
		if claimed {
			existing, err := tx.RewardFor(models.RewardFromStampCard, card.ID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("%w: card %s has no issuance record", models.ErrAlreadyClaimed, card.ID)
			}
			reward = *existing
			return nil
		}

		if err := tx.AppendHistory(&models.StampHistory{
			CardID:      card.ID,
			ActionType:  models.RewardClaimed,
			StampsAfter: card.StampsEarned,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		reward = models.RewardIssuance{
			Source:      models.RewardFromStampCard,
			SourceID:    card.ID,
			ProgramID:   card.ProgramID,
			RewardType:  program.StampCard.RewardType,
			RewardValue: program.StampCard.RewardValue,
			CreatedAt:   now,
		}
		return tx.InsertReward(&reward)
	})
	if err != nil {
		return models.StampCard{}, models.RewardIssuance{}, err
	}

	if claimed {
		booked := true
		if t.ledger != nil {
			if booked, err = t.ledger.RewardCredited(ctx, reward); err != nil {
				return models.StampCard{}, models.RewardIssuance{}, err
			}
		}
		if booked {
			return models.StampCard{}, models.RewardIssuance{}, fmt.Errorf("%w: card %s", models.ErrAlreadyClaimed, card.ID)
		}
		t.logger.Warn("booking unbooked stamp card reward", "card_id", card.ID, "reward_id", reward.ID)
	}

	if t.ledger != nil {
		if _, err := t.ledger.CreditReward(ctx, reward); err != nil {
			t.logger.Error("stamp card points credit failed", "card_id", card.ID, "reward_id", reward.ID, "error", err)
			return models.StampCard{}, models.RewardIssuance{}, err
		}
	}
	if t.publisher != nil {
		t.publisher.PublishReward(ctx, reward)
	}
	t.logger.Info("stamp card reward claimed", "card_id", card.ID, "customer_id", card.CustomerID, "reward_id", reward.ID)
	return card, reward, nil
}
