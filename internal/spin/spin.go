// Package spin resolves spin wheel draws against a customer's tier and spin
// allowance.
//
// A draw filters the wheel's prizes by availability and tier, boosts and
// normalizes their probabilities, then samples the cumulative distribution
// with an injected random source. The allowance decrement, prize counter
// increment and result insert commit as one unit.
package spin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loyalty-engine/internal/clock"
	"loyalty-engine/internal/ledger"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/random"
	"loyalty-engine/internal/store"
	"loyalty-engine/internal/tier"
)

// Wheels looks up spin wheel configuration.
type Wheels interface {
	Wheel(id string) (models.SpinWheel, error)
}

// Publisher receives committed reward issuances.
type Publisher interface {
	PublishReward(ctx context.Context, reward models.RewardIssuance)
}

// Config wires a Resolver.
type Config struct {
	Store     store.SpinStore
	Accounts  store.AccountStore
	Wheels    Wheels
	Tiers     *tier.Registry
	Ledger    *ledger.Ledger
	Clock     clock.Clock
	Random    random.Source
	Publisher Publisher
	Logger    *slog.Logger
}

// Resolver draws prizes and redeems spin results.
type Resolver struct {
	store     store.SpinStore
	accounts  store.AccountStore
	wheels    Wheels
	tiers     *tier.Registry
	ledger    *ledger.Ledger
	clock     clock.Clock
	rng       random.Source
	publisher Publisher
	logger    *slog.Logger
}

// New creates a spin wheel resolver.
func New(cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     cfg.Store,
		accounts:  cfg.Accounts,
		wheels:    cfg.Wheels,
		tiers:     cfg.Tiers,
		ledger:    cfg.Ledger,
		clock:     cfg.Clock,
		rng:       cfg.Random,
		publisher: cfg.Publisher,
		logger:    logger,
	}
}

// Eligible returns the active prizes a customer in tierID can still win.
// redemptions holds the live counter of each prize.
func Eligible(wheel models.SpinWheel, tierID string, redemptions map[string]int) []models.SpinWheelPrize {
	var out []models.SpinWheelPrize
	for _, p := range wheel.Prizes {
		p.CurrentRedemptions = redemptions[p.ID]
		if !p.Active || p.Probability <= 0 || !p.Available() || !p.EligibleFor(tierID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Weights returns the boosted probabilities of prizes normalized to sum to 1.
// It returns nil when there is nothing to draw. The boost scales every prize
// alike, so it cancels out in normalization: a tier changes the draw only
// through the prizes its restrictions let it see.
func Weights(prizes []models.SpinWheelPrize, boost float64) []float64 {
	if boost <= 0 {
		boost = 1
	}
	weights := make([]float64, len(prizes))
	var total float64
	for i, p := range prizes {
		weights[i] = p.Probability * boost
		total += weights[i]
	}
	if total <= 0 {
		return nil
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

// Draw picks one prize by weighted sampling over the cumulative
// distribution. u must be in [0, 1).
func Draw(prizes []models.SpinWheelPrize, boost float64, u float64) (models.SpinWheelPrize, bool) {
	weights := Weights(prizes, boost)
	if len(weights) == 0 {
		return models.SpinWheelPrize{}, false
	}

	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if u < cumulative {
			return prizes[i], true
		}
	}
	// Rounding can leave the cumulative sum a hair below 1.
	return prizes[len(prizes)-1], true
}

// Spin consumes one spin of spinType and records the prize drawn. Failed
// spins leave the allowance untouched.
func (r *Resolver) Spin(ctx context.Context, customerID, wheelID string, spinType models.SpinType) (models.SpinResult, error) {
	if spinType != models.SpinFree && spinType != models.SpinPaid {
		return models.SpinResult{}, fmt.Errorf("%w: %q", models.ErrInvalidSpinType, spinType)
	}
	wheel, err := r.wheels.Wheel(wheelID)
	if err != nil {
		return models.SpinResult{}, err
	}
	tierDef, err := r.customerTier(ctx, customerID, wheel.ProgramID)
	if err != nil {
		return models.SpinResult{}, err
	}

	prizeIDs := make([]string, len(wheel.Prizes))
	for i, p := range wheel.Prizes {
		prizeIDs[i] = p.ID
	}

	var result models.SpinResult
	var reward models.RewardIssuance
	err = r.store.UpdateSpins(ctx, customerID, func(tx store.SpinTx) error {
		now := r.clock.Now()

		acct, err := tx.SpinAccount(wheel.ID)
		if err != nil {
			return err
		}
		if acct == nil {
			acct = &models.SpinWheelAccount{WheelID: wheel.ID, FreeSpinsRemaining: wheel.InitialFreeSpins}
		}
		acct.ResetDaily(now)

		remaining := &acct.FreeSpinsRemaining
		if spinType == models.SpinPaid {
			remaining = &acct.PaidSpinsRemaining
		}
		if *remaining <= 0 {
			return fmt.Errorf("%w: no %s spins on wheel %s", models.ErrNoSpinsRemaining, spinType, wheel.ID)
		}
		if acct.DailySpinsUsed >= wheel.MaxDailySpins {
			return fmt.Errorf("%w: %d of %d used", models.ErrDailyLimitReached, acct.DailySpinsUsed, wheel.MaxDailySpins)
		}

		redemptions, err := tx.PrizeRedemptions(wheel.ID, prizeIDs)
		if err != nil {
			return err
		}
		prize, ok := Draw(Eligible(wheel, tierDef.ID, redemptions), wheel.Boost(tierDef.ID), r.rng.Float64())
		if !ok {
			return fmt.Errorf("%w: wheel %s, tier %s", models.ErrNoPrizesAvailable, wheel.ID, tierDef.ID)
		}

		if err := tx.IncrementPrize(wheel.ID, prize.ID, prize.MaxRedemptions); err != nil {
			return err
		}
		*remaining--
		acct.DailySpinsUsed++
		acct.LastSpinDate = &now
		if err := tx.SaveSpinAccount(acct); err != nil {
			return err
		}

		result = models.SpinResult{
			WheelID:    wheel.ID,
			PrizeID:    prize.ID,
			PrizeType:  prize.Type,
			PrizeValue: prize.Value,
			SpinType:   spinType,
			TierID:     tierDef.ID,
			ExpiresAt:  now.Add(time.Duration(prize.ExpirationHours) * time.Hour),
			CreatedAt:  now,
		}
		if err := tx.InsertSpinResult(&result); err != nil {
			return err
		}

		reward = models.RewardIssuance{
			Source:      models.RewardFromSpin,
			SourceID:    result.ID,
			ProgramID:   wheel.ProgramID,
			RewardType:  prize.Type,
			RewardValue: prize.Value,
			CreatedAt:   now,
		}
		return tx.InsertReward(&reward)
	})
	if err != nil {
		return models.SpinResult{}, err
	}

	r.logger.Info("spin drawn", "customer_id", customerID, "wheel_id", wheel.ID, "prize_id", result.PrizeID,
		"spin_type", string(spinType), "tier_id", tierDef.ID)

	// The spin is spent either way; RedeemPrize books a credit that fails here.
	if r.ledger != nil {
		if _, err := r.ledger.CreditReward(ctx, reward); err != nil {
			r.logger.Error("spin points credit failed", "spin_id", result.ID, "reward_id", reward.ID, "error", err)
		}
	}
	if r.publisher != nil {
		r.publisher.PublishReward(ctx, reward)
	}
	return result, nil
}

// customerTier resolves the tier of the customer's program account. Customers
// without an account spin at the lowest tier.
func (r *Resolver) customerTier(ctx context.Context, customerID, programID string) (models.TierDefinition, error) {
	resolver, ok := r.tiers.Resolver(programID)
	if !ok {
		return models.TierDefinition{}, fmt.Errorf("%w: %s", models.ErrProgramNotFound, programID)
	}

	acct, err := r.accounts.FindAccount(ctx, customerID, programID)
	if errors.Is(err, models.ErrAccountNotFound) {
		return resolver.Lowest()
	}
	if err != nil {
		return models.TierDefinition{}, err
	}
	return resolver.Resolve(acct.CurrentPoints)
}

// RedeemPrize links an unexpired spin result to the order that consumed it.
// A points prize whose credit did not land at draw time is booked first, so a
// failed credit fails the redemption and can be retried.
func (r *Resolver) RedeemPrize(ctx context.Context, spinID, orderID string) (models.SpinResult, error) {
	current, err := r.store.GetSpinResult(ctx, spinID)
	if err != nil {
		return models.SpinResult{}, err
	}
	if err := r.creditPrize(ctx, current); err != nil {
		return models.SpinResult{}, err
	}

	var result models.SpinResult
	err = r.store.UpdateSpins(ctx, current.CustomerID, func(tx store.SpinTx) error {
		var err error
		result, err = tx.SpinResult(spinID)
		if err != nil {
			return err
		}
		if result.IsRedeemed {
			return fmt.Errorf("%w: spin %s", models.ErrAlreadyRedeemed, spinID)
		}
		now := r.clock.Now()
		if now.After(result.ExpiresAt) {
			return fmt.Errorf("%w: spin %s expired at %s", models.ErrExpired, spinID, result.ExpiresAt.Format(time.RFC3339))
		}

		result.IsRedeemed = true
		result.RedeemedByOrderID = orderID
		result.RedeemedAt = &now
		return tx.SaveSpinResult(&result)
	})
	if err != nil {
		return models.SpinResult{}, err
	}
	return result, nil
}

// creditPrize books the points reward of a spin result. The ledger dedupes on
// the issuance ID, so prizes credited at draw time are left alone.
func (r *Resolver) creditPrize(ctx context.Context, result models.SpinResult) error {
	if r.ledger == nil || result.PrizeType != models.RewardTypePoints {
		return nil
	}

	var reward *models.RewardIssuance
	err := r.store.UpdateSpins(ctx, result.CustomerID, func(tx store.SpinTx) error {
		var err error
		reward, err = tx.RewardFor(models.RewardFromSpin, result.ID)
		return err
	})
	if err != nil || reward == nil {
		return err
	}
	if _, err := r.ledger.CreditReward(ctx, *reward); err != nil {
		return err
	}
	return nil
}

// GrantSpins tops up a customer's allowance on a wheel. A first grant opens
// the allowance with the wheel's initial free spins.
func (r *Resolver) GrantSpins(ctx context.Context, customerID, wheelID string, free, paid int) (models.SpinWheelAccount, error) {
	if free < 0 || paid < 0 || free+paid == 0 {
		return models.SpinWheelAccount{}, fmt.Errorf("%w: grant of %d free and %d paid spins", models.ErrInvalidAmount, free, paid)
	}
	wheel, err := r.wheels.Wheel(wheelID)
	if err != nil {
		return models.SpinWheelAccount{}, err
	}

	var acct models.SpinWheelAccount
	err = r.store.UpdateSpins(ctx, customerID, func(tx store.SpinTx) error {
		current, err := tx.SpinAccount(wheel.ID)
		if err != nil {
			return err
		}
		if current == nil {
			current = &models.SpinWheelAccount{WheelID: wheel.ID, FreeSpinsRemaining: wheel.InitialFreeSpins}
		}
		current.FreeSpinsRemaining += free
		current.PaidSpinsRemaining += paid
		if err := tx.SaveSpinAccount(current); err != nil {
			return err
		}
		acct = *current
		return nil
	})
	if err != nil {
		return models.SpinWheelAccount{}, err
	}
	return acct, nil
}
