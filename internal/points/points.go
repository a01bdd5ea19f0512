// Package points converts orders into ledger credits, redeems balances and
// expires stale points.
package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"loyalty-engine/internal/ledger"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/retry"
	"loyalty-engine/internal/store"
	"loyalty-engine/internal/tier"
)

// Engine applies a program's earning and redemption rules.
type Engine struct {
	ledger   *ledger.Ledger
	accounts store.AccountStore
	tiers    *tier.Registry
	retry    retry.Policy
	logger   *slog.Logger
}

// New creates a points engine. policy bounds the per-account retry of batch
// sweeps.
func New(l *ledger.Ledger, accounts store.AccountStore, tiers *tier.Registry, policy retry.Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:   l,
		accounts: accounts,
		tiers:    tiers,
		retry:    policy,
		logger:   logger,
	}
}

// Earning is the computed credit for an order.
type Earning struct {
	BasePoints decimal.Decimal
	Multiplier decimal.Decimal
	Points     decimal.Decimal
	Bonus      bool
}

// Compute prices an order: base points times the tier multiplier times every
// bonus multiplier switched on by the context, rounded to two places.
func Compute(program models.Program, t models.TierDefinition, orderAmount decimal.Decimal, ec models.EarnContext) Earning {
	base := orderAmount.Mul(program.PointsPerCurrency)
	multiplier := tier.Multiplier(t)

	bonus := false
	apply := func(on bool, m decimal.Decimal) {
		if !on || m.IsZero() {
			return
		}
		multiplier = multiplier.Mul(m)
		if m.GreaterThan(decimal.NewFromInt(1)) {
			bonus = true
		}
	}
	apply(ec.HappyHour, program.BonusMultipliers.HappyHour)
	apply(ec.Birthday, program.BonusMultipliers.Birthday)
	apply(ec.FirstOrder, program.BonusMultipliers.FirstOrder)
	apply(ec.Referral, program.BonusMultipliers.Referral)

	return Earning{
		BasePoints: base,
		Multiplier: multiplier,
		Points:     base.Mul(multiplier).Round(2),
		Bonus:      bonus,
	}
}

// AwardPoints credits the account for an order. The tier multiplier comes from
// the balance at the moment of writing. Redelivering the same order reference
// returns the original entry.
func (e *Engine) AwardPoints(ctx context.Context, accountID string, orderAmount decimal.Decimal, ec models.EarnContext, orderRef string) (models.LedgerEntry, error) {
	if orderAmount.IsNegative() {
		return models.LedgerEntry{}, fmt.Errorf("%w: order amount %s", models.ErrInvalidAmount, orderAmount)
	}

	var entry models.LedgerEntry
	err := e.ledger.Update(ctx, accountID, func(w *ledger.Writer) error {
		acct := w.Account()
		t, err := e.tiers.ResolveTier(acct.ProgramID, acct.CurrentPoints)
		if err != nil {
			return err
		}

		earning := Compute(w.Program(), t, orderAmount, ec)
		txType := models.TransactionEarned
		if earning.Bonus {
			txType = models.TransactionBonus
		}

		entry, err = w.Append(ledger.Request{
			Type:              txType,
			Amount:            earning.Points,
			Source:            models.SourceOrder,
			MultiplierApplied: earning.Multiplier,
			BaseAmount:        earning.BasePoints,
			ReferenceID:       orderRef,
			Reversible:        true,
		})
		return err
	})
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("failed to award points: %w", err)
	}
	return entry, nil
}

// RedeemPoints debits points for a redemption type. Program rules are checked
// before the balance.
func (e *Engine) RedeemPoints(ctx context.Context, accountID string, points decimal.Decimal, redemption models.Source, reference string) (models.LedgerEntry, error) {
	if !points.IsPositive() {
		return models.LedgerEntry{}, fmt.Errorf("%w: %s", models.ErrInvalidAmount, points)
	}

	var entry models.LedgerEntry
	err := e.ledger.Update(ctx, accountID, func(w *ledger.Writer) error {
		program := w.Program()
		if !program.RedemptionOptions.Enabled(redemption) {
			return fmt.Errorf("%w: %s", models.ErrRedemptionTypeDisabled, redemption)
		}
		if points.LessThan(program.MinimumPointsRedemption) {
			return fmt.Errorf("%w: %s < %s", models.ErrBelowMinimumRedemption, points, program.MinimumPointsRedemption)
		}
		if acct := w.Account(); points.GreaterThan(acct.CurrentPoints) {
			return fmt.Errorf("%w: balance %s, requested %s", models.ErrInsufficientBalance, acct.CurrentPoints, points)
		}

		var err error
		entry, err = w.Append(ledger.Request{
			Type:        models.TransactionRedeemed,
			Amount:      points,
			Source:      redemption,
			ReferenceID: reference,
			Reversible:  true,
		})
		return err
	})
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("failed to redeem points: %w", err)
	}
	return entry, nil
}

// RedemptionValue converts points into currency at the program's rate.
func RedemptionValue(program models.Program, points decimal.Decimal) decimal.Decimal {
	return points.Mul(program.RedemptionRate).Round(2)
}

// Adjust writes a manual credit (positive amount) or debit (negative amount).
func (e *Engine) Adjust(ctx context.Context, accountID string, amount decimal.Decimal, actor, reason, reference string) (models.LedgerEntry, error) {
	if amount.IsZero() {
		return models.LedgerEntry{}, fmt.Errorf("%w: zero adjustment", models.ErrInvalidAmount)
	}

	entry, err := e.ledger.Append(ctx, accountID, ledger.Request{
		Type:        models.TransactionAdjusted,
		Amount:      amount.Abs(),
		Debit:       amount.IsNegative(),
		Source:      models.SourceManual,
		ReferenceID: reference,
		Reversible:  true,
		Actor:       actor,
		Note:        reason,
	})
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("failed to adjust points: %w", err)
	}
	return entry, nil
}

// ExpirePoints zeroes every active account whose expiry date is before asOf.
// Each account is its own unit: failures are collected and earlier accounts
// stay expired. Running it again for the same date writes nothing.
func (e *Engine) ExpirePoints(ctx context.Context, asOf time.Time) (int, error) {
	ids, err := e.accounts.ExpirableAccounts(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("failed to list expirable accounts: %w", err)
	}

	expired := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var wrote bool
		err := retry.Do(ctx, e.retry, func(ctx context.Context) error {
			wrote = false
			return e.ledger.Update(ctx, id, func(w *ledger.Writer) error {
				acct := w.Account()
				if !acct.IsActive || acct.PointsExpiryDate == nil ||
					!acct.PointsExpiryDate.Before(asOf) || !acct.CurrentPoints.IsPositive() {
					return nil
				}
				_, err := w.Append(ledger.Request{
					Type:   models.TransactionExpired,
					Amount: acct.CurrentPoints,
					Source: models.SourceExpiry,
					Note:   "expired as of " + asOf.Format(time.DateOnly),
				})
				wrote = err == nil
				return err
			})
		})
		if err != nil {
			e.logger.Error("points expiry failed", "account_id", id, "error", err)
			errs = append(errs, fmt.Errorf("account %s: %w", id, err))
			continue
		}
		if wrote {
			expired++
		}
	}

	e.logger.Info("points expiry finished", "as_of", asOf, "candidates", len(ids), "expired", expired)
	return expired, errors.Join(errs...)
}
