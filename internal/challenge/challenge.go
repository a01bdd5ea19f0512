// Package challenge tracks customer progress through challenge templates.
//
// An assignment moves assigned -> active -> completed -> rewarded. Expiry is
// applied by a sweep and cancellation by an operator. Progress never
// decreases and every boundary of 25, 50, 75 and 100 percent is logged once.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"loyalty-engine/internal/cache"
	"loyalty-engine/internal/clock"
	"loyalty-engine/internal/ledger"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/retry"
	"loyalty-engine/internal/store"
	"loyalty-engine/internal/tier"
)

// Catalog looks up challenge templates and their programs.
type Catalog interface {
	Program(id string) (models.Program, error)
	Challenge(id string) (models.Challenge, error)
}

// Notifier receives committed reward issuances and milestones.
type Notifier interface {
	PublishReward(ctx context.Context, reward models.RewardIssuance)
	PublishMilestone(ctx context.Context, cc models.CustomerChallenge, milestone string)
}

// RewardPolicy sizes challenge rewards.
type RewardPolicy struct {
	Difficulty map[string]decimal.Decimal
	// Floor and Ceiling bound the adjusted value as multiples of the base value.
	Floor   decimal.Decimal
	Ceiling decimal.Decimal
}

// DefaultRewardPolicy scales by difficulty and keeps rewards within 0.8x-1.5x.
func DefaultRewardPolicy() RewardPolicy {
	return RewardPolicy{
		Difficulty: map[string]decimal.Decimal{
			"easy":   decimal.NewFromInt(1),
			"medium": decimal.RequireFromString("1.2"),
			"hard":   decimal.RequireFromString("1.5"),
			"expert": decimal.NewFromInt(2),
		},
		Floor:   decimal.RequireFromString("0.8"),
		Ceiling: decimal.RequireFromString("1.5"),
	}
}

// DifficultyMultiplier returns the multiplier of a difficulty, 1 when unknown.
func (p RewardPolicy) DifficultyMultiplier(difficulty string) decimal.Decimal {
	if m, ok := p.Difficulty[difficulty]; ok && m.IsPositive() {
		return m
	}
	return decimal.NewFromInt(1)
}

// Config wires a Tracker.
type Config struct {
	Store    store.ChallengeStore
	Accounts store.AccountStore
	Catalog  Catalog
	Tiers    *tier.Registry
	// Ledger credits points rewards; nil leaves them to downstream consumers.
	Ledger         *ledger.Ledger
	Cache          cache.Cache
	LeaderboardTTL time.Duration
	Clock          clock.Clock
	Policy         RewardPolicy
	Retry          retry.Policy
	Notifier       Notifier
	Logger         *slog.Logger
}

// Tracker runs the challenge state machine.
type Tracker struct {
	store    store.ChallengeStore
	accounts store.AccountStore
	catalog  Catalog
	tiers    *tier.Registry
	ledger   *ledger.Ledger
	cache    cache.Cache
	ttl      time.Duration
	clock    clock.Clock
	policy   RewardPolicy
	retry    retry.Policy
	notifier Notifier
	logger   *slog.Logger
}

// New creates a tracker.
func New(cfg Config) *Tracker {
	t := &Tracker{
		store:    cfg.Store,
		accounts: cfg.Accounts,
		catalog:  cfg.Catalog,
		tiers:    cfg.Tiers,
		ledger:   cfg.Ledger,
		cache:    cfg.Cache,
		ttl:      cfg.LeaderboardTTL,
		clock:    cfg.Clock,
		policy:   cfg.Policy,
		retry:    cfg.Retry,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
	}
	if t.clock == nil {
		t.clock = clock.Real{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.ttl <= 0 {
		t.ttl = 30 * time.Second
	}
	if t.policy.Difficulty == nil {
		t.policy = DefaultRewardPolicy()
	}
	return t
}

// Assign enrols a customer in a challenge.
func (t *Tracker) Assign(ctx context.Context, challengeID, customerID string) (models.CustomerChallenge, error) {
	ch, err := t.catalog.Challenge(challengeID)
	if err != nil {
		return models.CustomerChallenge{}, err
	}
	now := t.clock.Now()
	if !ch.Running(now) {
		return models.CustomerChallenge{}, fmt.Errorf("%w: %s", models.ErrChallengeInactive, challengeID)
	}

	var cc models.CustomerChallenge
	err = t.store.UpdateCustomerChallenges(ctx, customerID, func(tx store.ChallengeTx) error {
		existing, err := tx.Assignments(ch.ID)
		if err != nil {
			return err
		}

		participating := false
		for _, prior := range existing {
			if !ch.IsRepeatable || prior.Status.Open() {
				return fmt.Errorf("%w: %s", models.ErrAlreadyAssigned, ch.ID)
			}
			if prior.Status != models.StatusCancelled {
				participating = true
			}
		}

		if ch.MaxParticipants > 0 && !participating {
			n, err := tx.ParticipantCount(ch.ID)
			if err != nil {
				return err
			}
			if n >= ch.MaxParticipants {
				return fmt.Errorf("%w: %s has %d participants", models.ErrChallengeFull, ch.ID, n)
			}
		}

		cc = models.CustomerChallenge{
			ChallengeID:        ch.ID,
			Status:             models.StatusAssigned,
			ProgressCurrent:    decimal.Zero,
			ProgressTarget:     ch.ProgressTarget(),
			ProgressPercentage: decimal.Zero,
			AssignedAt:         now,
			ExpiresAt:          expiresAt(ch, now),
		}
		return tx.InsertChallenge(&cc)
	})
	if err != nil {
		return models.CustomerChallenge{}, err
	}

	t.invalidate(ctx, ch.ID)
	t.logger.Info("challenge assigned", "challenge_id", ch.ID, "customer_id", customerID, "assignment_id", cc.ID)
	return cc, nil
}

func expiresAt(ch models.Challenge, assigned time.Time) *time.Time {
	var deadline *time.Time
	if ch.DurationDays > 0 {
		d := assigned.AddDate(0, 0, ch.DurationDays)
		deadline = &d
	}
	if ch.EndAt != nil && (deadline == nil || ch.EndAt.Before(*deadline)) {
		end := ch.EndAt.UTC()
		deadline = &end
	}
	return deadline
}

// AssignEligible enrols the customer in every running auto-assign challenge of
// the program, highest priority first. Challenges that are full or already
// assigned are skipped.
func (t *Tracker) AssignEligible(ctx context.Context, customerID, programID string) ([]models.CustomerChallenge, error) {
	program, err := t.catalog.Program(programID)
	if err != nil {
		return nil, err
	}

	candidates := make([]models.Challenge, 0, len(program.Challenges))
	now := t.clock.Now()
	for _, ch := range program.Challenges {
		if ch.AutoAssign && ch.Running(now) {
			candidates = append(candidates, ch)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	var assigned []models.CustomerChallenge
	for _, ch := range candidates {
		cc, err := t.Assign(ctx, ch.ID, customerID)
		switch {
		case err == nil:
			assigned = append(assigned, cc)
		case errors.Is(err, models.ErrAlreadyAssigned),
			errors.Is(err, models.ErrChallengeFull),
			errors.Is(err, models.ErrChallengeInactive):
		default:
			return assigned, err
		}
	}
	return assigned, nil
}

// ProgressResult is what one event did to a customer's challenges.
type ProgressResult struct {
	Updated []models.CustomerChallenge
	Rewards []models.RewardIssuance
}

type milestone struct {
	cc    models.CustomerChallenge
	label string
}

// UpdateProgress applies an event to every open assignment of the customer
// that the event type advances. An event carrying a reference that already
// moved an assignment is ignored for that assignment. Assignments that reach
// their target are completed in the same unit and then claimed.
func (t *Tracker) UpdateProgress(ctx context.Context, customerID string, eventType models.EventType, payload models.EventPayload) (ProgressResult, error) {
	now := t.clock.Now()
	ref := payload.Reference()

	var updated []models.CustomerChallenge
	var milestones []milestone
	err := t.store.UpdateCustomerChallenges(ctx, customerID, func(tx store.ChallengeTx) error {
		updated, milestones = nil, nil

		open, err := tx.OpenChallenges()
		if err != nil {
			return err
		}

		for _, cc := range open {
			ch, err := t.catalog.Challenge(cc.ChallengeID)
			if err != nil {
				t.logger.Warn("assignment references unknown challenge", "assignment_id", cc.ID, "challenge_id", cc.ChallengeID)
				continue
			}
			if !ch.Triggers(eventType) {
				continue
			}
			if cc.ExpiresAt != nil && now.After(*cc.ExpiresAt) {
				continue
			}
			if ref != "" {
				seen, err := tx.HasProgress(cc.ID, eventType, ref)
				if err != nil {
					return err
				}
				if seen {
					continue
				}
			}

			increment, err := t.increment(tx, ch, cc, payload)
			if err != nil {
				return err
			}
			if !increment.IsPositive() {
				continue
			}

			log, label := advance(&cc, increment, now)
			log.ActionType = eventType
			log.ReferenceID = ref

			if err := tx.SaveChallenge(&cc); err != nil {
				return err
			}
			if err := tx.AppendProgressLog(&log); err != nil {
				return err
			}

			updated = append(updated, cc)
			if label != "" {
				milestones = append(milestones, milestone{cc: cc, label: label})
			}
		}
		return nil
	})
	if err != nil {
		return ProgressResult{}, fmt.Errorf("failed to update challenge progress: %w", err)
	}

	result := ProgressResult{Updated: updated}
	for _, m := range milestones {
		if t.notifier != nil {
			t.notifier.PublishMilestone(ctx, m.cc, m.label)
		}
	}

	for i, cc := range result.Updated {
		t.invalidate(ctx, cc.ChallengeID)
		if cc.Status != models.StatusCompleted {
			continue
		}

		// Progress is committed; a failed claim stays claimable later.
		var claim Claim
		err := retry.Do(ctx, t.retry, func(ctx context.Context) error {
			var err error
			claim, err = t.ClaimReward(ctx, cc.ID)
			return err
		})
		if err != nil {
			t.logger.Error("challenge reward claim failed", "assignment_id", cc.ID, "customer_id", customerID, "error", err)
			continue
		}
		result.Updated[i] = claim.Challenge
		result.Rewards = append(result.Rewards, claim.Reward)
	}

	return result, nil
}

func (t *Tracker) increment(tx store.ChallengeTx, ch models.Challenge, cc models.CustomerChallenge, payload models.EventPayload) (decimal.Decimal, error) {
	switch ch.ChallengeType {
	case models.ChallengeValue:
		if payload.OrderTotal.IsPositive() {
			return payload.OrderTotal, nil
		}
		return decimal.Zero, nil

	case models.ChallengeVariety:
		seen, err := tx.SeenItems(cc.ID)
		if err != nil {
			return decimal.Zero, err
		}
		var fresh []string
		for _, item := range payload.MenuItems {
			if item == "" || seen[item] {
				continue
			}
			seen[item] = true
			fresh = append(fresh, item)
		}
		if len(fresh) == 0 {
			return decimal.Zero, nil
		}
		if err := tx.AddSeenItems(cc.ID, fresh); err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromInt(int64(len(fresh))), nil

	default:
		return decimal.NewFromInt(1), nil
	}
}

var (
	hundred    = decimal.NewFromInt(100)
	boundaries = []struct {
		pct   int
		label string
	}{
		{100, models.MilestoneCompleted},
		{75, models.Milestone75},
		{50, models.Milestone50},
		{25, models.Milestone25},
	}
)

// Percentage is progress over target in percent, rounded to two places and
// capped at 100.
func Percentage(current, target decimal.Decimal) decimal.Decimal {
	if !target.IsPositive() {
		return hundred
	}
	pct := current.Div(target).Mul(hundred).Round(2)
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}

// advance applies increment to cc and returns the progress log plus the label
// of the highest milestone newly crossed, if any.
func advance(cc *models.CustomerChallenge, increment decimal.Decimal, now time.Time) (models.ChallengeProgressLog, string) {
	before := cc.ProgressCurrent
	after := before.Add(increment)
	if after.GreaterThan(cc.ProgressTarget) {
		after = cc.ProgressTarget
	}

	cc.ProgressCurrent = after
	cc.ProgressPercentage = Percentage(after, cc.ProgressTarget)

	if cc.Status == models.StatusAssigned {
		cc.Status = models.StatusActive
		started := now
		cc.StartedAt = &started
	}

	log := models.ChallengeProgressLog{
		CustomerChallengeID: cc.ID,
		ProgressBefore:      before,
		ProgressAfter:       after,
		ProgressIncrement:   after.Sub(before),
		CreatedAt:           now,
	}

	// Only the highest boundary is logged when one event crosses several.
	var label string
	complete := after.GreaterThanOrEqual(cc.ProgressTarget)
	for _, b := range boundaries {
		if b.pct <= cc.LastMilestone {
			break
		}
		reached := cc.ProgressPercentage.GreaterThanOrEqual(decimal.NewFromInt(int64(b.pct)))
		if b.pct == 100 {
			reached = complete
		}
		if reached {
			cc.LastMilestone = b.pct
			label = b.label
			log.MilestoneReached = true
			log.MilestoneType = b.label
			break
		}
	}

	if complete {
		cc.Status = models.StatusCompleted
		done := now
		cc.CompletedAt = &done
	}

	return log, label
}

// Claim is the outcome of claiming a challenge reward.
type Claim struct {
	Challenge models.CustomerChallenge
	Reward    models.RewardIssuance
	Created   bool
}

// ClaimReward issues the reward of a completed assignment and marks it
// rewarded. Claiming a rewarded assignment again returns the original
// issuance. Points rewards are credited to the customer's program account.
func (t *Tracker) ClaimReward(ctx context.Context, assignmentID string) (Claim, error) {
	current, err := t.store.GetCustomerChallenge(ctx, assignmentID)
	if err != nil {
		return Claim{}, err
	}
	ch, err := t.catalog.Challenge(current.ChallengeID)
	if err != nil {
		return Claim{}, err
	}

	// Sized before the unit opens: tier lookups read the account store.
	calc, err := t.CalculateChallengeRewards(ctx, ch.ID, current.CustomerID)
	if err != nil {
		return Claim{}, err
	}

	now := t.clock.Now()
	var claim Claim
	err = t.store.UpdateCustomerChallenges(ctx, current.CustomerID, func(tx store.ChallengeTx) error {
		claim = Claim{}

		cc, err := tx.CustomerChallenge(assignmentID)
		if err != nil {
			return err
		}

		switch cc.Status {
		case models.StatusRewarded:
			existing, err := tx.RewardFor(models.RewardFromChallenge, cc.ID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("%w: %s has no issuance record", models.ErrAlreadyClaimed, cc.ID)
			}
			claim = Claim{Challenge: cc, Reward: *existing}
			return nil
		case models.StatusCompleted:
		default:
			return fmt.Errorf("%w: assignment %s is %s", models.ErrNotCompleted, cc.ID, cc.Status)
		}

		reward := models.RewardIssuance{
			Source:      models.RewardFromChallenge,
			SourceID:    cc.ID,
			ProgramID:   ch.ProgramID,
			RewardType:  ch.RewardType,
			RewardValue: calc.AdjustedValue,
			CreatedAt:   now,
		}
		if err := tx.InsertReward(&reward); err != nil {
			return err
		}

		rewarded := now
		cc.Status = models.StatusRewarded
		cc.RewardClaimed = true
		cc.RewardedAt = &rewarded
		if err := tx.SaveChallenge(&cc); err != nil {
			return err
		}

		claim = Claim{Challenge: cc, Reward: reward, Created: true}
		return nil
	})
	if err != nil {
		return Claim{}, err
	}

	if t.ledger != nil {
		if _, err := t.ledger.CreditReward(ctx, claim.Reward); err != nil {
			return Claim{}, err
		}
	}

	if claim.Created {
		t.invalidate(ctx, ch.ID)
		t.logger.Info("challenge rewarded", "assignment_id", assignmentID, "customer_id", claim.Reward.CustomerID,
			"reward_type", claim.Reward.RewardType, "reward_value", claim.Reward.RewardValue.String())
		if t.notifier != nil {
			t.notifier.PublishReward(ctx, claim.Reward)
		}
	}
	return claim, nil
}

// CalculateChallengeRewards sizes the reward of a challenge for a customer.
// Customers without an account in the program use the lowest tier.
func (t *Tracker) CalculateChallengeRewards(ctx context.Context, challengeID, customerID string) (models.RewardCalculation, error) {
	ch, err := t.catalog.Challenge(challengeID)
	if err != nil {
		return models.RewardCalculation{}, err
	}

	points := decimal.Zero
	acct, err := t.accounts.FindAccount(ctx, customerID, ch.ProgramID)
	switch {
	case err == nil:
		points = acct.CurrentPoints
	case errors.Is(err, models.ErrAccountNotFound):
	default:
		return models.RewardCalculation{}, err
	}

	tierDef, err := t.tiers.ResolveTier(ch.ProgramID, points)
	if err != nil {
		return models.RewardCalculation{}, err
	}

	return t.policy.Calculate(ch.RewardValue, tier.Multiplier(tierDef), t.policy.DifficultyMultiplier(ch.Difficulty)), nil
}

// Calculate multiplies base by both multipliers and clamps the result.
func (p RewardPolicy) Calculate(base, tierMultiplier, difficultyMultiplier decimal.Decimal) models.RewardCalculation {
	adjusted := base.Mul(tierMultiplier).Mul(difficultyMultiplier)

	low := base.Mul(p.Floor)
	high := base.Mul(p.Ceiling)
	if adjusted.LessThan(low) {
		adjusted = low
	}
	if adjusted.GreaterThan(high) {
		adjusted = high
	}

	return models.RewardCalculation{
		BaseValue:            base,
		TierMultiplier:       tierMultiplier,
		DifficultyMultiplier: difficultyMultiplier,
		AdjustedValue:        adjusted.Round(2),
	}
}

// Cancel moves an assignment to cancelled. Rewarded, expired and cancelled
// assignments cannot be cancelled.
func (t *Tracker) Cancel(ctx context.Context, assignmentID, actor string) (models.CustomerChallenge, error) {
	current, err := t.store.GetCustomerChallenge(ctx, assignmentID)
	if err != nil {
		return models.CustomerChallenge{}, err
	}

	now := t.clock.Now()
	var cc models.CustomerChallenge
	err = t.store.UpdateCustomerChallenges(ctx, current.CustomerID, func(tx store.ChallengeTx) error {
		var err error
		cc, err = tx.CustomerChallenge(assignmentID)
		if err != nil {
			return err
		}
		switch cc.Status {
		case models.StatusAssigned, models.StatusActive, models.StatusCompleted:
		default:
			return fmt.Errorf("%w: cannot cancel %s assignment", models.ErrInvalidTransition, cc.Status)
		}

		cancelled := now
		cc.Status = models.StatusCancelled
		cc.CancelledAt = &cancelled
		return tx.SaveChallenge(&cc)
	})
	if err != nil {
		return models.CustomerChallenge{}, err
	}

	t.invalidate(ctx, cc.ChallengeID)
	t.logger.Info("challenge cancelled", "assignment_id", cc.ID, "customer_id", cc.CustomerID, "actor", actor)
	return cc, nil
}

// ExpireOldChallenges expires open assignments past their deadline and
// returns how many changed. Each row is its own unit; failures are collected
// and do not undo earlier rows.
func (t *Tracker) ExpireOldChallenges(ctx context.Context) (int, error) {
	now := t.clock.Now()
	ids, err := t.store.ExpiredChallengeIDs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired challenges: %w", err)
	}

	count := 0
	touched := make(map[string]bool)
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var changed bool
		err := retry.Do(ctx, t.retry, func(ctx context.Context) error {
			var err error
			changed, err = t.store.ExpireChallenge(ctx, id, now)
			return err
		})
		if err != nil {
			t.logger.Error("challenge expiry failed", "assignment_id", id, "error", err)
			errs = append(errs, fmt.Errorf("assignment %s: %w", id, err))
			continue
		}
		if !changed {
			continue
		}
		count++
		if cc, err := t.store.GetCustomerChallenge(ctx, id); err == nil {
			touched[cc.ChallengeID] = true
		}
	}

	for challengeID := range touched {
		t.invalidate(ctx, challengeID)
	}

	t.logger.Info("challenge expiry finished", "candidates", len(ids), "expired", count)
	return count, errors.Join(errs...)
}

// Leaderboard ranks every assignment of a challenge by progress, earlier
// completion first on ties. Results are cached until progress changes.
func (t *Tracker) Leaderboard(ctx context.Context, challengeID string) ([]models.LeaderboardEntry, error) {
	if _, err := t.catalog.Challenge(challengeID); err != nil {
		return nil, err
	}

	key := cache.LeaderboardKey(challengeID)
	if t.cache != nil {
		var cached []models.LeaderboardEntry
		err := cache.GetJSON(ctx, t.cache, key, &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			t.logger.Warn("leaderboard cache read failed", "challenge_id", challengeID, "error", err)
		}
	}

	rows, err := t.store.ListChallengeAssignments(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	board := Rank(rows)

	if t.cache != nil {
		if err := cache.SetJSON(ctx, t.cache, key, board, t.ttl); err != nil {
			t.logger.Warn("leaderboard cache write failed", "challenge_id", challengeID, "error", err)
		}
	}
	return board, nil
}

// Rank orders assignments by percentage descending, then completion time
// ascending with unfinished rows last. Ranks are 1-based positions.
func Rank(rows []models.CustomerChallenge) []models.LeaderboardEntry {
	sorted := make([]models.CustomerChallenge, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if c := a.ProgressPercentage.Cmp(b.ProgressPercentage); c != 0 {
			return c > 0
		}
		switch {
		case a.CompletedAt != nil && b.CompletedAt != nil:
			if !a.CompletedAt.Equal(*b.CompletedAt) {
				return a.CompletedAt.Before(*b.CompletedAt)
			}
		case a.CompletedAt != nil:
			return true
		case b.CompletedAt != nil:
			return false
		}
		return a.AssignedAt.Before(b.AssignedAt)
	})

	board := make([]models.LeaderboardEntry, len(sorted))
	for i, cc := range sorted {
		board[i] = models.LeaderboardEntry{
			Rank:                i + 1,
			CustomerID:          cc.CustomerID,
			CustomerChallengeID: cc.ID,
			Status:              cc.Status,
			ProgressPercentage:  cc.ProgressPercentage,
			CompletedAt:         cc.CompletedAt,
		}
	}
	return board
}

func (t *Tracker) invalidate(ctx context.Context, challengeID string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Delete(ctx, cache.LeaderboardKey(challengeID)); err != nil {
		t.logger.Warn("leaderboard cache invalidation failed", "challenge_id", challengeID, "error", err)
	}
}
