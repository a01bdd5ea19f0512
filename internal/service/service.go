// Package service is the engine's facade: it fans domain events out to the
// points engine, challenge tracker and stamp card tracker, and exposes the
// on-demand operations behind the HTTP surface.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"loyalty-engine/internal/cache"
	"loyalty-engine/internal/challenge"
	"loyalty-engine/internal/clock"
	"loyalty-engine/internal/config"
	"loyalty-engine/internal/database"
	"loyalty-engine/internal/events"
	"loyalty-engine/internal/features"
	"loyalty-engine/internal/ledger"
	"loyalty-engine/internal/metrics"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/points"
	"loyalty-engine/internal/random"
	"loyalty-engine/internal/retry"
	"loyalty-engine/internal/spin"
	"loyalty-engine/internal/stamp"
	"loyalty-engine/internal/tier"
	"loyalty-engine/internal/tracing"
	"loyalty-engine/internal/validation"
)

// Consumer names used in logs and metrics.
const (
	consumerPoints     = "points"
	consumerChallenges = "challenges"
	consumerStamps     = "stamps"
)

// Config wires a Service.
type Config struct {
	DB             *database.DB
	Catalog        *config.Catalog
	Cache          cache.Cache
	Events         *events.Manager
	Features       *features.Manager
	Clock          clock.Clock
	Random         random.Source
	Retry          retry.Policy
	RewardPolicy   challenge.RewardPolicy
	LeaderboardTTL time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Service provides the loyalty engine's operations.
type Service struct {
	db         *database.DB
	catalog    *config.Catalog
	ledger     *ledger.Ledger
	points     *points.Engine
	challenges *challenge.Tracker
	stamps     *stamp.Tracker
	spins      *spin.Resolver
	features   *features.Manager
	clock      clock.Clock
	retry      retry.Policy
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewService builds the engine components over one store.
func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewInMemoryCache()
	}
	if cfg.Features == nil {
		cfg.Features = features.FromConfig(config.Default().Features)
	}
	if cfg.Events == nil {
		cfg.Events = events.NewManager(false, cfg.Logger)
	}
	if cfg.Random == nil {
		cfg.Random = random.New(uint64(time.Now().UnixNano()))
	}

	tiers := tier.NewRegistry(cfg.Catalog.Programs())
	l := ledger.New(cfg.DB, cfg.Catalog, tiers, cfg.Clock)

	// Points rewards are credited only when the flag is on at startup.
	rewardLedger := l
	if !cfg.Features.IsEnabled(features.PointsRewards) {
		rewardLedger = nil
	}
	pub := &publisher{events: cfg.Events, features: cfg.Features, metrics: cfg.Metrics}

	return &Service{
		db:      cfg.DB,
		catalog: cfg.Catalog,
		ledger:  l,
		points:  points.New(l, cfg.DB, tiers, cfg.Retry, cfg.Logger.With("component", "points")),
		challenges: challenge.New(challenge.Config{
			Store:          cfg.DB,
			Accounts:       cfg.DB,
			Catalog:        cfg.Catalog,
			Tiers:          tiers,
			Ledger:         rewardLedger,
			Cache:          cfg.Cache,
			LeaderboardTTL: cfg.LeaderboardTTL,
			Clock:          cfg.Clock,
			Policy:         cfg.RewardPolicy,
			Retry:          cfg.Retry,
			Notifier:       pub,
			Logger:         cfg.Logger.With("component", "challenges"),
		}),
		stamps: stamp.New(cfg.DB, cfg.Catalog, rewardLedger, cfg.Clock, pub, cfg.Logger.With("component", "stamps")),
		spins: spin.New(spin.Config{
			Store:     cfg.DB,
			Accounts:  cfg.DB,
			Wheels:    cfg.Catalog,
			Tiers:     tiers,
			Ledger:    rewardLedger,
			Clock:     cfg.Clock,
			Random:    cfg.Random,
			Publisher: pub,
			Logger:    cfg.Logger.With("component", "spins"),
		}),
		features: cfg.Features,
		clock:    cfg.Clock,
		retry:    cfg.Retry,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// publisher forwards committed rewards and milestones to the event manager
// while the publish flag is on.
type publisher struct {
	events   *events.Manager
	features *features.Manager
	metrics  *metrics.Metrics
}

func (p *publisher) PublishReward(ctx context.Context, reward models.RewardIssuance) {
	p.metrics.IncReward(string(reward.Source), reward.RewardType)
	if p.features.IsEnabled(features.RewardPublish) {
		p.events.PublishReward(ctx, reward)
	}
}

func (p *publisher) PublishMilestone(ctx context.Context, cc models.CustomerChallenge, milestone string) {
	if p.features.IsEnabled(features.RewardPublish) {
		p.events.PublishMilestone(ctx, cc, milestone)
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracing.GetTracer().StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Ingest validates a domain event and hands it to every interested consumer.
// Consumers run independently: each is retried on its own, one failing does
// not stop the others, and their errors are joined. Redelivering an event with
// the same reference changes nothing.
func (s *Service) Ingest(ctx context.Context, ev models.DomainEvent) (result models.IngressResult, err error) {
	ctx, span := s.startSpan(ctx, "service.Ingest",
		attribute.String("loyalty.event_type", string(ev.Type)),
		attribute.String("loyalty.customer_id", ev.CustomerID),
		attribute.String("loyalty.program_id", ev.ProgramID),
	)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.ObserveEvent(string(ev.Type), outcome)
		endSpan(span, err)
	}()

	if err := validation.ValidateEvent(ev, s.clock.Now()); err != nil {
		return models.IngressResult{}, err
	}
	if !ev.Type.Known() {
		return models.IngressResult{}, fmt.Errorf("%w: %q", models.ErrUnknownEventType, ev.Type)
	}
	if _, err := s.catalog.Program(ev.ProgramID); err != nil {
		return models.IngressResult{}, err
	}
	if ev.Type == models.EventMilestoneReached {
		// Emitted by the engine itself; nothing consumes it.
		return models.IngressResult{}, nil
	}

	acct, err := retry.Value(ctx, s.retry, func(ctx context.Context) (models.LoyaltyAccount, error) {
		return s.db.GetOrCreateAccount(ctx, ev.CustomerID, ev.ProgramID, s.clock.Now())
	})
	if err != nil {
		return models.IngressResult{}, fmt.Errorf("failed to open account: %w", err)
	}

	var errs []error
	consume := func(name string, op func(ctx context.Context) error) {
		if err := retry.Do(ctx, s.retry, op); err != nil {
			s.metrics.IncConsumerError(name)
			s.logger.Error("event consumer failed", "consumer", name, "event_type", string(ev.Type),
				"customer_id", ev.CustomerID, "reference", ev.Payload.Reference(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	p := ev.Payload
	switch ev.Type {
	case models.EventOrderPlaced:
		if p.OrderTotal.IsPositive() {
			consume(consumerPoints, func(ctx context.Context) error {
				entry, err := s.points.AwardPoints(ctx, acct.ID, p.OrderTotal, p.Context, p.Reference())
				if err != nil {
					return err
				}
				s.metrics.AddPoints(string(entry.TransactionType), entry.Amount.InexactFloat64())
				result.LedgerEntry = &entry
				return nil
			})
		}
		s.consumeChallenges(ctx, ev, &result, consume)
		if s.features.IsEnabled(features.StampCards) {
			consume(consumerStamps, func(ctx context.Context) error {
				card, err := s.stamps.HandleOrder(ctx, ev.CustomerID, ev.ProgramID, p)
				if err != nil {
					return err
				}
				result.StampCard = card
				return nil
			})
		}

	case models.EventManualAdjustment:
		consume(consumerPoints, func(ctx context.Context) error {
			entry, err := s.points.Adjust(ctx, acct.ID, p.Amount, p.Actor, p.Reason, p.Reference())
			if err != nil {
				return err
			}
			s.metrics.AddPoints(string(entry.TransactionType), entry.Amount.InexactFloat64())
			result.LedgerEntry = &entry
			return nil
		})

	default:
		s.consumeChallenges(ctx, ev, &result, consume)
	}

	return result, errors.Join(errs...)
}

func (s *Service) consumeChallenges(ctx context.Context, ev models.DomainEvent, result *models.IngressResult, consume func(string, func(context.Context) error)) {
	if !s.features.IsEnabled(features.Challenges) {
		return
	}

	consume(consumerChallenges, func(ctx context.Context) error {
		if s.features.IsEnabled(features.AutoAssign) {
			if _, err := s.challenges.AssignEligible(ctx, ev.CustomerID, ev.ProgramID); err != nil {
				return err
			}
		}
		progress, err := s.challenges.UpdateProgress(ctx, ev.CustomerID, ev.Type, ev.Payload)
		if err != nil {
			return err
		}
		result.Challenges = progress.Updated
		result.Rewards = append(result.Rewards, progress.Rewards...)
		return nil
	})
}

// GetAccount loads a loyalty account.
func (s *Service) GetAccount(ctx context.Context, accountID string) (models.LoyaltyAccount, error) {
	return s.db.GetAccount(ctx, accountID)
}

// ListLedger returns an account's entries in append order.
func (s *Service) ListLedger(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	if _, err := s.db.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.db.ListLedgerEntries(ctx, accountID)
}

// Redeem debits points from an account and prices the redemption.
func (s *Service) Redeem(ctx context.Context, accountID string, req models.RedeemRequest) (models.RedeemResponse, error) {
	ctx, span := s.startSpan(ctx, "service.Redeem", attribute.String("loyalty.account_id", accountID))
	var err error
	defer func() { endSpan(span, err) }()

	if err = validation.ValidateRedeem(req); err != nil {
		return models.RedeemResponse{}, err
	}
	acct, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return models.RedeemResponse{}, err
	}
	program, err := s.catalog.Program(acct.ProgramID)
	if err != nil {
		return models.RedeemResponse{}, err
	}

	entry, err := retry.Value(ctx, s.retry, func(ctx context.Context) (models.LedgerEntry, error) {
		return s.points.RedeemPoints(ctx, accountID, req.Points, req.RedemptionType, req.ReferenceID)
	})
	if err != nil {
		return models.RedeemResponse{}, err
	}
	s.metrics.AddPoints(string(entry.TransactionType), entry.Amount.InexactFloat64())

	return models.RedeemResponse{
		Entry: entry,
		Value: points.RedemptionValue(program, entry.Amount.Abs()),
	}, nil
}

// Deactivate soft-deactivates an account.
func (s *Service) Deactivate(ctx context.Context, accountID string) (models.LoyaltyAccount, error) {
	return retry.Value(ctx, s.retry, func(ctx context.Context) (models.LoyaltyAccount, error) {
		return s.ledger.Deactivate(ctx, accountID)
	})
}

// Reverse writes the compensating entry of a reversible ledger entry.
func (s *Service) Reverse(ctx context.Context, entryID, actor string) (models.LedgerEntry, error) {
	if err := validation.ValidateID(actor, "actor"); err != nil {
		return models.LedgerEntry{}, err
	}
	return retry.Value(ctx, s.retry, func(ctx context.Context) (models.LedgerEntry, error) {
		return s.ledger.Reverse(ctx, entryID, actor)
	})
}

// AssignChallenge enrols a customer in a challenge.
func (s *Service) AssignChallenge(ctx context.Context, challengeID, customerID string) (models.CustomerChallenge, error) {
	if err := s.requireFeature(features.Challenges); err != nil {
		return models.CustomerChallenge{}, err
	}
	if err := validation.ValidateID(customerID, "customer_id"); err != nil {
		return models.CustomerChallenge{}, err
	}
	return retry.Value(ctx, s.retry, func(ctx context.Context) (models.CustomerChallenge, error) {
		return s.challenges.Assign(ctx, challengeID, customerID)
	})
}

// Leaderboard ranks a challenge's assignments.
func (s *Service) Leaderboard(ctx context.Context, challengeID string) ([]models.LeaderboardEntry, error) {
	return s.challenges.Leaderboard(ctx, challengeID)
}

// ChallengeRewards sizes a challenge reward for a customer.
func (s *Service) ChallengeRewards(ctx context.Context, challengeID, customerID string) (models.RewardCalculation, error) {
	return s.challenges.CalculateChallengeRewards(ctx, challengeID, customerID)
}

// ClaimChallenge issues the reward of a completed assignment.
func (s *Service) ClaimChallenge(ctx context.Context, assignmentID string) (models.ClaimResponse, error) {
	claim, err := retry.Value(ctx, s.retry, func(ctx context.Context) (challenge.Claim, error) {
		return s.challenges.ClaimReward(ctx, assignmentID)
	})
	if err != nil {
		return models.ClaimResponse{}, err
	}
	return models.ClaimResponse{Challenge: claim.Challenge, Reward: claim.Reward, Created: claim.Created}, nil
}

// CancelChallenge cancels an assignment.
func (s *Service) CancelChallenge(ctx context.Context, assignmentID, actor string) (models.CustomerChallenge, error) {
	if err := validation.ValidateID(actor, "actor"); err != nil {
		return models.CustomerChallenge{}, err
	}
	return retry.Value(ctx, s.retry, func(ctx context.Context) (models.CustomerChallenge, error) {
		return s.challenges.Cancel(ctx, assignmentID, actor)
	})
}

// ClaimStampCard issues the reward of a completed stamp card.
func (s *Service) ClaimStampCard(ctx context.Context, cardID string) (models.StampClaimResponse, error) {
	if err := s.requireFeature(features.StampCards); err != nil {
		return models.StampClaimResponse{}, err
	}

	var resp models.StampClaimResponse
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		card, reward, err := s.stamps.ClaimReward(ctx, cardID)
		if err != nil {
			return err
		}
		resp = models.StampClaimResponse{Card: card, Reward: reward}
		return nil
	})
	return resp, err
}

// Spin draws a prize for a customer.
func (s *Service) Spin(ctx context.Context, req models.SpinRequest) (models.SpinResult, error) {
	ctx, span := s.startSpan(ctx, "service.Spin",
		attribute.String("loyalty.customer_id", req.CustomerID),
		attribute.String("loyalty.wheel_id", req.WheelID),
	)
	var err error
	defer func() { endSpan(span, err) }()

	if err = s.requireFeature(features.SpinWheel); err != nil {
		return models.SpinResult{}, err
	}
	if err = validation.ValidateSpin(req); err != nil {
		return models.SpinResult{}, err
	}

	result, err := retry.Value(ctx, s.retry, func(ctx context.Context) (models.SpinResult, error) {
		return s.spins.Spin(ctx, req.CustomerID, req.WheelID, req.SpinType)
	})
	s.metrics.ObserveSpin(req.WheelID, spinOutcome(err))
	if err != nil {
		return models.SpinResult{}, err
	}
	span.SetAttributes(attribute.String("loyalty.prize_id", result.PrizeID))
	return result, nil
}

func spinOutcome(err error) string {
	switch {
	case err == nil:
		return "won"
	case errors.Is(err, models.ErrNoSpinsRemaining):
		return "no_spins"
	case errors.Is(err, models.ErrDailyLimitReached):
		return "daily_limit"
	case errors.Is(err, models.ErrNoPrizesAvailable):
		return "no_prizes"
	}
	return "error"
}

// GrantSpins tops up a customer's spin allowance.
func (s *Service) GrantSpins(ctx context.Context, req models.GrantSpinsRequest) (models.SpinWheelAccount, error) {
	if err := s.requireFeature(features.SpinWheel); err != nil {
		return models.SpinWheelAccount{}, err
	}
	if err := validation.ValidateGrant(req); err != nil {
		return models.SpinWheelAccount{}, err
	}
	return retry.Value(ctx, s.retry, func(ctx context.Context) (models.SpinWheelAccount, error) {
		return s.spins.GrantSpins(ctx, req.CustomerID, req.WheelID, req.Free, req.Paid)
	})
}

// RedeemSpin links a spin prize to the order that consumed it.
func (s *Service) RedeemSpin(ctx context.Context, spinID string, req models.RedeemSpinRequest) (models.SpinResult, error) {
	if err := validation.ValidateID(req.OrderID, "order_id"); err != nil {
		return models.SpinResult{}, err
	}
	return retry.Value(ctx, s.retry, func(ctx context.Context) (models.SpinResult, error) {
		return s.spins.RedeemPrize(ctx, spinID, req.OrderID)
	})
}

// ExpirePoints runs the points expiry sweep as of asOf, or now when asOf is
// zero.
func (s *Service) ExpirePoints(ctx context.Context, asOf time.Time) (int, error) {
	ctx, span := s.startSpan(ctx, "service.ExpirePoints")
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	n, err := s.points.ExpirePoints(ctx, asOf)
	s.metrics.AddSweepRows("points", n)
	endSpan(span, err)
	return n, err
}

// ExpireChallenges runs the challenge expiry sweep.
func (s *Service) ExpireChallenges(ctx context.Context) (int, error) {
	ctx, span := s.startSpan(ctx, "service.ExpireChallenges")
	n, err := s.challenges.ExpireOldChallenges(ctx)
	s.metrics.AddSweepRows("challenges", n)
	endSpan(span, err)
	return n, err
}

// Health reports whether the store is reachable.
func (s *Service) Health(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Balance returns a customer's current points in a program.
func (s *Service) Balance(ctx context.Context, customerID, programID string) (decimal.Decimal, error) {
	acct, err := s.db.FindAccount(ctx, customerID, programID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.CurrentPoints, nil
}

func (s *Service) requireFeature(name string) error {
	if !s.features.IsEnabled(name) {
		return fmt.Errorf("%w: %s", models.ErrFeatureDisabled, name)
	}
	return nil
}
