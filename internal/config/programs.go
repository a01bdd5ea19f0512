package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"loyalty-engine/internal/models"
)

// Catalog is the read-only program configuration the engine runs against.
type Catalog struct {
	programs   []models.Program
	byID       map[string]int
	challenges map[string]models.Challenge
	wheels     map[string]models.SpinWheel
}

type catalogFile struct {
	Programs []models.Program `yaml:"programs"`
}

// LoadCatalog reads and validates a YAML program file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read programs file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates YAML program definitions.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse programs: %w", err)
	}
	return NewCatalog(file.Programs)
}

// NewCatalog validates programs and indexes their challenges and wheels.
func NewCatalog(programs []models.Program) (*Catalog, error) {
	c := &Catalog{
		byID:       make(map[string]int, len(programs)),
		challenges: make(map[string]models.Challenge),
		wheels:     make(map[string]models.SpinWheel),
	}

	var errs []error
	for _, p := range programs {
		if err := validateProgram(p); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.byID[p.ID]; dup {
			errs = append(errs, fmt.Errorf("program %s: duplicate id", p.ID))
			continue
		}

		for i := range p.Challenges {
			p.Challenges[i].ProgramID = p.ID
			ch := p.Challenges[i]
			if _, dup := c.challenges[ch.ID]; dup {
				errs = append(errs, fmt.Errorf("challenge %s: duplicate id", ch.ID))
				continue
			}
			c.challenges[ch.ID] = ch
		}
		for i := range p.SpinWheels {
			p.SpinWheels[i].ProgramID = p.ID
			w := p.SpinWheels[i]
			if _, dup := c.wheels[w.ID]; dup {
				errs = append(errs, fmt.Errorf("spin wheel %s: duplicate id", w.ID))
				continue
			}
			c.wheels[w.ID] = w
		}

		c.byID[p.ID] = len(c.programs)
		c.programs = append(c.programs, p)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid program configuration: %w", err)
	}
	return c, nil
}

// Program returns a program by ID.
func (c *Catalog) Program(id string) (models.Program, error) {
	i, ok := c.byID[id]
	if !ok {
		return models.Program{}, fmt.Errorf("%w: %s", models.ErrProgramNotFound, id)
	}
	return c.programs[i], nil
}

// Programs returns every program in file order.
func (c *Catalog) Programs() []models.Program {
	return c.programs
}

// Challenge returns a challenge template by ID.
func (c *Catalog) Challenge(id string) (models.Challenge, error) {
	ch, ok := c.challenges[id]
	if !ok {
		return models.Challenge{}, fmt.Errorf("%w: %s", models.ErrChallengeNotFound, id)
	}
	return ch, nil
}

// Wheel returns a spin wheel by ID.
func (c *Catalog) Wheel(id string) (models.SpinWheel, error) {
	w, ok := c.wheels[id]
	if !ok {
		return models.SpinWheel{}, fmt.Errorf("%w: %s", models.ErrWheelNotFound, id)
	}
	return w, nil
}

var one = decimal.NewFromInt(1)

func validateProgram(p models.Program) error {
	if p.ID == "" {
		return errors.New("program id is required")
	}
	wrap := func(format string, args ...any) error {
		return fmt.Errorf("program %s: "+format, append([]any{p.ID}, args...)...)
	}

	if p.PointsPerCurrency.IsNegative() {
		return wrap("points_per_currency must not be negative")
	}
	if p.MinimumPointsRedemption.IsNegative() {
		return wrap("minimum_points_redemption must not be negative")
	}
	if p.PointsExpiryDays < 0 {
		return wrap("points_expiry_days must not be negative")
	}
	for name, m := range map[string]decimal.Decimal{
		"happy_hour":  p.BonusMultipliers.HappyHour,
		"birthday":    p.BonusMultipliers.Birthday,
		"first_order": p.BonusMultipliers.FirstOrder,
		"referral":    p.BonusMultipliers.Referral,
	} {
		if !m.IsZero() && m.LessThan(one) {
			return wrap("bonus multiplier %s must be at least 1", name)
		}
	}

	if len(p.Tiers) == 0 {
		return wrap("at least one tier is required")
	}
	tierIDs := make(map[string]bool, len(p.Tiers))
	for i, t := range p.Tiers {
		if t.ID == "" || tierIDs[t.ID] {
			return wrap("tier %d: missing or duplicate id", i)
		}
		tierIDs[t.ID] = true
		if i == 0 && !t.MinPointsRequired.IsZero() {
			return wrap("lowest tier must start at 0 points")
		}
		if i > 0 && !t.MinPointsRequired.GreaterThan(p.Tiers[i-1].MinPointsRequired) {
			return wrap("tier %s: thresholds must be strictly increasing", t.ID)
		}
		if t.PointsMultiplier.LessThan(one) {
			return wrap("tier %s: points_multiplier must be at least 1", t.ID)
		}
	}

	if sc := p.StampCard; sc != nil {
		if sc.StampsRequired <= 0 || sc.StampsPerOrder <= 0 {
			return wrap("stamp card needs positive stamps_required and stamps_per_order")
		}
		if sc.RewardType == "" {
			return wrap("stamp card reward_type is required")
		}
	}

	for _, ch := range p.Challenges {
		if err := validateChallenge(ch); err != nil {
			return wrap("%w", err)
		}
	}

	for _, w := range p.SpinWheels {
		if err := validateWheel(w, tierIDs); err != nil {
			return wrap("%w", err)
		}
	}

	return nil
}

func validateChallenge(ch models.Challenge) error {
	if ch.ID == "" {
		return errors.New("challenge id is required")
	}
	switch ch.ChallengeType {
	case models.ChallengeFrequency, models.ChallengeVariety, models.ChallengeValue,
		models.ChallengeSocial, models.ChallengeSeasonal, models.ChallengeReferral:
	default:
		return fmt.Errorf("challenge %s: unknown type %q", ch.ID, ch.ChallengeType)
	}
	if !ch.ProgressTarget().IsPositive() {
		return fmt.Errorf("challenge %s: requirement for %s must be positive", ch.ID, ch.ChallengeType)
	}
	if ch.RewardType == "" || ch.RewardValue.IsNegative() {
		return fmt.Errorf("challenge %s: reward_type and a non-negative reward_value are required", ch.ID)
	}
	if ch.StartAt != nil && ch.EndAt != nil && ch.EndAt.Before(*ch.StartAt) {
		return fmt.Errorf("challenge %s: end_at before start_at", ch.ID)
	}
	if ch.DurationDays < 0 || ch.MaxParticipants < 0 {
		return fmt.Errorf("challenge %s: duration_days and max_participants must not be negative", ch.ID)
	}
	return nil
}

func validateWheel(w models.SpinWheel, tiers map[string]bool) error {
	if w.ID == "" {
		return errors.New("spin wheel id is required")
	}
	if w.MaxDailySpins <= 0 {
		return fmt.Errorf("spin wheel %s: max_daily_spins must be positive", w.ID)
	}
	if w.InitialFreeSpins < 0 {
		return fmt.Errorf("spin wheel %s: initial_free_spins must not be negative", w.ID)
	}
	for tierID, boost := range w.TierProbabilityBoost {
		if !tiers[tierID] {
			return fmt.Errorf("spin wheel %s: boost for unknown tier %s", w.ID, tierID)
		}
		if boost <= 0 {
			return fmt.Errorf("spin wheel %s: boost for tier %s must be positive", w.ID, tierID)
		}
	}

	prizeIDs := make(map[string]bool, len(w.Prizes))
	for _, p := range w.Prizes {
		if p.ID == "" || prizeIDs[p.ID] {
			return fmt.Errorf("spin wheel %s: missing or duplicate prize id %q", w.ID, p.ID)
		}
		prizeIDs[p.ID] = true
		if p.Probability < 0 || p.Probability > 1 {
			return fmt.Errorf("prize %s: probability must be within [0, 1]", p.ID)
		}
		if p.MaxRedemptions != nil && *p.MaxRedemptions < 0 {
			return fmt.Errorf("prize %s: max_redemptions must not be negative", p.ID)
		}
		if p.ExpirationHours < 0 {
			return fmt.Errorf("prize %s: expiration_hours must not be negative", p.ID)
		}
		for _, t := range p.TierRestrictions {
			if !tiers[t] {
				return fmt.Errorf("prize %s: restricted to unknown tier %s", p.ID, t)
			}
		}
	}
	return nil
}
