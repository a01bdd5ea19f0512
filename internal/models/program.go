package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Program is the read-only configuration of one loyalty program.
type Program struct {
	ID                      string            `json:"id" yaml:"id"`
	Name                    string            `json:"name" yaml:"name"`
	PointsPerCurrency       decimal.Decimal   `json:"points_per_currency" yaml:"points_per_currency"`
	MinimumPointsRedemption decimal.Decimal   `json:"minimum_points_redemption" yaml:"minimum_points_redemption"`
	RedemptionRate          decimal.Decimal   `json:"redemption_rate" yaml:"redemption_rate"`
	PointsExpiryDays        int               `json:"points_expiry_days" yaml:"points_expiry_days"`
	BonusMultipliers        BonusMultipliers  `json:"bonus_multipliers" yaml:"bonus_multipliers"`
	RedemptionOptions       RedemptionOptions `json:"redemption_options" yaml:"redemption_options"`
	Tiers                   []TierDefinition  `json:"tiers" yaml:"tiers"`
	StampCard               *StampCardConfig  `json:"stamp_card,omitempty" yaml:"stamp_card"`
	Challenges              []Challenge       `json:"challenges" yaml:"challenges"`
	SpinWheels              []SpinWheel       `json:"spin_wheels" yaml:"spin_wheels"`
}

// BonusMultipliers are applied multiplicatively when the matching context flag is set.
// A zero value means the bonus is not configured.
type BonusMultipliers struct {
	HappyHour  decimal.Decimal `json:"happy_hour" yaml:"happy_hour"`
	Birthday   decimal.Decimal `json:"birthday" yaml:"birthday"`
	FirstOrder decimal.Decimal `json:"first_order" yaml:"first_order"`
	Referral   decimal.Decimal `json:"referral" yaml:"referral"`
}

// RedemptionOptions toggles redemption types for a program.
type RedemptionOptions struct {
	Discount     bool `json:"discount" yaml:"discount"`
	FreeItem     bool `json:"free_item" yaml:"free_item"`
	FreeDelivery bool `json:"free_delivery" yaml:"free_delivery"`
	CashBack     bool `json:"cash_back" yaml:"cash_back"`
}

// Enabled reports whether a redemption type is known and switched on.
func (o RedemptionOptions) Enabled(redemption Source) bool {
	switch redemption {
	case SourceDiscount:
		return o.Discount
	case SourceFreeItem:
		return o.FreeItem
	case SourceFreeDelivery:
		return o.FreeDelivery
	case SourceCashBack:
		return o.CashBack
	}
	return false
}

// TierDefinition is one level of a program's ordered tier table.
type TierDefinition struct {
	ID                 string          `json:"id" yaml:"id"`
	Name               string          `json:"name" yaml:"name"`
	MinPointsRequired  decimal.Decimal `json:"min_points_required" yaml:"min_points_required"`
	PointsMultiplier   decimal.Decimal `json:"points_multiplier" yaml:"points_multiplier"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage" yaml:"discount_percentage"`
	FreeDelivery       bool            `json:"free_delivery" yaml:"free_delivery"`
	PrioritySupport    bool            `json:"priority_support" yaml:"priority_support"`
	ExclusiveOffers    bool            `json:"exclusive_offers" yaml:"exclusive_offers"`
	BirthdayBonus      bool            `json:"birthday_bonus" yaml:"birthday_bonus"`
}

// Requirements are the typed targets of a challenge template.
type Requirements struct {
	OrderCount    int             `json:"order_count,omitempty" yaml:"order_count"`
	TotalAmount   decimal.Decimal `json:"total_amount" yaml:"total_amount"`
	UniqueItems   int             `json:"unique_items,omitempty" yaml:"unique_items"`
	SocialActions int             `json:"social_actions,omitempty" yaml:"social_actions"`
	Referrals     int             `json:"referrals,omitempty" yaml:"referrals"`
}

// Challenge is a challenge template.
type Challenge struct {
	ID              string          `json:"id" yaml:"id"`
	ProgramID       string          `json:"program_id" yaml:"-"`
	Name            string          `json:"name" yaml:"name"`
	ChallengeType   ChallengeType   `json:"challenge_type" yaml:"challenge_type"`
	Requirements    Requirements    `json:"requirements" yaml:"requirements"`
	RewardType      string          `json:"reward_type" yaml:"reward_type"`
	RewardValue     decimal.Decimal `json:"reward_value" yaml:"reward_value"`
	Difficulty      string          `json:"difficulty,omitempty" yaml:"difficulty"`
	StartAt         *time.Time      `json:"start_at,omitempty" yaml:"start_at"`
	EndAt           *time.Time      `json:"end_at,omitempty" yaml:"end_at"`
	DurationDays    int             `json:"duration_days,omitempty" yaml:"duration_days"`
	IsRepeatable    bool            `json:"is_repeatable" yaml:"is_repeatable"`
	MaxParticipants int             `json:"max_participants,omitempty" yaml:"max_participants"`
	Priority        int             `json:"priority" yaml:"priority"`
	AutoAssign      bool            `json:"auto_assign" yaml:"auto_assign"`
}

// Running reports whether now falls inside the challenge window.
func (c Challenge) Running(now time.Time) bool {
	if c.StartAt != nil && now.Before(*c.StartAt) {
		return false
	}
	if c.EndAt != nil && now.After(*c.EndAt) {
		return false
	}
	return true
}

// ProgressTarget returns the requirement that completes the challenge.
func (c Challenge) ProgressTarget() decimal.Decimal {
	switch c.ChallengeType {
	case ChallengeFrequency, ChallengeSeasonal:
		return decimal.NewFromInt(int64(c.Requirements.OrderCount))
	case ChallengeValue:
		return c.Requirements.TotalAmount
	case ChallengeVariety:
		return decimal.NewFromInt(int64(c.Requirements.UniqueItems))
	case ChallengeSocial:
		return decimal.NewFromInt(int64(c.Requirements.SocialActions))
	case ChallengeReferral:
		return decimal.NewFromInt(int64(c.Requirements.Referrals))
	}
	return decimal.Zero
}

// Triggers reports whether an event of type t advances this challenge.
func (c Challenge) Triggers(t EventType) bool {
	switch c.ChallengeType {
	case ChallengeFrequency, ChallengeSeasonal:
		return t == EventOrderPlaced
	case ChallengeValue:
		return t == EventOrderPlaced || t == EventAmountSpent
	case ChallengeVariety:
		return t == EventOrderPlaced || t == EventItemTried
	case ChallengeSocial:
		return t == EventReviewWritten
	case ChallengeReferral:
		return t == EventFriendReferred
	}
	return false
}

// StampCardConfig configures the stamp card of a program.
type StampCardConfig struct {
	StampsRequired int             `json:"stamps_required" yaml:"stamps_required"`
	StampsPerOrder int             `json:"stamps_per_order" yaml:"stamps_per_order"`
	MinOrderTotal  decimal.Decimal `json:"min_order_total" yaml:"min_order_total"`
	RewardType     string          `json:"reward_type" yaml:"reward_type"`
	RewardValue    decimal.Decimal `json:"reward_value" yaml:"reward_value"`
}

// SpinWheel is a spin wheel definition with its prize table.
type SpinWheel struct {
	ID                   string             `json:"id" yaml:"id"`
	ProgramID            string             `json:"program_id" yaml:"-"`
	Name                 string             `json:"name" yaml:"name"`
	MaxDailySpins        int                `json:"max_daily_spins" yaml:"max_daily_spins"`
	InitialFreeSpins     int                `json:"initial_free_spins" yaml:"initial_free_spins"`
	TierProbabilityBoost map[string]float64 `json:"tier_probability_boost,omitempty" yaml:"tier_probability_boost"`
	Prizes               []SpinWheelPrize   `json:"prizes" yaml:"prizes"`
}

// Boost returns the probability boost for a tier, defaulting to 1.
func (w SpinWheel) Boost(tierID string) float64 {
	if b, ok := w.TierProbabilityBoost[tierID]; ok && b > 0 {
		return b
	}
	return 1.0
}

// SpinWheelPrize is one slot of a wheel. CurrentRedemptions is live state
// loaded from the store, not configuration.
type SpinWheelPrize struct {
	ID                 string          `json:"id" yaml:"id"`
	Type               string          `json:"type" yaml:"type"`
	Value              decimal.Decimal `json:"value" yaml:"value"`
	Probability        float64         `json:"probability" yaml:"probability"`
	MaxRedemptions     *int            `json:"max_redemptions,omitempty" yaml:"max_redemptions"`
	CurrentRedemptions int             `json:"current_redemptions" yaml:"-"`
	TierRestrictions   []string        `json:"tier_restrictions,omitempty" yaml:"tier_restrictions"`
	ExpirationHours    int             `json:"expiration_hours" yaml:"expiration_hours"`
	Active             bool            `json:"active" yaml:"active"`
}

// Available reports whether the prize still has redemptions left.
func (p SpinWheelPrize) Available() bool {
	return p.MaxRedemptions == nil || p.CurrentRedemptions < *p.MaxRedemptions
}

// EligibleFor reports whether a customer in tierID may win the prize.
func (p SpinWheelPrize) EligibleFor(tierID string) bool {
	if len(p.TierRestrictions) == 0 {
		return true
	}
	for _, t := range p.TierRestrictions {
		if t == tierID {
			return true
		}
	}
	return false
}
