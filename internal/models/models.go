package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionEarned   TransactionType = "earned"
	TransactionRedeemed TransactionType = "redeemed"
	TransactionExpired  TransactionType = "expired"
	TransactionAdjusted TransactionType = "adjusted"
	TransactionBonus    TransactionType = "bonus"
)

// Source records where a ledger entry originated. Redemption entries carry the
// redemption type as their source.
type Source string

const (
	SourceOrder        Source = "order"
	SourceBonus        Source = "bonus"
	SourceReferral     Source = "referral"
	SourceBirthday     Source = "birthday"
	SourceManual       Source = "manual"
	SourceExpiry       Source = "expiry"
	SourceDiscount     Source = "discount"
	SourceFreeItem     Source = "free_item"
	SourceFreeDelivery Source = "free_delivery"
	SourceCashBack     Source = "cash_back"
)

// LoyaltyAccount is the balance of one customer in one program.
// CurrentPoints always equals TotalEarned - TotalRedeemed - TotalExpired.
type LoyaltyAccount struct {
	ID               string          `json:"id"`
	CustomerID       string          `json:"customer_id"`
	ProgramID        string          `json:"program_id"`
	CurrentPoints    decimal.Decimal `json:"current_points"`
	TotalEarned      decimal.Decimal `json:"total_earned"`
	TotalRedeemed    decimal.Decimal `json:"total_redeemed"`
	TotalExpired     decimal.Decimal `json:"total_expired"`
	CurrentTierID    string          `json:"current_tier_id,omitempty"`
	PointsExpiryDate *time.Time      `json:"points_expiry_date,omitempty"`
	IsActive         bool            `json:"is_active"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// BalanceConsistent reports whether the running totals agree with the balance.
func (a LoyaltyAccount) BalanceConsistent() bool {
	derived := a.TotalEarned.Sub(a.TotalRedeemed).Sub(a.TotalExpired)
	return derived.Equal(a.CurrentPoints) && !a.CurrentPoints.IsNegative()
}

// LedgerEntry is an immutable balance mutation. Amount is signed: credits are
// positive, debits negative. Seq orders entries within an account.
type LedgerEntry struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	Seq               int64           `json:"seq"`
	TransactionType   TransactionType `json:"transaction_type"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	Source            Source          `json:"source"`
	MultiplierApplied decimal.Decimal `json:"multiplier_applied"`
	BaseAmount        decimal.Decimal `json:"base_amount"`
	ReferenceID       string          `json:"reference_id,omitempty"`
	IsReversible      bool            `json:"is_reversible"`
	ReversalOf        string          `json:"reversal_of,omitempty"`
	Actor             string          `json:"actor,omitempty"`
	Note              string          `json:"note,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`

	// ReversedAt is derived from the compensating entry, never stored on this row.
	ReversedAt *time.Time `json:"reversed_at,omitempty"`
}

// ChallengeType selects how progress increments are computed.
type ChallengeType string

const (
	ChallengeFrequency ChallengeType = "frequency"
	ChallengeVariety   ChallengeType = "variety"
	ChallengeValue     ChallengeType = "value"
	ChallengeSocial    ChallengeType = "social"
	ChallengeSeasonal  ChallengeType = "seasonal"
	ChallengeReferral  ChallengeType = "referral"
)

// ChallengeStatus is the lifecycle state of a CustomerChallenge.
type ChallengeStatus string

const (
	StatusAssigned  ChallengeStatus = "assigned"
	StatusActive    ChallengeStatus = "active"
	StatusCompleted ChallengeStatus = "completed"
	StatusRewarded  ChallengeStatus = "rewarded"
	StatusExpired   ChallengeStatus = "expired"
	StatusCancelled ChallengeStatus = "cancelled"
)

// Open reports whether the status still accepts progress.
func (s ChallengeStatus) Open() bool {
	return s == StatusAssigned || s == StatusActive
}

// CustomerChallenge is one customer's assignment to a challenge template.
type CustomerChallenge struct {
	ID                 string          `json:"id"`
	ChallengeID        string          `json:"challenge_id"`
	CustomerID         string          `json:"customer_id"`
	Status             ChallengeStatus `json:"status"`
	ProgressCurrent    decimal.Decimal `json:"progress_current"`
	ProgressTarget     decimal.Decimal `json:"progress_target"`
	ProgressPercentage decimal.Decimal `json:"progress_percentage"`
	LastMilestone      int             `json:"last_milestone"`
	RewardClaimed      bool            `json:"reward_claimed"`
	AssignedAt         time.Time       `json:"assigned_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	RewardedAt         *time.Time      `json:"rewarded_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
	Version            int64           `json:"version"`
}

// ChallengeProgressLog is the append-only audit row for a progress change.
type ChallengeProgressLog struct {
	ID                  string          `json:"id"`
	CustomerChallengeID string          `json:"customer_challenge_id"`
	ProgressBefore      decimal.Decimal `json:"progress_before"`
	ProgressAfter       decimal.Decimal `json:"progress_after"`
	ProgressIncrement   decimal.Decimal `json:"progress_increment"`
	ActionType          EventType       `json:"action_type"`
	MilestoneReached    bool            `json:"milestone_reached"`
	MilestoneType       string          `json:"milestone_type,omitempty"`
	ReferenceID         string          `json:"reference_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Milestone labels written to progress logs.
const (
	Milestone25        = "25%"
	Milestone50        = "50%"
	Milestone75        = "75%"
	MilestoneCompleted = "completed"
)

// LeaderboardEntry is one ranked row of a challenge leaderboard.
type LeaderboardEntry struct {
	Rank                int             `json:"rank"`
	CustomerID          string          `json:"customer_id"`
	CustomerChallengeID string          `json:"customer_challenge_id"`
	Status              ChallengeStatus `json:"status"`
	ProgressPercentage  decimal.Decimal `json:"progress_percentage"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// RewardCalculation is the breakdown returned by challenge reward sizing.
type RewardCalculation struct {
	BaseValue            decimal.Decimal `json:"base_value"`
	TierMultiplier       decimal.Decimal `json:"tier_multiplier"`
	DifficultyMultiplier decimal.Decimal `json:"difficulty_multiplier"`
	AdjustedValue        decimal.Decimal `json:"adjusted_value"`
}

// StampCard is a buy-N-get-one card of a customer in a program.
type StampCard struct {
	ID             string     `json:"id"`
	CustomerID     string     `json:"customer_id"`
	ProgramID      string     `json:"program_id"`
	StampsEarned   int        `json:"stamps_earned"`
	StampsRequired int        `json:"stamps_required"`
	IsCompleted    bool       `json:"is_completed"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// StampAction classifies a stamp history row.
type StampAction string

const (
	StampEarned   StampAction = "stamp_earned"
	CardCompleted StampAction = "card_completed"
	RewardClaimed StampAction = "reward_claimed"
)

// StampHistory is the append-only log of a stamp card.
type StampHistory struct {
	ID          string      `json:"id"`
	CardID      string      `json:"card_id"`
	ActionType  StampAction `json:"action_type"`
	StampsAdded int         `json:"stamps_added"`
	StampsAfter int         `json:"stamps_after"`
	ReferenceID string      `json:"reference_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SpinType says which allowance a spin consumes.
type SpinType string

const (
	SpinFree SpinType = "free"
	SpinPaid SpinType = "paid"
)

// SpinWheelAccount holds the spin allowance of a customer on a wheel.
type SpinWheelAccount struct {
	CustomerID         string     `json:"customer_id"`
	WheelID            string     `json:"wheel_id"`
	FreeSpinsRemaining int        `json:"free_spins_remaining"`
	PaidSpinsRemaining int        `json:"paid_spins_remaining"`
	DailySpinsUsed     int        `json:"daily_spins_used"`
	LastSpinDate       *time.Time `json:"last_spin_date,omitempty"`
}

// ResetDaily zeroes the daily counter when the last spin happened before today.
func (a *SpinWheelAccount) ResetDaily(now time.Time) {
	if a.LastSpinDate == nil {
		a.DailySpinsUsed = 0
		return
	}
	if dayOf(*a.LastSpinDate).Before(dayOf(now)) {
		a.DailySpinsUsed = 0
	}
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SpinResult is the immutable record of a draw. Only redemption fields change.
type SpinResult struct {
	ID                string          `json:"id"`
	CustomerID        string          `json:"customer_id"`
	WheelID           string          `json:"wheel_id"`
	PrizeID           string          `json:"prize_id"`
	PrizeType         string          `json:"prize_type"`
	PrizeValue        decimal.Decimal `json:"prize_value"`
	SpinType          SpinType        `json:"spin_type"`
	TierID            string          `json:"tier_id"`
	ExpiresAt         time.Time       `json:"expires_at"`
	IsRedeemed        bool            `json:"is_redeemed"`
	RedeemedByOrderID string          `json:"redeemed_by_order_id,omitempty"`
	RedeemedAt        *time.Time      `json:"redeemed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// RewardSource identifies which mechanic produced a reward issuance.
type RewardSource string

const (
	RewardFromChallenge RewardSource = "challenge"
	RewardFromStampCard RewardSource = "stamp_card"
	RewardFromSpin      RewardSource = "spin"
)

// RewardIssuance is a request for the surrounding order/discount subsystem to
// apply a reward. It is persisted once per source record.
type RewardIssuance struct {
	ID          string          `json:"id"`
	Source      RewardSource    `json:"source"`
	SourceID    string          `json:"source_id"`
	CustomerID  string          `json:"customer_id"`
	ProgramID   string          `json:"program_id,omitempty"`
	RewardType  string          `json:"reward_type"`
	RewardValue decimal.Decimal `json:"reward_value"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RewardTypePoints is credited through the ledger instead of only being emitted.
const RewardTypePoints = "points"
