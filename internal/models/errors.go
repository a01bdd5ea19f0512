package models

import "errors"

// Domain failures returned by the engine. Callers distinguish them with errors.Is;
// components wrap them with additional context.
var (
	ErrInsufficientBalance    = errors.New("loyalty: insufficient balance")
	ErrBelowMinimumRedemption = errors.New("loyalty: below minimum redemption")
	ErrRedemptionTypeDisabled = errors.New("loyalty: redemption type disabled")
	ErrNotReversible          = errors.New("loyalty: entry not reversible")

	ErrAlreadyAssigned = errors.New("loyalty: challenge already assigned")
	ErrChallengeFull   = errors.New("loyalty: challenge full")
	ErrNotCompleted    = errors.New("loyalty: not completed")
	ErrAlreadyClaimed  = errors.New("loyalty: reward already claimed")
	ErrAlreadyRedeemed = errors.New("loyalty: prize already redeemed")
	ErrExpired         = errors.New("loyalty: expired")

	ErrNoSpinsRemaining  = errors.New("loyalty: no spins remaining")
	ErrDailyLimitReached = errors.New("loyalty: daily spin limit reached")
	ErrNoPrizesAvailable = errors.New("loyalty: no prizes available")

	ErrConcurrencyConflict = errors.New("loyalty: concurrency conflict")
	ErrNoTierConfigured    = errors.New("loyalty: no tier configured")

	ErrAccountNotFound    = errors.New("loyalty: account not found")
	ErrAccountInactive    = errors.New("loyalty: account inactive")
	ErrEntryNotFound      = errors.New("loyalty: ledger entry not found")
	ErrProgramNotFound    = errors.New("loyalty: program not found")
	ErrChallengeNotFound  = errors.New("loyalty: challenge not found")
	ErrChallengeInactive  = errors.New("loyalty: challenge not running")
	ErrCardNotFound       = errors.New("loyalty: stamp card not found")
	ErrWheelNotFound      = errors.New("loyalty: spin wheel not found")
	ErrSpinNotFound       = errors.New("loyalty: spin result not found")
	ErrInvalidAmount      = errors.New("loyalty: invalid amount")
	ErrInvalidTransition  = errors.New("loyalty: invalid status transition")
	ErrInvalidSpinType    = errors.New("loyalty: invalid spin type")
	ErrUnknownEventType   = errors.New("loyalty: unknown event type")
	ErrRewardNotSupported = errors.New("loyalty: reward type not supported")
	ErrFeatureDisabled    = errors.New("loyalty: feature disabled")
)

// IsRetryable reports whether err is a transient conflict that the caller should
// retry as a whole logical operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
