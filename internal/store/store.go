// Package store defines the persistence boundary of the loyalty engine.
//
// Every Update* method runs fn inside one atomic unit scoped to an account or
// customer: the reads fn performs through the transaction and the writes it
// issues commit together or not at all. A unit that loses a race or times out
// fails with models.ErrConcurrencyConflict and must be retried from the top.
package store

import (
	"context"
	"time"

	"loyalty-engine/internal/models"
)

// RewardTx persists reward issuance requests once per source record.
type RewardTx interface {
	RewardFor(source models.RewardSource, sourceID string) (*models.RewardIssuance, error)
	InsertReward(r *models.RewardIssuance) error
}

// AccountTx is an open unit on a single loyalty account. Changes made to the
// pointer returned by Account are written back on commit.
type AccountTx interface {
	Account() *models.LoyaltyAccount
	Entry(entryID string) (models.LedgerEntry, error)
	EntryByReference(source models.Source, referenceID string) (*models.LedgerEntry, error)
	ReversalOf(entryID string) (*models.LedgerEntry, error)
	AppendEntry(entry *models.LedgerEntry) error
}

// AccountStore holds loyalty accounts and their ledgers.
type AccountStore interface {
	GetOrCreateAccount(ctx context.Context, customerID, programID string, now time.Time) (models.LoyaltyAccount, error)
	GetAccount(ctx context.Context, accountID string) (models.LoyaltyAccount, error)
	FindAccount(ctx context.Context, customerID, programID string) (models.LoyaltyAccount, error)
	EntryAccountID(ctx context.Context, entryID string) (string, error)
	ListLedgerEntries(ctx context.Context, accountID string) ([]models.LedgerEntry, error)
	ExpirableAccounts(ctx context.Context, asOf time.Time) ([]string, error)
	UpdateAccount(ctx context.Context, accountID string, fn func(tx AccountTx) error) error
}

// ChallengeTx is an open unit over one customer's challenge assignments.
type ChallengeTx interface {
	RewardTx
	OpenChallenges() ([]models.CustomerChallenge, error)
	Assignments(challengeID string) ([]models.CustomerChallenge, error)
	CustomerChallenge(id string) (models.CustomerChallenge, error)
	ParticipantCount(challengeID string) (int, error)
	InsertChallenge(cc *models.CustomerChallenge) error
	SaveChallenge(cc *models.CustomerChallenge) error
	SeenItems(customerChallengeID string) (map[string]bool, error)
	AddSeenItems(customerChallengeID string, items []string) error
	AppendProgressLog(log *models.ChallengeProgressLog) error
	HasProgress(customerChallengeID string, action models.EventType, referenceID string) (bool, error)
}

// ChallengeStore holds customer challenges and their progress logs.
type ChallengeStore interface {
	GetCustomerChallenge(ctx context.Context, id string) (models.CustomerChallenge, error)
	ListChallengeAssignments(ctx context.Context, challengeID string) ([]models.CustomerChallenge, error)
	ProgressLogs(ctx context.Context, customerChallengeID string) ([]models.ChallengeProgressLog, error)
	ExpiredChallengeIDs(ctx context.Context, now time.Time) ([]string, error)
	ExpireChallenge(ctx context.Context, id string, now time.Time) (bool, error)
	UpdateCustomerChallenges(ctx context.Context, customerID string, fn func(tx ChallengeTx) error) error
}

// StampTx is an open unit over one customer's stamp cards.
type StampTx interface {
	RewardTx
	Card(cardID string) (models.StampCard, error)
	OpenCard(programID string) (*models.StampCard, error)
	InsertCard(card *models.StampCard) error
	SaveCard(card *models.StampCard) error
	HasHistory(cardID string, action models.StampAction) (bool, error)
	AppendHistory(h *models.StampHistory) error
	StampedFor(programID, referenceID string) (bool, error)
}

// StampStore holds stamp cards and their history.
type StampStore interface {
	GetStampCard(ctx context.Context, cardID string) (models.StampCard, error)
	StampHistory(ctx context.Context, cardID string) ([]models.StampHistory, error)
	UpdateStampCards(ctx context.Context, customerID string, fn func(tx StampTx) error) error
}

// SpinTx is an open unit over one customer's spin allowance. Prize counters
// touched through it are serialised with every other spin.
type SpinTx interface {
	RewardTx
	SpinAccount(wheelID string) (*models.SpinWheelAccount, error)
	SaveSpinAccount(acct *models.SpinWheelAccount) error
	PrizeRedemptions(wheelID string, prizeIDs []string) (map[string]int, error)
	IncrementPrize(wheelID, prizeID string, max *int) error
	InsertSpinResult(r *models.SpinResult) error
	SpinResult(id string) (models.SpinResult, error)
	SaveSpinResult(r *models.SpinResult) error
}

// SpinStore holds spin allowances, prize counters and spin results.
type SpinStore interface {
	GetSpinResult(ctx context.Context, id string) (models.SpinResult, error)
	GetSpinAccount(ctx context.Context, customerID, wheelID string) (*models.SpinWheelAccount, error)
	UpdateSpins(ctx context.Context, customerID string, fn func(tx SpinTx) error) error
}
