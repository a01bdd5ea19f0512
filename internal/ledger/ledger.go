// Package ledger owns point balances. Every balance change is an immutable
// entry appended in the same unit that rewrites the account's running totals,
// so CurrentPoints always equals TotalEarned - TotalRedeemed - TotalExpired.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"loyalty-engine/internal/clock"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/store"
	"loyalty-engine/internal/tier"
)

// Programs looks up program configuration.
type Programs interface {
	Program(id string) (models.Program, error)
}

// Request describes one balance change. Amount is a positive magnitude; the
// transaction type decides the direction, except for adjustments where Debit
// selects it.
type Request struct {
	Type              models.TransactionType
	Amount            decimal.Decimal
	Debit             bool
	Source            models.Source
	MultiplierApplied decimal.Decimal
	BaseAmount        decimal.Decimal
	ReferenceID       string
	Reversible        bool
	Actor             string
	Note              string
}

// Ledger appends entries and maintains account totals.
type Ledger struct {
	accounts store.AccountStore
	programs Programs
	tiers    *tier.Registry
	clock    clock.Clock
}

// New creates a ledger.
func New(accounts store.AccountStore, programs Programs, tiers *tier.Registry, clk clock.Clock) *Ledger {
	return &Ledger{
		accounts: accounts,
		programs: programs,
		tiers:    tiers,
		clock:    clk,
	}
}

// Writer appends entries inside one account unit.
type Writer struct {
	l       *Ledger
	tx      store.AccountTx
	program models.Program
	now     time.Time
}

// Account returns the account as modified so far in this unit.
func (w *Writer) Account() models.LoyaltyAccount {
	return *w.tx.Account()
}

// Program returns the account's program.
func (w *Writer) Program() models.Program {
	return w.program
}

// Now is the time stamped on entries written by w.
func (w *Writer) Now() time.Time {
	return w.now
}

// Update runs fn as a single atomic unit on accountID. fn may be called again
// by a retrying caller, so it must derive everything from w.
func (l *Ledger) Update(ctx context.Context, accountID string, fn func(w *Writer) error) error {
	return l.accounts.UpdateAccount(ctx, accountID, func(tx store.AccountTx) error {
		program, err := l.programs.Program(tx.Account().ProgramID)
		if err != nil {
			return err
		}
		return fn(&Writer{l: l, tx: tx, program: program, now: l.clock.Now()})
	})
}

// Append writes one entry in its own unit.
func (l *Ledger) Append(ctx context.Context, accountID string, req Request) (models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := l.Update(ctx, accountID, func(w *Writer) error {
		var err error
		entry, err = w.Append(req)
		return err
	})
	return entry, err
}

// Append validates req against the account and writes it. A request whose
// reference was already booked with the same source and type returns the
// existing entry unchanged.
func (w *Writer) Append(req Request) (models.LedgerEntry, error) {
	acct := w.tx.Account()
	if !acct.IsActive {
		return models.LedgerEntry{}, fmt.Errorf("%w: %s", models.ErrAccountInactive, acct.ID)
	}
	if !req.Amount.IsPositive() {
		return models.LedgerEntry{}, fmt.Errorf("%w: %s", models.ErrInvalidAmount, req.Amount)
	}

	if req.ReferenceID != "" {
		existing, err := w.tx.EntryByReference(req.Source, req.ReferenceID)
		if err != nil {
			return models.LedgerEntry{}, err
		}
		if existing != nil && existing.TransactionType == req.Type {
			return *existing, nil
		}
	}

	var delta decimal.Decimal
	var b bucket
	switch req.Type {
	case models.TransactionEarned, models.TransactionBonus:
		delta, b = req.Amount, earnedBucket
	case models.TransactionRedeemed:
		delta, b = req.Amount.Neg(), redeemedBucket
	case models.TransactionExpired:
		delta, b = req.Amount.Neg(), expiredBucket
	case models.TransactionAdjusted:
		delta, b = req.Amount, earnedBucket
		if req.Debit {
			delta = req.Amount.Neg()
		}
	default:
		return models.LedgerEntry{}, fmt.Errorf("unknown transaction type %q", req.Type)
	}

	multiplier := req.MultiplierApplied
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}
	base := req.BaseAmount
	if base.IsZero() {
		base = req.Amount
	}

	entry := models.LedgerEntry{
		TransactionType:   req.Type,
		Amount:            delta,
		Source:            req.Source,
		MultiplierApplied: multiplier,
		BaseAmount:        base,
		ReferenceID:       req.ReferenceID,
		IsReversible:      req.Reversible,
		Actor:             req.Actor,
		Note:              req.Note,
	}
	if err := w.write(&entry, b); err != nil {
		return models.LedgerEntry{}, err
	}

	if (req.Type == models.TransactionEarned || req.Type == models.TransactionBonus) && w.program.PointsExpiryDays > 0 {
		expiry := w.now.AddDate(0, 0, w.program.PointsExpiryDays)
		acct.PointsExpiryDate = &expiry
	}

	return entry, nil
}

type bucket int

const (
	earnedBucket bucket = iota
	redeemedBucket
	expiredBucket
)

// write moves the balance by entry.Amount, charges the matching total,
// re-resolves the tier and appends the entry.
func (w *Writer) write(entry *models.LedgerEntry, b bucket) error {
	acct := w.tx.Account()

	balance := acct.CurrentPoints.Add(entry.Amount)
	if balance.IsNegative() {
		return fmt.Errorf("%w: balance %s, requested %s", models.ErrInsufficientBalance,
			acct.CurrentPoints, entry.Amount.Abs())
	}

	switch b {
	case earnedBucket:
		acct.TotalEarned = acct.TotalEarned.Add(entry.Amount)
	case redeemedBucket:
		acct.TotalRedeemed = acct.TotalRedeemed.Sub(entry.Amount)
	case expiredBucket:
		acct.TotalExpired = acct.TotalExpired.Sub(entry.Amount)
	}
	acct.CurrentPoints = balance
	acct.UpdatedAt = w.now

	if err := w.resolveTier(acct); err != nil {
		return err
	}

	entry.BalanceAfter = balance
	entry.CreatedAt = w.now
	if err := w.tx.AppendEntry(entry); err != nil {
		return err
	}
	return nil
}

func (w *Writer) resolveTier(acct *models.LoyaltyAccount) error {
	if w.l.tiers == nil {
		return nil
	}
	t, err := w.l.tiers.ResolveTier(acct.ProgramID, acct.CurrentPoints)
	if errors.Is(err, models.ErrNoTierConfigured) {
		acct.CurrentTierID = ""
		return nil
	}
	if err != nil {
		return err
	}
	acct.CurrentTierID = t.ID
	return nil
}

// Reverse compensates a reversible entry with an adjusted entry of the
// opposite sign. The original row is never modified.
func (l *Ledger) Reverse(ctx context.Context, entryID, actor string) (models.LedgerEntry, error) {
	accountID, err := l.accounts.EntryAccountID(ctx, entryID)
	if err != nil {
		return models.LedgerEntry{}, err
	}

	var reversal models.LedgerEntry
	err = l.Update(ctx, accountID, func(w *Writer) error {
		var err error
		reversal, err = w.Reverse(entryID, actor)
		return err
	})
	return reversal, err
}

// Reverse compensates entryID inside the current unit.
func (w *Writer) Reverse(entryID, actor string) (models.LedgerEntry, error) {
	original, err := w.tx.Entry(entryID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if !original.IsReversible || original.ReversalOf != "" {
		return models.LedgerEntry{}, fmt.Errorf("%w: %s", models.ErrNotReversible, entryID)
	}
	prior, err := w.tx.ReversalOf(entryID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if prior != nil {
		return models.LedgerEntry{}, fmt.Errorf("%w: %s already reversed", models.ErrNotReversible, entryID)
	}

	b := earnedBucket
	switch original.TransactionType {
	case models.TransactionRedeemed:
		b = redeemedBucket
	case models.TransactionExpired:
		b = expiredBucket
	}

	entry := models.LedgerEntry{
		TransactionType:   models.TransactionAdjusted,
		Amount:            original.Amount.Neg(),
		Source:            original.Source,
		MultiplierApplied: decimal.NewFromInt(1),
		BaseAmount:        original.Amount.Abs(),
		ReferenceID:       original.ReferenceID,
		ReversalOf:        original.ID,
		Actor:             actor,
		Note:              "reversal of " + original.ID,
	}
	if err := w.write(&entry, b); err != nil {
		return models.LedgerEntry{}, err
	}
	return entry, nil
}

// Deactivate closes an account to further balance changes.
func (l *Ledger) Deactivate(ctx context.Context, accountID string) (models.LoyaltyAccount, error) {
	var acct models.LoyaltyAccount
	err := l.accounts.UpdateAccount(ctx, accountID, func(tx store.AccountTx) error {
		a := tx.Account()
		if a.IsActive {
			a.IsActive = false
			a.UpdatedAt = l.clock.Now()
		}
		acct = *a
		return nil
	})
	if err != nil {
		return models.LoyaltyAccount{}, err
	}
	acct.Version++
	return acct, nil
}

// CreditReward books a points reward issuance as a bonus entry on the
// customer's program account. The issuance ID is the entry reference, so
// crediting the same issuance twice writes once. Other reward types are
// ignored.
func (l *Ledger) CreditReward(ctx context.Context, reward models.RewardIssuance) (*models.LedgerEntry, error) {
	if reward.RewardType != models.RewardTypePoints || !reward.RewardValue.IsPositive() {
		return nil, nil
	}

	acct, err := l.accounts.GetOrCreateAccount(ctx, reward.CustomerID, reward.ProgramID, l.clock.Now())
	if err != nil {
		return nil, err
	}
	entry, err := l.Append(ctx, acct.ID, Request{
		Type:        models.TransactionBonus,
		Amount:      reward.RewardValue,
		Source:      models.SourceBonus,
		ReferenceID: reward.ID,
		Note:        fmt.Sprintf("%s reward %s", reward.Source, reward.SourceID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to credit %s reward: %w", reward.Source, err)
	}
	return &entry, nil
}

// RewardCredited reports whether reward is already booked. Rewards that are
// not points never need a credit and report true.
func (l *Ledger) RewardCredited(ctx context.Context, reward models.RewardIssuance) (bool, error) {
	if reward.RewardType != models.RewardTypePoints || !reward.RewardValue.IsPositive() {
		return true, nil
	}

	acct, err := l.accounts.FindAccount(ctx, reward.CustomerID, reward.ProgramID)
	if errors.Is(err, models.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	entries, err := l.accounts.ListLedgerEntries(ctx, acct.ID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Source == models.SourceBonus && e.ReferenceID == reward.ID {
			return true, nil
		}
	}
	return false, nil
}
