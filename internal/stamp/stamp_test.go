package stamp

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-engine/internal/clock"
	"loyalty-engine/internal/config"
	"loyalty-engine/internal/database"
	"loyalty-engine/internal/ledger"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/retry"
	"loyalty-engine/internal/store"
	"loyalty-engine/internal/tier"
)

var start = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recorder struct {
	mu      sync.Mutex
	rewards []models.RewardIssuance
}

func (r *recorder) PublishReward(ctx context.Context, reward models.RewardIssuance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rewards = append(r.rewards, reward)
}

func program(id, rewardType string) models.Program {
	return models.Program{
		ID:                id,
		PointsPerCurrency: d("1"),
		Tiers: []models.TierDefinition{
			{ID: "bronze", MinPointsRequired: d("0"), PointsMultiplier: d("1")},
		},
		StampCard: &models.StampCardConfig{
			StampsRequired: 10,
			StampsPerOrder: 1,
			MinOrderTotal:  d("5"),
			RewardType:     rewardType,
			RewardValue:    d("50"),
		},
	}
}

type fixture struct {
	db      *database.DB
	tracker *Tracker
	events  *recorder
	flaky   *flakyAccounts
}

// flakyAccounts fails the next failures account units with a conflict.
type flakyAccounts struct {
	*database.DB
	mu       sync.Mutex
	failures int
}

func (f *flakyAccounts) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *flakyAccounts) UpdateAccount(ctx context.Context, accountID string, fn func(tx store.AccountTx) error) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return models.ErrConcurrencyConflict
	}
	f.mu.Unlock()
	return f.DB.UpdateAccount(ctx, accountID, fn)
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "stamp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	plain := models.Program{
		ID:                "no-card",
		PointsPerCurrency: d("1"),
		Tiers:             []models.TierDefinition{{ID: "basic", MinPointsRequired: d("0"), PointsMultiplier: d("1")}},
	}
	catalog, err := config.NewCatalog([]models.Program{
		program("coffee", "free_item"),
		program("bakery", models.RewardTypePoints),
		plain,
	})
	require.NoError(t, err)
	tiers := tier.NewRegistry(catalog.Programs())
	clk := clock.NewManual(start)
	rec := &recorder{}
	accounts := &flakyAccounts{DB: db}

	tracker := New(db, catalog, ledger.New(accounts, catalog, tiers, clk), clk, rec, nil)
	return &fixture{db: db, tracker: tracker, events: rec, flaky: accounts}
}

func order(ref, total string) models.EventPayload {
	return models.EventPayload{OrderNumber: ref, OrderTotal: d(total)}
}

func TestHandleOrderCompletesCard(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	card, err := f.tracker.HandleOrder(ctx, "cust-1", "coffee", order("ORD-0", "8"))
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, 1, card.StampsEarned)
	assert.Equal(t, 10, card.StampsRequired)

	_, err = f.tracker.AddStamp(ctx, card.ID, 8, "backfill")
	require.NoError(t, err)

	done, err := f.tracker.HandleOrder(ctx, "cust-1", "coffee", order("ORD-9", "8"))
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, card.ID, done.ID)
	assert.Equal(t, 10, done.StampsEarned)
	assert.True(t, done.IsCompleted)
	require.NotNil(t, done.CompletedAt)

	history, err := f.db.StampHistory(ctx, card.ID)
	require.NoError(t, err)
	completions := 0
	for _, h := range history {
		if h.ActionType == models.CardCompleted {
			completions++
			assert.Equal(t, 10, h.StampsAfter)
		}
	}
	assert.Equal(t, 1, completions)

	next, err := f.tracker.HandleOrder(ctx, "cust-1", "coffee", order("ORD-10", "8"))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, card.ID, next.ID)
	assert.Equal(t, 1, next.StampsEarned)
}

func TestStampsNeverExceedRequirement(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	card, err := f.tracker.HandleOrder(ctx, "cust-1", "coffee", order("ORD-1", "8"))
	require.NoError(t, err)

	got, err := f.tracker.AddStamp(ctx, card.ID, 25, "bulk")
	require.NoError(t, err)
	assert.Equal(t, 10, got.StampsEarned)
	assert.True(t, got.IsCompleted)

	got, err = f.tracker.AddStamp(ctx, card.ID, 1, "late")
	require.NoError(t, err)
	assert.Equal(t, 10, got.StampsEarned)

	history, err := f.db.StampHistory(ctx, card.ID)
	require.NoError(t, err)
	completions := 0
	for _, h := range history {
		assert.LessOrEqual(t, h.StampsAfter, 10)
		if h.ActionType == models.CardCompleted {
			completions++
		}
	}
	assert.Equal(t, 1, completions)

	_, err = f.tracker.AddStamp(ctx, card.ID, 0, "none")
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
	_, err = f.tracker.AddStamp(ctx, "missing", 1, "none")
	assert.ErrorIs(t, err, models.ErrCardNotFound)
}

func TestHandleOrderSkips(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	card, err := f.tracker.HandleOrder(ctx, "cust-1", "coffee", order("ORD-1", "4.99"))
	require.NoError(t, err)
	assert.Nil(t, card)

	card, err = f.tracker.HandleOrder(ctx, "cust-1", "no-card", order("ORD-1", "100"))
	require.NoError(t, err)
	assert.Nil(t, card)

	_, err = f.tracker.HandleOrder(ctx, "cust-1", "unknown", order("ORD-1", "100"))
	assert.ErrorIs(t, err, models.ErrProgramNotFound)

	first, err := f.tracker.HandleOrder(ctx, "cust-1", "coffee", order("ORD-2", "5"))
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := f.tracker.HandleOrder(ctx, "cust-1", "coffee", order("ORD-2", "5"))
	require.NoError(t, err)
	assert.Nil(t, again)

	current, err := f.db.GetStampCard(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.StampsEarned)
}

func TestClaimReward(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	card, err := f.tracker.HandleOrder(ctx, "cust-1", "coffee", order("ORD-1", "8"))
	require.NoError(t, err)

	_, _, err = f.tracker.ClaimReward(ctx, card.ID)
	assert.ErrorIs(t, err, models.ErrNotCompleted)

	_, err = f.tracker.AddStamp(ctx, card.ID, 9, "bulk")
	require.NoError(t, err)

	claimed, reward, err := f.tracker.ClaimReward(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, card.ID, claimed.ID)
	assert.Equal(t, models.RewardFromStampCard, reward.Source)
	assert.Equal(t, card.ID, reward.SourceID)
	assert.Equal(t, "cust-1", reward.CustomerID)
	assert.Equal(t, "free_item", reward.RewardType)
	assert.True(t, reward.RewardValue.Equal(d("50")))

	_, _, err = f.tracker.ClaimReward(ctx, card.ID)
	assert.ErrorIs(t, err, models.ErrAlreadyClaimed)
	assert.Len(t, f.events.rewards, 1)
}

func TestClaimPointsRewardCreditsLedger(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	card, err := f.tracker.HandleOrder(ctx, "cust-1", "bakery", order("ORD-1", "8"))
	require.NoError(t, err)
	_, err = f.tracker.AddStamp(ctx, card.ID, 9, "bulk")
	require.NoError(t, err)

	_, reward, err := f.tracker.ClaimReward(ctx, card.ID)
	require.NoError(t, err)

	acct, err := f.db.FindAccount(ctx, "cust-1", "bakery")
	require.NoError(t, err)
	assert.True(t, acct.CurrentPoints.Equal(d("50")))

	entries, err := f.db.ListLedgerEntries(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.TransactionBonus, entries[0].TransactionType)
	assert.Equal(t, reward.ID, entries[0].ReferenceID)
}

func TestAddStampCompletesAtRequirement(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	card, err := f.tracker.HandleOrder(ctx, "cust-1", "coffee", order("ORD-1", "8"))
	require.NoError(t, err)
	nine, err := f.tracker.AddStamp(ctx, card.ID, 8, "bulk")
	require.NoError(t, err)
	require.Equal(t, 9, nine.StampsEarned)
	require.False(t, nine.IsCompleted)

	done, err := f.tracker.AddStamp(ctx, card.ID, 1, "ORD-2")
	require.NoError(t, err)
	assert.True(t, done.IsCompleted)
	assert.Equal(t, 10, done.StampsEarned)

	history, err := f.db.StampHistory(ctx, card.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	last := history[2]
	assert.Equal(t, models.CardCompleted, last.ActionType)
	assert.Equal(t, 1, last.StampsAdded)
	assert.Equal(t, 10, last.StampsAfter)
}

func TestClaimRetryBooksPointsAfterFailedCredit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	card, err := f.tracker.HandleOrder(ctx, "cust-1", "bakery", order("ORD-1", "8"))
	require.NoError(t, err)
	_, err = f.tracker.AddStamp(ctx, card.ID, 9, "bulk")
	require.NoError(t, err)

	f.flaky.failNext(1)
	attempts := 0
	var reward models.RewardIssuance
	err = retry.Do(ctx, retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		var err error
		_, reward, err = f.tracker.ClaimReward(ctx, card.ID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	acct, err := f.db.FindAccount(ctx, "cust-1", "bakery")
	require.NoError(t, err)
	assert.True(t, acct.CurrentPoints.Equal(d("50")))

	entries, err := f.db.ListLedgerEntries(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, reward.ID, entries[0].ReferenceID)
	assert.Len(t, f.events.rewards, 1)

	_, _, err = f.tracker.ClaimReward(ctx, card.ID)
	assert.ErrorIs(t, err, models.ErrAlreadyClaimed)

	acct, err = f.db.FindAccount(ctx, "cust-1", "bakery")
	require.NoError(t, err)
	assert.True(t, acct.CurrentPoints.Equal(d("50")))
}
