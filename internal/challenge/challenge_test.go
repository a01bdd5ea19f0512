package challenge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-engine/internal/cache"
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
	mu         sync.Mutex
	rewards    []models.RewardIssuance
	milestones []string
}

func (r *recorder) PublishReward(ctx context.Context, reward models.RewardIssuance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rewards = append(r.rewards, reward)
}

func (r *recorder) PublishMilestone(ctx context.Context, cc models.CustomerChallenge, milestone string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.milestones = append(r.milestones, milestone)
}

type fixture struct {
	db      *database.DB
	tracker *Tracker
	clock   *clock.Manual
	events  *recorder
}

func testProgram() models.Program {
	return models.Program{
		ID:                "prog-1",
		PointsPerCurrency: d("1"),
		Tiers: []models.TierDefinition{
			{ID: "bronze", MinPointsRequired: d("0"), PointsMultiplier: d("1")},
			{ID: "gold", MinPointsRequired: d("500"), PointsMultiplier: d("1.5")},
		},
		Challenges: []models.Challenge{
			{
				ID:            "three-orders",
				ChallengeType: models.ChallengeFrequency,
				Requirements:  models.Requirements{OrderCount: 3},
				RewardType:    "free_item",
				RewardValue:   d("10"),
				Difficulty:    "easy",
				DurationDays:  14,
				AutoAssign:    true,
				Priority:      5,
			},
			{
				ID:            "big-spender",
				ChallengeType: models.ChallengeValue,
				Requirements:  models.Requirements{TotalAmount: d("100")},
				RewardType:    models.RewardTypePoints,
				RewardValue:   d("200"),
				Difficulty:    "hard",
				AutoAssign:    true,
				Priority:      10,
			},
			{
				ID:            "explorer",
				ChallengeType: models.ChallengeVariety,
				Requirements:  models.Requirements{UniqueItems: 4},
				RewardType:    "discount",
				RewardValue:   d("5"),
			},
			{
				ID:              "reviewer",
				ChallengeType:   models.ChallengeSocial,
				Requirements:    models.Requirements{SocialActions: 2},
				RewardType:      "discount",
				RewardValue:     d("5"),
				MaxParticipants: 1,
				IsRepeatable:    true,
			},
			{
				ID:            "future",
				ChallengeType: models.ChallengeReferral,
				Requirements:  models.Requirements{Referrals: 1},
				RewardType:    "discount",
				RewardValue:   d("5"),
				StartAt:       timePtr(start.AddDate(0, 1, 0)),
				AutoAssign:    true,
			},
		},
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "challenge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalog, err := config.NewCatalog([]models.Program{testProgram()})
	require.NoError(t, err)
	tiers := tier.NewRegistry(catalog.Programs())
	clk := clock.NewManual(start)
	rec := &recorder{}

	tracker := New(Config{
		Store:    db,
		Accounts: db,
		Catalog:  catalog,
		Tiers:    tiers,
		Ledger:   ledger.New(db, catalog, tiers, clk),
		Cache:    cache.NewInMemoryCache(),
		Clock:    clk,
		Retry:    retry.DefaultPolicy(),
		Notifier: rec,
	})

	return &fixture{db: db, tracker: tracker, clock: clk, events: rec}
}

func order(ref string, total string, items ...string) models.EventPayload {
	return models.EventPayload{OrderNumber: ref, OrderTotal: d(total), MenuItems: items}
}

func TestFrequencyChallengeLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cc, err := f.tracker.Assign(ctx, "three-orders", "cust-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, cc.Status)
	require.NotNil(t, cc.ExpiresAt)
	assert.Equal(t, start.AddDate(0, 0, 14), *cc.ExpiresAt)

	res, err := f.tracker.UpdateProgress(ctx, "cust-1", models.EventOrderPlaced, order("ORD-1", "10"))
	require.NoError(t, err)
	got := find(t, res.Updated, cc.ID)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.True(t, got.ProgressCurrent.Equal(d("1")))
	assert.True(t, got.ProgressPercentage.Equal(d("33.33")))
	require.NotNil(t, got.StartedAt)

	for _, ref := range []string{"ORD-2", "ORD-3"} {
		f.clock.Advance(time.Hour)
		res, err = f.tracker.UpdateProgress(ctx, "cust-1", models.EventOrderPlaced, order(ref, "10"))
		require.NoError(t, err)
	}

	got = find(t, res.Updated, cc.ID)
	assert.Equal(t, models.StatusRewarded, got.Status)
	assert.True(t, got.ProgressPercentage.Equal(d("100")))
	assert.True(t, got.RewardClaimed)
	require.Len(t, res.Rewards, 1)
	assert.Equal(t, "free_item", res.Rewards[0].RewardType)

	logs, err := f.db.ProgressLogs(ctx, cc.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	var labels []string
	for _, l := range logs {
		if l.MilestoneReached {
			labels = append(labels, l.MilestoneType)
		}
	}
	assert.Equal(t, []string{models.Milestone25, models.Milestone50, models.MilestoneCompleted}, labels)
	assert.Equal(t, labels, f.events.milestones)
	assert.Len(t, f.events.rewards, 1)
}

func find(t *testing.T, ccs []models.CustomerChallenge, id string) models.CustomerChallenge {
	t.Helper()
	for _, cc := range ccs {
		if cc.ID == id {
			return cc
		}
	}
	t.Fatalf("assignment %s not updated", id)
	return models.CustomerChallenge{}
}

func TestProgressIsMonotonicAndMilestonesUnique(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cc, err := f.tracker.Assign(ctx, "big-spender", "cust-1")
	require.NoError(t, err)

	prev := decimal.Zero
	for i, total := range []string{"10", "20", "0", "45", "5", "80", "30"} {
		_, err := f.tracker.UpdateProgress(ctx, "cust-1", models.EventOrderPlaced, order(fmt.Sprintf("ORD-%d", i), total))
		require.NoError(t, err)

		got, err := f.db.GetCustomerChallenge(ctx, cc.ID)
		require.NoError(t, err)
		assert.True(t, got.ProgressCurrent.GreaterThanOrEqual(prev))
		assert.True(t, got.ProgressPercentage.Equal(Percentage(got.ProgressCurrent, got.ProgressTarget)))
		assert.True(t, got.ProgressPercentage.LessThanOrEqual(d("100")))
		prev = got.ProgressCurrent
	}

	logs, err := f.db.ProgressLogs(ctx, cc.ID)
	require.NoError(t, err)
	seen := map[string]int{}
	clamped := false
	for _, l := range logs {
		assert.True(t, l.ProgressIncrement.Equal(l.ProgressAfter.Sub(l.ProgressBefore)),
			"increment %s for %s -> %s", l.ProgressIncrement, l.ProgressBefore, l.ProgressAfter)
		if l.ProgressBefore.Equal(d("80")) {
			clamped = true
			assert.True(t, l.ProgressAfter.Equal(d("100")))
			assert.True(t, l.ProgressIncrement.Equal(d("20")))
		}
		if l.MilestoneReached {
			seen[l.MilestoneType]++
		}
	}
	assert.True(t, clamped)
	for label, n := range seen {
		assert.Equal(t, 1, n, label)
	}
	assert.Equal(t, 1, seen[models.MilestoneCompleted])
}

func TestPointsRewardCreditedOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cc, err := f.tracker.Assign(ctx, "big-spender", "cust-1")
	require.NoError(t, err)

	res, err := f.tracker.UpdateProgress(ctx, "cust-1", models.EventOrderPlaced, order("ORD-1", "150"))
	require.NoError(t, err)
	require.Len(t, res.Rewards, 1)
	// hard is 1.5x, which is also the ceiling.
	assert.True(t, res.Rewards[0].RewardValue.Equal(d("300")))

	again, err := f.tracker.ClaimReward(ctx, cc.ID)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.Rewards[0].ID, again.Reward.ID)

	acct, err := f.db.FindAccount(ctx, "cust-1", "prog-1")
	require.NoError(t, err)
	assert.True(t, acct.CurrentPoints.Equal(d("300")))

	entries, err := f.db.ListLedgerEntries(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.Rewards[0].ID, entries[0].ReferenceID)
}

func TestVarietyCountsUnseenItems(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cc, err := f.tracker.Assign(ctx, "explorer", "cust-1")
	require.NoError(t, err)

	_, err = f.tracker.UpdateProgress(ctx, "cust-1", models.EventOrderPlaced, order("ORD-1", "10", "soup", "salad", "soup"))
	require.NoError(t, err)
	_, err = f.tracker.UpdateProgress(ctx, "cust-1", models.EventItemTried, models.EventPayload{ReferenceID: "TRY-1", MenuItems: []string{"salad"}})
	require.NoError(t, err)
	_, err = f.tracker.UpdateProgress(ctx, "cust-1", models.EventOrderPlaced, order("ORD-2", "10", "salad", "pie"))
	require.NoError(t, err)

	got, err := f.db.GetCustomerChallenge(ctx, cc.ID)
	require.NoError(t, err)
	assert.True(t, got.ProgressCurrent.Equal(d("3")))
	assert.Equal(t, models.StatusActive, got.Status)

	logs, err := f.db.ProgressLogs(ctx, cc.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestRedeliveredEventIsIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cc, err := f.tracker.Assign(ctx, "three-orders", "cust-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.tracker.UpdateProgress(ctx, "cust-1", models.EventOrderPlaced, order("ORD-1", "10"))
		require.NoError(t, err)
	}

	got, err := f.db.GetCustomerChallenge(ctx, cc.ID)
	require.NoError(t, err)
	assert.True(t, got.ProgressCurrent.Equal(d("1")))
}

func TestAssignGuards(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.tracker.Assign(ctx, "three-orders", "cust-1")
	require.NoError(t, err)
	_, err = f.tracker.Assign(ctx, "three-orders", "cust-1")
	assert.ErrorIs(t, err, models.ErrAlreadyAssigned)

	first, err := f.tracker.Assign(ctx, "reviewer", "cust-1")
	require.NoError(t, err)
	_, err = f.tracker.Assign(ctx, "reviewer", "cust-2")
	assert.ErrorIs(t, err, models.ErrChallengeFull)
	_, err = f.tracker.Assign(ctx, "reviewer", "cust-1")
	assert.ErrorIs(t, err, models.ErrAlreadyAssigned)

	for _, ref := range []string{"REV-1", "REV-2"} {
		_, err := f.tracker.UpdateProgress(ctx, "cust-1", models.EventReviewWritten, models.EventPayload{ReferenceID: ref})
		require.NoError(t, err)
	}
	done, err := f.db.GetCustomerChallenge(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRewarded, done.Status)

	again, err := f.tracker.Assign(ctx, "reviewer", "cust-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)

	_, err = f.tracker.Assign(ctx, "future", "cust-1")
	assert.ErrorIs(t, err, models.ErrChallengeInactive)
	_, err = f.tracker.Assign(ctx, "missing", "cust-1")
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)
}

func TestAssignEligibleByPriority(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	assigned, err := f.tracker.AssignEligible(ctx, "cust-1", "prog-1")
	require.NoError(t, err)
	require.Len(t, assigned, 2)
	assert.Equal(t, "big-spender", assigned[0].ChallengeID)
	assert.Equal(t, "three-orders", assigned[1].ChallengeID)

	assigned, err = f.tracker.AssignEligible(ctx, "cust-1", "prog-1")
	require.NoError(t, err)
	assert.Empty(t, assigned)
}

func TestClaimAndCancelGuards(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cc, err := f.tracker.Assign(ctx, "three-orders", "cust-1")
	require.NoError(t, err)

	_, err = f.tracker.ClaimReward(ctx, cc.ID)
	assert.ErrorIs(t, err, models.ErrNotCompleted)

	cancelled, err := f.tracker.Cancel(ctx, cc.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = f.tracker.Cancel(ctx, cc.ID, "ops")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	res, err := f.tracker.UpdateProgress(ctx, "cust-1", models.EventOrderPlaced, order("ORD-1", "10"))
	require.NoError(t, err)
	assert.Empty(t, res.Updated)
}

func TestExpireOldChallenges(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	past := start.Add(-time.Hour)
	future := start.Add(time.Hour)
	var ids []string
	for i, deadline := range []time.Time{past, future} {
		cc := models.CustomerChallenge{
			ChallengeID:     "three-orders",
			Status:          models.StatusActive,
			ProgressCurrent: d("1"),
			ProgressTarget:  d("3"),
			AssignedAt:      start.AddDate(0, 0, -10),
			ExpiresAt:       timePtr(deadline),
		}
		err := f.db.UpdateCustomerChallenges(ctx, fmt.Sprintf("cust-%d", i), func(tx store.ChallengeTx) error {
			return tx.InsertChallenge(&cc)
		})
		require.NoError(t, err)
		ids = append(ids, cc.ID)
	}

	n, err := f.tracker.ExpireOldChallenges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := f.db.GetCustomerChallenge(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, expired.Status)

	active, err := f.db.GetCustomerChallenge(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, active.Status)

	n, err = f.tracker.ExpireOldChallenges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCalculateChallengeRewards(t *testing.T) {
	p := DefaultRewardPolicy()

	tests := []struct {
		name       string
		base, tier string
		difficulty string
		want       string
	}{
		{"neutral", "10", "1", "easy", "10"},
		{"medium", "10", "1", "medium", "12"},
		{"clamped high", "10", "1.5", "expert", "15"},
		{"unknown difficulty", "10", "1", "tutorial", "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Calculate(d(tt.base), d(tt.tier), p.DifficultyMultiplier(tt.difficulty))
			assert.True(t, got.AdjustedValue.Equal(d(tt.want)), "got %s", got.AdjustedValue)
		})
	}

	low := RewardPolicy{Floor: d("0.8"), Ceiling: d("1.5")}.Calculate(d("10"), d("0.5"), d("1"))
	assert.True(t, low.AdjustedValue.Equal(d("8")))

	f := setup(t)
	calc, err := f.tracker.CalculateChallengeRewards(context.Background(), "three-orders", "nobody")
	require.NoError(t, err)
	assert.True(t, calc.TierMultiplier.Equal(d("1")))
	assert.True(t, calc.AdjustedValue.Equal(d("10")))
}

func TestLeaderboard(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c"} {
		_, err := f.tracker.Assign(ctx, "three-orders", c)
		require.NoError(t, err)
	}

	advanceOrders := func(customer string, n int) {
		for i := 0; i < n; i++ {
			f.clock.Advance(time.Minute)
			_, err := f.tracker.UpdateProgress(ctx, customer, models.EventOrderPlaced,
				order(fmt.Sprintf("%s-%d", customer, i), "5"))
			require.NoError(t, err)
		}
	}
	advanceOrders("b", 3)
	advanceOrders("a", 1)

	board, err := f.tracker.Leaderboard(ctx, "three-orders")
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, "b", board[0].CustomerID)
	assert.Equal(t, "a", board[1].CustomerID)
	assert.Equal(t, "c", board[2].CustomerID)
	assert.Equal(t, 3, board[2].Rank)

	advanceOrders("c", 3)

	board, err = f.tracker.Leaderboard(ctx, "three-orders")
	require.NoError(t, err)
	assert.Equal(t, "b", board[0].CustomerID)
	assert.Equal(t, "c", board[1].CustomerID)
	assert.Equal(t, "a", board[2].CustomerID)
}

func TestRankTieBreaksOnCompletion(t *testing.T) {
	early := start
	late := start.Add(time.Hour)
	rows := []models.CustomerChallenge{
		{ID: "1", CustomerID: "open", ProgressPercentage: d("100"), AssignedAt: start},
		{ID: "2", CustomerID: "late", ProgressPercentage: d("100"), CompletedAt: &late, AssignedAt: start},
		{ID: "3", CustomerID: "early", ProgressPercentage: d("100"), CompletedAt: &early, AssignedAt: start},
		{ID: "4", CustomerID: "half", ProgressPercentage: d("50"), AssignedAt: start},
	}

	board := Rank(rows)
	var order []string
	for _, e := range board {
		order = append(order, e.CustomerID)
	}
	assert.Equal(t, []string{"early", "late", "open", "half"}, order)
}
