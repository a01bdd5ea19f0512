package spin

import (
	"context"
	"fmt"
	"math"
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
	"loyalty-engine/internal/random"
	"loyalty-engine/internal/store"
	"loyalty-engine/internal/tier"
)

var start = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intPtr(n int) *int {
	return &n
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

func testProgram() models.Program {
	return models.Program{
		ID:                "prog-1",
		PointsPerCurrency: d("1"),
		Tiers: []models.TierDefinition{
			{ID: "bronze", MinPointsRequired: d("0"), PointsMultiplier: d("1")},
			{ID: "gold", MinPointsRequired: d("500"), PointsMultiplier: d("1.5")},
		},
		SpinWheels: []models.SpinWheel{
			{
				ID:                   "daily",
				MaxDailySpins:        2,
				InitialFreeSpins:     3,
				TierProbabilityBoost: map[string]float64{"gold": 1.5},
				Prizes: []models.SpinWheelPrize{
					{ID: "coffee", Type: "free_item", Value: d("1"), Probability: 0.6, ExpirationHours: 24, Active: true},
					{ID: "points", Type: models.RewardTypePoints, Value: d("25"), Probability: 0.4, ExpirationHours: 24, Active: true},
					{ID: "vip", Type: "discount", Value: d("50"), Probability: 0.5, TierRestrictions: []string{"gold"}, Active: true},
					{ID: "retired", Type: "discount", Value: d("5"), Probability: 0.9, Active: false},
				},
			},
			{
				ID:               "jackpot",
				MaxDailySpins:    100,
				InitialFreeSpins: 1,
				Prizes: []models.SpinWheelPrize{
					{ID: "car", Type: "discount", Value: d("1000"), Probability: 1, MaxRedemptions: intPtr(1), Active: true},
				},
			},
			{
				ID:               "scarce",
				MaxDailySpins:    100,
				InitialFreeSpins: 1,
				Prizes: []models.SpinWheelPrize{
					{ID: "last-one", Type: "discount", Value: d("100"), Probability: 0.5, MaxRedemptions: intPtr(1), Active: true},
					{ID: "sticker", Type: "free_item", Value: d("1"), Probability: 0.5, Active: true},
				},
			},
			{
				ID:               "bonus",
				MaxDailySpins:    10,
				InitialFreeSpins: 2,
				Prizes: []models.SpinWheelPrize{
					{ID: "bonus-points", Type: models.RewardTypePoints, Value: d("25"), Probability: 1, ExpirationHours: 24, Active: true},
				},
			},
			{
				ID:               "north",
				MaxDailySpins:    10,
				InitialFreeSpins: 2,
				Prizes: []models.SpinWheelPrize{
					{ID: "grand", Type: "discount", Value: d("500"), Probability: 1, MaxRedemptions: intPtr(1), Active: true},
				},
			},
			{
				ID:               "south",
				MaxDailySpins:    10,
				InitialFreeSpins: 2,
				Prizes: []models.SpinWheelPrize{
					{ID: "grand", Type: "discount", Value: d("500"), Probability: 1, MaxRedemptions: intPtr(1), Active: true},
				},
			},
		},
	}
}

type fixture struct {
	db       *database.DB
	resolver *Resolver
	ledger   *ledger.Ledger
	clock    *clock.Manual
	events   *recorder
	flaky    *flakyAccounts
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

	db, err := database.NewDB(filepath.Join(t.TempDir(), "spin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalog, err := config.NewCatalog([]models.Program{testProgram()})
	require.NoError(t, err)
	tiers := tier.NewRegistry(catalog.Programs())
	clk := clock.NewManual(start)
	accounts := &flakyAccounts{DB: db}
	l := ledger.New(accounts, catalog, tiers, clk)
	rec := &recorder{}

	resolver := New(Config{
		Store:     db,
		Accounts:  db,
		Wheels:    catalog,
		Tiers:     tiers,
		Ledger:    l,
		Clock:     clk,
		Random:    random.New(7),
		Publisher: rec,
	})
	return &fixture{db: db, resolver: resolver, ledger: l, clock: clk, events: rec, flaky: accounts}
}

func TestDrawMatchesNormalizedProbabilities(t *testing.T) {
	wheel := testProgram().SpinWheels[0]
	prizes := Eligible(wheel, "gold", nil)
	require.Len(t, prizes, 3)

	weights := Weights(prizes, wheel.Boost("gold"))
	var sum float64
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.InDelta(t, 0.4, weights[0], 1e-9)
	assert.InDelta(t, 0.4/1.5, weights[1], 1e-9)

	const draws = 100000
	rng := random.New(42)
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		p, ok := Draw(prizes, wheel.Boost("gold"), rng.Float64())
		require.True(t, ok)
		counts[p.ID]++
	}

	for i, p := range prizes {
		observed := float64(counts[p.ID]) / draws
		assert.LessOrEqual(t, math.Abs(observed-weights[i]), 0.01, p.ID)
	}
}

func TestEligibleFiltersPrizes(t *testing.T) {
	wheel := testProgram().SpinWheels[0]

	bronze := Eligible(wheel, "bronze", nil)
	require.Len(t, bronze, 2)
	assert.Equal(t, "coffee", bronze[0].ID)
	assert.Equal(t, "points", bronze[1].ID)

	jackpot := testProgram().SpinWheels[1]
	assert.Len(t, Eligible(jackpot, "bronze", map[string]int{}), 1)
	assert.Empty(t, Eligible(jackpot, "bronze", map[string]int{"car": 1}))

	_, ok := Draw(nil, 1, 0.5)
	assert.False(t, ok)
}

func TestSpinConsumesAllowance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	result, err := f.resolver.Spin(ctx, "cust-1", "daily", models.SpinFree)
	require.NoError(t, err)
	assert.Equal(t, "bronze", result.TierID)
	assert.Contains(t, []string{"coffee", "points"}, result.PrizeID)
	assert.Equal(t, start.Add(24*time.Hour), result.ExpiresAt)
	assert.False(t, result.IsRedeemed)

	acct, err := f.db.GetSpinAccount(ctx, "cust-1", "daily")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, 2, acct.FreeSpinsRemaining)
	assert.Equal(t, 1, acct.DailySpinsUsed)

	_, err = f.resolver.Spin(ctx, "cust-1", "daily", models.SpinFree)
	require.NoError(t, err)
	_, err = f.resolver.Spin(ctx, "cust-1", "daily", models.SpinFree)
	assert.ErrorIs(t, err, models.ErrDailyLimitReached)

	f.clock.Advance(24 * time.Hour)
	_, err = f.resolver.Spin(ctx, "cust-1", "daily", models.SpinFree)
	require.NoError(t, err)
	_, err = f.resolver.Spin(ctx, "cust-1", "daily", models.SpinFree)
	assert.ErrorIs(t, err, models.ErrNoSpinsRemaining)

	_, err = f.resolver.Spin(ctx, "cust-1", "daily", models.SpinPaid)
	assert.ErrorIs(t, err, models.ErrNoSpinsRemaining)
	_, err = f.resolver.Spin(ctx, "cust-1", "daily", "bonus")
	assert.ErrorIs(t, err, models.ErrInvalidSpinType)
	_, err = f.resolver.Spin(ctx, "cust-1", "missing", models.SpinFree)
	assert.ErrorIs(t, err, models.ErrWheelNotFound)

	assert.Len(t, f.events.rewards, 3)
}

func TestPaidSpinsAfterGrant(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	acct, err := f.resolver.GrantSpins(ctx, "cust-1", "daily", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, acct.FreeSpinsRemaining)
	assert.Equal(t, 2, acct.PaidSpinsRemaining)

	_, err = f.resolver.Spin(ctx, "cust-1", "daily", models.SpinPaid)
	require.NoError(t, err)

	got, err := f.db.GetSpinAccount(ctx, "cust-1", "daily")
	require.NoError(t, err)
	assert.Equal(t, 3, got.FreeSpinsRemaining)
	assert.Equal(t, 1, got.PaidSpinsRemaining)

	_, err = f.resolver.GrantSpins(ctx, "cust-1", "daily", 0, 0)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
}

func TestGoldTierUnlocksRestrictedPrize(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	acct, err := f.db.GetOrCreateAccount(ctx, "cust-1", "prog-1", start)
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, acct.ID, ledger.Request{
		Type:   models.TransactionEarned,
		Amount: d("600"),
		Source: models.SourceOrder,
	})
	require.NoError(t, err)

	result, err := f.resolver.Spin(ctx, "cust-1", "daily", models.SpinFree)
	require.NoError(t, err)
	assert.Equal(t, "gold", result.TierID)
}

func TestExhaustedWheelKeepsAllowance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	won, err := f.resolver.Spin(ctx, "cust-1", "jackpot", models.SpinFree)
	require.NoError(t, err)
	assert.Equal(t, "car", won.PrizeID)

	_, err = f.resolver.Spin(ctx, "cust-2", "jackpot", models.SpinFree)
	assert.ErrorIs(t, err, models.ErrNoPrizesAvailable)

	acct, err := f.db.GetSpinAccount(ctx, "cust-2", "jackpot")
	require.NoError(t, err)
	assert.Nil(t, acct)
}

func TestScarcePrizeDrawnOnceUnderConcurrency(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const spinners = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < spinners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.resolver.Spin(ctx, fmt.Sprintf("cust-%d", i), "scarce", models.SpinFree)
			if err != nil {
				assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
				return
			}
			if result.PrizeID == "last-one" {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, wins, 1)
}

func TestRedeemPrize(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	result, err := f.resolver.Spin(ctx, "cust-1", "daily", models.SpinFree)
	require.NoError(t, err)

	redeemed, err := f.resolver.RedeemPrize(ctx, result.ID, "ORD-1")
	require.NoError(t, err)
	assert.True(t, redeemed.IsRedeemed)
	assert.Equal(t, "ORD-1", redeemed.RedeemedByOrderID)
	require.NotNil(t, redeemed.RedeemedAt)

	_, err = f.resolver.RedeemPrize(ctx, result.ID, "ORD-2")
	assert.ErrorIs(t, err, models.ErrAlreadyRedeemed)

	late, err := f.resolver.Spin(ctx, "cust-1", "daily", models.SpinFree)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	_, err = f.resolver.RedeemPrize(ctx, late.ID, "ORD-3")
	assert.ErrorIs(t, err, models.ErrExpired)

	_, err = f.resolver.RedeemPrize(ctx, "missing", "ORD-4")
	assert.ErrorIs(t, err, models.ErrSpinNotFound)
}

func TestRedeemBooksPointsPrizeAfterFailedCredit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.flaky.failNext(2)
	result, err := f.resolver.Spin(ctx, "cust-1", "bonus", models.SpinFree)
	require.NoError(t, err)
	assert.Equal(t, "bonus-points", result.PrizeID)

	acct, err := f.db.FindAccount(ctx, "cust-1", "prog-1")
	require.NoError(t, err)
	assert.True(t, acct.CurrentPoints.IsZero())

	_, err = f.resolver.RedeemPrize(ctx, result.ID, "ORD-1")
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	stored, err := f.db.GetSpinResult(ctx, result.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRedeemed)

	redeemed, err := f.resolver.RedeemPrize(ctx, result.ID, "ORD-1")
	require.NoError(t, err)
	assert.True(t, redeemed.IsRedeemed)

	acct, err = f.db.FindAccount(ctx, "cust-1", "prog-1")
	require.NoError(t, err)
	assert.True(t, acct.CurrentPoints.Equal(d("25")))
	entries, err := f.db.ListLedgerEntries(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.TransactionBonus, entries[0].TransactionType)

	// A prize credited at draw time is not booked again on redemption.
	second, err := f.resolver.Spin(ctx, "cust-1", "bonus", models.SpinFree)
	require.NoError(t, err)
	_, err = f.resolver.RedeemPrize(ctx, second.ID, "ORD-2")
	require.NoError(t, err)

	acct, err = f.db.FindAccount(ctx, "cust-1", "prog-1")
	require.NoError(t, err)
	assert.True(t, acct.CurrentPoints.Equal(d("50")))
}

func TestPrizeCountersAreScopedToWheel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	north, err := f.resolver.Spin(ctx, "cust-1", "north", models.SpinFree)
	require.NoError(t, err)
	assert.Equal(t, "grand", north.PrizeID)

	south, err := f.resolver.Spin(ctx, "cust-2", "south", models.SpinFree)
	require.NoError(t, err)
	assert.Equal(t, "grand", south.PrizeID)
	assert.Equal(t, "south", south.WheelID)

	_, err = f.resolver.Spin(ctx, "cust-3", "north", models.SpinFree)
	assert.ErrorIs(t, err, models.ErrNoPrizesAvailable)
}
