package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-engine/internal/config"
	"loyalty-engine/internal/database"
	"loyalty-engine/internal/features"
	"loyalty-engine/internal/metrics"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/random"
	"loyalty-engine/internal/retry"
	"loyalty-engine/internal/service"
)

const testPrograms = `
programs:
  - id: cafe
    points_per_currency: "1"
    minimum_points_redemption: "100"
    redemption_rate: "0.01"
    redemption_options:
      discount: true
    tiers:
      - id: bronze
        min_points_required: "0"
        points_multiplier: "1"
    challenges:
      - id: first-steps
        challenge_type: frequency
        requirements:
          order_count: 2
        reward_type: points
        reward_value: "20"
    spin_wheels:
      - id: daily
        max_daily_spins: 1
        initial_free_spins: 1
        prizes:
          - id: cookie
            type: free_item
            value: "1"
            probability: 1
            expiration_hours: 24
            active: true
`

type testEnv struct {
	router   *chi.Mux
	features *features.Manager
}

func setupTestHandler(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "handler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalog, err := config.ParseCatalog([]byte(testPrograms))
	require.NoError(t, err)

	flags := features.FromConfig(config.Default().Features)
	m := metrics.New("test")
	svc := service.NewService(service.Config{
		DB:       db,
		Catalog:  catalog,
		Features: flags,
		Random:   random.New(3),
		Retry:    retry.DefaultPolicy(),
		Metrics:  m,
	})

	h := NewHandlerWithOptions(svc, NewHandlerOptions{MaxBodySize: 4096, Metrics: m.Handler()})
	r := chi.NewRouter()
	h.Routes(r)

	return &testEnv{router: r, features: flags}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func order(ref, total string) models.DomainEvent {
	return models.DomainEvent{
		CustomerID: "cust-1",
		ProgramID:  "cafe",
		Type:       models.EventOrderPlaced,
		Payload: models.EventPayload{
			OrderNumber: ref,
			OrderTotal:  decimal.RequireFromString(total),
		},
	}
}

func TestHealthCheck(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestIngestEventAndReadAccount(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, http.MethodPost, "/events", order("ORD-1", "42.50"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	result := decodeBody[models.IngressResult](t, rr)
	require.NotNil(t, result.LedgerEntry)
	assert.True(t, result.LedgerEntry.Amount.Equal(decimal.RequireFromString("42.5")))
	accountID := result.LedgerEntry.AccountID

	rr = env.do(t, http.MethodGet, "/accounts/"+accountID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	acct := decodeBody[models.LoyaltyAccount](t, rr)
	assert.True(t, acct.CurrentPoints.Equal(decimal.RequireFromString("42.5")))
	assert.Equal(t, "bronze", acct.CurrentTierID)

	rr = env.do(t, http.MethodGet, "/accounts/"+accountID+"/ledger", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	entries := decodeBody[[]models.LedgerEntry](t, rr)
	assert.Len(t, entries, 1)
}

func TestIngestEventBadRequests(t *testing.T) {
	env := setupTestHandler(t)

	tests := []struct {
		name   string
		body   any
		status int
		field  string
	}{
		{name: "empty body", body: nil, status: http.StatusBadRequest},
		{name: "invalid json", body: "{not json", status: http.StatusBadRequest},
		{name: "too large", body: `{"customer_id":"` + strings.Repeat("a", 5000) + `"}`, status: http.StatusRequestEntityTooLarge},
		{name: "missing order number", body: order("", "10"), status: http.StatusBadRequest, field: "payload.order_number"},
		{
			name: "unknown event type",
			body: models.DomainEvent{
				CustomerID: "cust-1",
				ProgramID:  "cafe",
				Type:       "newsletter_signup",
			},
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "unknown program",
			body: models.DomainEvent{
				CustomerID: "cust-1",
				ProgramID:  "bistro",
				Type:       models.EventReviewWritten,
			},
			status: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/events", tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())

			resp := decodeBody[models.ErrorResponse](t, rr)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.field, resp.Field)
		})
	}
}

func TestAccountNotFound(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, http.MethodGet, "/accounts/missing-account", nil)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRedeemRules(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, http.MethodPost, "/events", order("ORD-1", "150"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	accountID := decodeBody[models.IngressResult](t, rr).LedgerEntry.AccountID

	rr = env.do(t, http.MethodPost, "/accounts/"+accountID+"/redeem", models.RedeemRequest{
		Points:         decimal.NewFromInt(60),
		RedemptionType: models.SourceDiscount,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/accounts/"+accountID+"/redeem", models.RedeemRequest{
		Points:         decimal.NewFromInt(100),
		RedemptionType: models.SourceDiscount,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	resp := decodeBody[models.RedeemResponse](t, rr)
	assert.True(t, resp.Value.Equal(decimal.NewFromInt(1)))

	rr = env.do(t, http.MethodPost, "/ledger/"+resp.Entry.ID+"/reverse", models.ActorRequest{Actor: "ops"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/ledger/"+resp.Entry.ID+"/reverse", models.ActorRequest{Actor: "ops"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/accounts/"+accountID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, decodeBody[models.LoyaltyAccount](t, rr).IsActive)

	rr = env.do(t, http.MethodPost, "/accounts/"+accountID+"/redeem", models.RedeemRequest{
		Points:         decimal.NewFromInt(100),
		RedemptionType: models.SourceDiscount,
	})
	assert.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
}

func TestChallengeEndpoints(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, http.MethodPost, "/challenges/first-steps/assign", models.AssignRequest{CustomerID: "cust-2"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	cc := decodeBody[models.CustomerChallenge](t, rr)
	assert.Equal(t, models.StatusAssigned, cc.Status)

	rr = env.do(t, http.MethodPost, "/challenges/first-steps/assign", models.AssignRequest{CustomerID: "cust-2"})
	assert.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/customer-challenges/"+cc.ID+"/claim", nil)
	assert.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodGet, "/challenges/first-steps/rewards/cust-2", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	calc := decodeBody[models.RewardCalculation](t, rr)
	assert.True(t, calc.AdjustedValue.Equal(decimal.NewFromInt(20)))

	rr = env.do(t, http.MethodGet, "/challenges/first-steps/leaderboard", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, decodeBody[[]models.LeaderboardEntry](t, rr), 1)

	rr = env.do(t, http.MethodPost, "/customer-challenges/"+cc.ID+"/cancel", models.ActorRequest{Actor: "ops"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.StatusCancelled, decodeBody[models.CustomerChallenge](t, rr).Status)

	rr = env.do(t, http.MethodPost, "/challenges/unknown/assign", models.AssignRequest{CustomerID: "cust-2"})
	assert.Equal(t, http.StatusNotFound, rr.Code, rr.Body.String())
}

func TestSpinEndpoints(t *testing.T) {
	env := setupTestHandler(t)

	spin := models.SpinRequest{CustomerID: "cust-3", WheelID: "daily", SpinType: models.SpinFree}

	env.features.Disable(features.SpinWheel)
	rr := env.do(t, http.MethodPost, "/spins", spin)
	assert.Equal(t, http.StatusForbidden, rr.Code, rr.Body.String())
	env.features.Enable(features.SpinWheel)

	rr = env.do(t, http.MethodPost, "/spins", spin)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	result := decodeBody[models.SpinResult](t, rr)
	assert.Equal(t, "cookie", result.PrizeID)

	rr = env.do(t, http.MethodPost, "/spins", spin)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/spins/"+result.ID+"/redeem", models.RedeemSpinRequest{OrderID: "ORD-7"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, decodeBody[models.SpinResult](t, rr).IsRedeemed)

	rr = env.do(t, http.MethodPost, "/spins/"+result.ID+"/redeem", models.RedeemSpinRequest{OrderID: "ORD-8"})
	assert.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/spins/grant", models.GrantSpinsRequest{CustomerID: "cust-3", WheelID: "daily", Paid: 2})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 2, decodeBody[models.SpinWheelAccount](t, rr).PaidSpinsRemaining)
}

func TestAdminSweeps(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, http.MethodPost, "/admin/expire-points", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 0, decodeBody[models.SweepResponse](t, rr).Processed)

	rr = env.do(t, http.MethodPost, "/admin/expire-points", `{"as_of":"2030-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/admin/expire-challenges", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestHandler(t)

	env.do(t, http.MethodPost, "/events", order("ORD-1", "10"))
	rr := env.do(t, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "test_")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{models.ErrAccountNotFound, http.StatusNotFound},
		{models.ErrSpinNotFound, http.StatusNotFound},
		{models.ErrAlreadyAssigned, http.StatusConflict},
		{models.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{models.ErrUnknownEventType, http.StatusUnprocessableEntity},
		{models.ErrFeatureDisabled, http.StatusForbidden},
		{models.ErrConcurrencyConflict, http.StatusServiceUnavailable},
		{models.ErrNoTierConfigured, http.StatusInternalServerError},
		{fmt.Errorf("points: %w", models.ErrBelowMinimumRedemption), http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, StatusFor(tt.err))
		})
	}
}

func TestConflictIsRetryable(t *testing.T) {
	h := NewHandler(nil)
	rr := httptest.NewRecorder()

	h.respondServiceError(rr, fmt.Errorf("spin: %w", models.ErrConcurrencyConflict))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	resp := decodeBody[models.ErrorResponse](t, rr)
	assert.True(t, resp.Retryable)
}
