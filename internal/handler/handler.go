package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"loyalty-engine/internal/models"
	"loyalty-engine/internal/retry"
	"loyalty-engine/internal/service"
	"loyalty-engine/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	metrics     http.Handler
	logger      *slog.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/events", h.IngestEvent)

	r.Route("/accounts/{account_id}", func(r chi.Router) {
		r.Get("/", h.GetAccount)
		r.Get("/ledger", h.ListLedger)
		r.Post("/redeem", h.Redeem)
		r.Post("/deactivate", h.Deactivate)
	})
	r.Post("/ledger/{entry_id}/reverse", h.Reverse)

	r.Route("/challenges/{challenge_id}", func(r chi.Router) {
		r.Post("/assign", h.AssignChallenge)
		r.Get("/leaderboard", h.Leaderboard)
		r.Get("/rewards/{customer_id}", h.ChallengeRewards)
	})
	r.Post("/customer-challenges/{id}/claim", h.ClaimChallenge)
	r.Post("/customer-challenges/{id}/cancel", h.CancelChallenge)

	r.Post("/stamp-cards/{card_id}/claim", h.ClaimStampCard)

	r.Route("/spins", func(r chi.Router) {
		r.Post("/", h.Spin)
		r.Post("/grant", h.GrantSpins)
		r.Post("/{spin_id}/redeem", h.RedeemSpin)
	})

	r.Post("/admin/expire-points", h.ExpirePoints)
	r.Post("/admin/expire-challenges", h.ExpireChallenges)

	r.Get("/health", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
}

// IngestEvent handles POST /events
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.DomainEvent
	if !h.decode(w, r, &ev, true) {
		return
	}

	ev.CustomerID = validation.SanitizeString(ev.CustomerID)
	ev.ProgramID = validation.SanitizeString(ev.ProgramID)
	ev.Payload.OrderNumber = validation.SanitizeString(ev.Payload.OrderNumber)
	ev.Payload.ReferenceID = validation.SanitizeString(ev.Payload.ReferenceID)
	ev.Payload.Actor = validation.SanitizeString(ev.Payload.Actor)
	for i := range ev.Payload.MenuItems {
		ev.Payload.MenuItems[i] = validation.SanitizeString(ev.Payload.MenuItems[i])
	}

	result, err := h.service.Ingest(r.Context(), ev)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// GetAccount handles GET /accounts/{account_id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathID(w, r, "account_id")
	if !ok {
		return
	}

	acct, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, acct)
}

// ListLedger handles GET /accounts/{account_id}/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathID(w, r, "account_id")
	if !ok {
		return
	}

	entries, err := h.service.ListLedger(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}

	h.respondJSON(w, http.StatusOK, entries)
}

// Redeem handles POST /accounts/{account_id}/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathID(w, r, "account_id")
	if !ok {
		return
	}
	var req models.RedeemRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	req.ReferenceID = validation.SanitizeString(req.ReferenceID)

	resp, err := h.service.Redeem(r.Context(), accountID, req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, resp)
}

// Deactivate handles POST /accounts/{account_id}/deactivate
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.pathID(w, r, "account_id")
	if !ok {
		return
	}

	acct, err := h.service.Deactivate(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, acct)
}

// Reverse handles POST /ledger/{entry_id}/reverse
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	entryID, ok := h.pathID(w, r, "entry_id")
	if !ok {
		return
	}
	var req models.ActorRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	entry, err := h.service.Reverse(r.Context(), entryID, validation.SanitizeString(req.Actor))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, entry)
}

// AssignChallenge handles POST /challenges/{challenge_id}/assign
func (h *Handler) AssignChallenge(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := h.pathID(w, r, "challenge_id")
	if !ok {
		return
	}
	var req models.AssignRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	cc, err := h.service.AssignChallenge(r.Context(), challengeID, validation.SanitizeString(req.CustomerID))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, cc)
}

// Leaderboard handles GET /challenges/{challenge_id}/leaderboard
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := h.pathID(w, r, "challenge_id")
	if !ok {
		return
	}

	board, err := h.service.Leaderboard(r.Context(), challengeID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if board == nil {
		board = []models.LeaderboardEntry{}
	}

	h.respondJSON(w, http.StatusOK, board)
}

// ChallengeRewards handles GET /challenges/{challenge_id}/rewards/{customer_id}
func (h *Handler) ChallengeRewards(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := h.pathID(w, r, "challenge_id")
	if !ok {
		return
	}
	customerID, ok := h.pathID(w, r, "customer_id")
	if !ok {
		return
	}

	calc, err := h.service.ChallengeRewards(r.Context(), challengeID, customerID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, calc)
}

// ClaimChallenge handles POST /customer-challenges/{id}/claim
func (h *Handler) ClaimChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	resp, err := h.service.ClaimChallenge(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, resp)
}

// CancelChallenge handles POST /customer-challenges/{id}/cancel
func (h *Handler) CancelChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req models.ActorRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	cc, err := h.service.CancelChallenge(r.Context(), id, validation.SanitizeString(req.Actor))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, cc)
}

// ClaimStampCard handles POST /stamp-cards/{card_id}/claim
func (h *Handler) ClaimStampCard(w http.ResponseWriter, r *http.Request) {
	cardID, ok := h.pathID(w, r, "card_id")
	if !ok {
		return
	}

	resp, err := h.service.ClaimStampCard(r.Context(), cardID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, resp)
}

// Spin handles POST /spins
func (h *Handler) Spin(w http.ResponseWriter, r *http.Request) {
	var req models.SpinRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	req.CustomerID = validation.SanitizeString(req.CustomerID)
	req.WheelID = validation.SanitizeString(req.WheelID)

	result, err := h.service.Spin(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, result)
}

// GrantSpins handles POST /spins/grant
func (h *Handler) GrantSpins(w http.ResponseWriter, r *http.Request) {
	var req models.GrantSpinsRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	req.CustomerID = validation.SanitizeString(req.CustomerID)
	req.WheelID = validation.SanitizeString(req.WheelID)

	acct, err := h.service.GrantSpins(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, acct)
}

// RedeemSpin handles POST /spins/{spin_id}/redeem
func (h *Handler) RedeemSpin(w http.ResponseWriter, r *http.Request) {
	spinID, ok := h.pathID(w, r, "spin_id")
	if !ok {
		return
	}
	var req models.RedeemSpinRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	req.OrderID = validation.SanitizeString(req.OrderID)

	result, err := h.service.RedeemSpin(r.Context(), spinID, req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// ExpirePoints handles POST /admin/expire-points
func (h *Handler) ExpirePoints(w http.ResponseWriter, r *http.Request) {
	var req models.ExpirePointsRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	var asOf time.Time
	if req.AsOf != nil {
		asOf = req.AsOf.UTC()
	}

	n, err := h.service.ExpirePoints(r.Context(), asOf)
	h.respondSweep(w, n, err)
}

// ExpireChallenges handles POST /admin/expire-challenges
func (h *Handler) ExpireChallenges(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ExpireChallenges(r.Context())
	h.respondSweep(w, n, err)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Health(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		h.respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// respondSweep reports a batch sweep. Rows processed before a failure stay
// processed, so partial failures still carry the count.
func (h *Handler) respondSweep(w http.ResponseWriter, n int, err error) {
	resp := models.SweepResponse{Processed: n}
	if err != nil {
		h.logger.Error("sweep finished with errors", "processed", n, "error", err)
		resp.Errors = []string{err.Error()}
		h.respondJSON(w, http.StatusInternalServerError, resp)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into dst. With required false an empty body is
// accepted and leaves dst untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, required bool) bool {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if err == io.EOF {
			if !required {
				return true
			}
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := validation.SanitizeString(chi.URLParam(r, name))
	if err := validation.ValidateID(id, name); err != nil {
		h.respondServiceError(w, err)
		return "", false
	}
	return id, true
}

// respondServiceError maps engine failures to HTTP statuses.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var verr *validation.ValidationError
	if errors.As(err, &verr) {
		h.respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: verr.Error(), Field: verr.Field})
		return
	}

	status := StatusFor(err)
	resp := models.ErrorResponse{Error: err.Error()}
	switch {
	case status == http.StatusServiceUnavailable:
		resp.Retryable = true
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", "error", err, "retries_exhausted", retry.Exhausted(err))
		resp.Error = "internal server error"
		if errors.Is(err, models.ErrNoTierConfigured) {
			resp.Error = models.ErrNoTierConfigured.Error()
		}
	}
	h.respondJSON(w, status, resp)
}

// StatusFor returns the HTTP status of an engine error.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrAccountNotFound),
		errors.Is(err, models.ErrEntryNotFound),
		errors.Is(err, models.ErrProgramNotFound),
		errors.Is(err, models.ErrChallengeNotFound),
		errors.Is(err, models.ErrCardNotFound),
		errors.Is(err, models.ErrWheelNotFound),
		errors.Is(err, models.ErrSpinNotFound):
		return http.StatusNotFound

	case errors.Is(err, models.ErrAlreadyAssigned),
		errors.Is(err, models.ErrAlreadyClaimed),
		errors.Is(err, models.ErrAlreadyRedeemed),
		errors.Is(err, models.ErrChallengeFull),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAccountInactive),
		errors.Is(err, models.ErrNotCompleted):
		return http.StatusConflict

	case errors.Is(err, models.ErrInsufficientBalance),
		errors.Is(err, models.ErrBelowMinimumRedemption),
		errors.Is(err, models.ErrRedemptionTypeDisabled),
		errors.Is(err, models.ErrNotReversible),
		errors.Is(err, models.ErrExpired),
		errors.Is(err, models.ErrChallengeInactive),
		errors.Is(err, models.ErrNoSpinsRemaining),
		errors.Is(err, models.ErrDailyLimitReached),
		errors.Is(err, models.ErrNoPrizesAvailable),
		errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidSpinType),
		errors.Is(err, models.ErrUnknownEventType),
		errors.Is(err, models.ErrRewardNotSupported):
		return http.StatusUnprocessableEntity

	case errors.Is(err, models.ErrFeatureDisabled):
		return http.StatusForbidden

	case errors.Is(err, models.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
