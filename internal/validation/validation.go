package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"loyalty-engine/internal/models"
)

const (
	maxIDLength   = 128
	maxMenuItems  = 200
	maxGrantSpins = 1000
	maxTextLength = 512
	maxFutureSkew = time.Hour
	maxEventAge   = 10 * 365 * 24 * time.Hour
)

var (
	idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

	// Order totals and adjustments above this are rejected as implausible.
	maxAmount = decimal.NewFromInt(100_000_000)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateEvent checks a domain event before it is handed to the engine.
// now bounds OccurredAt.
func ValidateEvent(ev models.DomainEvent, now time.Time) error {
	if err := ValidateID(ev.CustomerID, "customer_id"); err != nil {
		return err
	}
	if err := ValidateID(ev.ProgramID, "program_id"); err != nil {
		return err
	}
	if ev.Type == "" {
		return &ValidationError{
			Field:   "event_type",
			Message: "is required",
		}
	}

	if !ev.OccurredAt.IsZero() {
		if ev.OccurredAt.After(now.Add(maxFutureSkew)) {
			return &ValidationError{
				Field:   "occurred_at",
				Message: "cannot be more than 1 hour in the future",
			}
		}
		if ev.OccurredAt.Before(now.Add(-maxEventAge)) {
			return &ValidationError{
				Field:   "occurred_at",
				Message: "cannot be more than 10 years in the past",
			}
		}
	}

	p := ev.Payload
	if err := validateAmount(p.OrderTotal, "payload.order_total", false); err != nil {
		return err
	}
	if len(p.MenuItems) > maxMenuItems {
		return &ValidationError{
			Field:   "payload.menu_items",
			Message: fmt.Sprintf("cannot contain more than %d items", maxMenuItems),
		}
	}
	for i, item := range p.MenuItems {
		if SanitizeString(item) == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("payload.menu_items[%d]", i),
				Message: "must not be empty",
			}
		}
	}
	if ref := p.Reference(); len(ref) > maxIDLength {
		return &ValidationError{
			Field:   "payload.order_number",
			Message: fmt.Sprintf("cannot exceed %d characters", maxIDLength),
		}
	}

	switch ev.Type {
	case models.EventOrderPlaced:
		if p.OrderNumber == "" {
			return &ValidationError{
				Field:   "payload.order_number",
				Message: "is required for order_placed",
			}
		}
	case models.EventAmountSpent:
		if !p.OrderTotal.IsPositive() {
			return &ValidationError{
				Field:   "payload.order_total",
				Message: "must be positive for amount_spent",
			}
		}
	case models.EventManualAdjustment:
		if p.Amount.IsZero() {
			return &ValidationError{
				Field:   "payload.amount",
				Message: "must be non-zero for manual_adjustment",
			}
		}
		if p.Amount.Abs().GreaterThan(maxAmount) {
			return &ValidationError{
				Field:   "payload.amount",
				Message: "exceeds maximum allowed amount",
			}
		}
		if SanitizeString(p.Actor) == "" {
			return &ValidationError{
				Field:   "payload.actor",
				Message: "is required for manual_adjustment",
			}
		}
		if len(p.Reason) > maxTextLength {
			return &ValidationError{
				Field:   "payload.reason",
				Message: fmt.Sprintf("cannot exceed %d characters", maxTextLength),
			}
		}
	}

	return nil
}

// ValidateRedeem checks a points redemption request.
func ValidateRedeem(req models.RedeemRequest) error {
	if err := validateAmount(req.Points, "points", true); err != nil {
		return err
	}
	if req.RedemptionType == "" {
		return &ValidationError{
			Field:   "redemption_type",
			Message: "is required",
		}
	}
	if req.ReferenceID != "" {
		return ValidateID(req.ReferenceID, "reference_id")
	}
	return nil
}

// ValidateSpin checks a spin request.
func ValidateSpin(req models.SpinRequest) error {
	if err := ValidateID(req.CustomerID, "customer_id"); err != nil {
		return err
	}
	if err := ValidateID(req.WheelID, "wheel_id"); err != nil {
		return err
	}
	if req.SpinType != models.SpinFree && req.SpinType != models.SpinPaid {
		return &ValidationError{
			Field:   "spin_type",
			Message: "must be free or paid",
		}
	}
	return nil
}

// ValidateGrant checks a spin grant request.
func ValidateGrant(req models.GrantSpinsRequest) error {
	if err := ValidateID(req.CustomerID, "customer_id"); err != nil {
		return err
	}
	if err := ValidateID(req.WheelID, "wheel_id"); err != nil {
		return err
	}
	if req.Free < 0 || req.Paid < 0 {
		return &ValidationError{
			Field:   "free",
			Message: "spin grants must be non-negative",
		}
	}
	if req.Free+req.Paid == 0 {
		return &ValidationError{
			Field:   "free",
			Message: "grant at least one spin",
		}
	}
	if req.Free+req.Paid > maxGrantSpins {
		return &ValidationError{
			Field:   "paid",
			Message: fmt.Sprintf("cannot grant more than %d spins at once", maxGrantSpins),
		}
	}
	return nil
}

func validateAmount(v decimal.Decimal, field string, positive bool) error {
	if positive && !v.IsPositive() {
		return &ValidationError{
			Field:   field,
			Message: "must be positive",
		}
	}
	if v.IsNegative() {
		return &ValidationError{
			Field:   field,
			Message: "must be non-negative",
		}
	}
	if v.GreaterThan(maxAmount) {
		return &ValidationError{
			Field:   field,
			Message: "exceeds maximum allowed amount",
		}
	}
	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateID checks an opaque identifier such as a customer, program or
// order ID.
func ValidateID(id, fieldName string) error {
	id = SanitizeString(id)
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if len(id) > maxIDLength {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("cannot exceed %d characters", maxIDLength),
		}
	}

	if !idRegex.MatchString(id) {
		return &ValidationError{
			Field:   fieldName,
			Message: "may only contain letters, digits and . _ : -",
		}
	}

	return nil
}

func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}
