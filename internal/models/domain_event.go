package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the kind of domain event handed to the engine.
type EventType string

const (
	EventOrderPlaced      EventType = "order_placed"
	EventReviewWritten    EventType = "review_written"
	EventFriendReferred   EventType = "friend_referred"
	EventItemTried        EventType = "item_tried"
	EventAmountSpent      EventType = "amount_spent"
	EventMilestoneReached EventType = "milestone_reached"
	EventManualAdjustment EventType = "manual_adjustment"
)

// Known reports whether t is one of the accepted event types.
func (t EventType) Known() bool {
	switch t {
	case EventOrderPlaced, EventReviewWritten, EventFriendReferred, EventItemTried,
		EventAmountSpent, EventMilestoneReached, EventManualAdjustment:
		return true
	}
	return false
}

// DomainEvent is a well-formed event from the surrounding application.
type DomainEvent struct {
	CustomerID string       `json:"customer_id"`
	ProgramID  string       `json:"program_id"`
	Type       EventType    `json:"event_type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Payload    EventPayload `json:"payload"`
}

// EventPayload carries the event fields. Which ones are set depends on Type.
type EventPayload struct {
	OrderNumber string          `json:"order_number,omitempty"`
	OrderTotal  decimal.Decimal `json:"order_total"`
	MenuItems   []string        `json:"menu_items,omitempty"`
	ReferenceID string          `json:"reference_id,omitempty"`

	// Manual adjustments: Amount is signed, Actor and Reason are recorded.
	Amount decimal.Decimal `json:"amount"`
	Actor  string          `json:"actor,omitempty"`
	Reason string          `json:"reason,omitempty"`

	Context EarnContext `json:"context"`
}

// Reference returns the identifier used for idempotency and audit rows.
func (p EventPayload) Reference() string {
	if p.OrderNumber != "" {
		return p.OrderNumber
	}
	return p.ReferenceID
}

// EarnContext toggles the bonus multipliers of a points award.
type EarnContext struct {
	HappyHour  bool `json:"happy_hour"`
	Birthday   bool `json:"birthday"`
	FirstOrder bool `json:"first_order"`
	Referral   bool `json:"referral"`
}

// IngressResult collects what each consumer did with one domain event.
type IngressResult struct {
	LedgerEntry *LedgerEntry        `json:"ledger_entry,omitempty"`
	Challenges  []CustomerChallenge `json:"challenges,omitempty"`
	StampCard   *StampCard          `json:"stamp_card,omitempty"`
	Rewards     []RewardIssuance    `json:"rewards,omitempty"`
}
