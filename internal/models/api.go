package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RedeemRequest is the body of POST /accounts/{account_id}/redeem.
type RedeemRequest struct {
	Points         decimal.Decimal `json:"points"`
	RedemptionType Source          `json:"redemption_type"`
	ReferenceID    string          `json:"reference_id,omitempty"`
}

// RedeemResponse carries the debit entry and the value it buys.
type RedeemResponse struct {
	Entry LedgerEntry     `json:"entry"`
	Value decimal.Decimal `json:"value"`
}

// ActorRequest names who performed an administrative action.
type ActorRequest struct {
	Actor string `json:"actor"`
}

// AssignRequest is the body of POST /challenges/{challenge_id}/assign.
type AssignRequest struct {
	CustomerID string `json:"customer_id"`
}

// ClaimResponse is the outcome of a challenge reward claim.
type ClaimResponse struct {
	Challenge CustomerChallenge `json:"challenge"`
	Reward    RewardIssuance    `json:"reward"`
	Created   bool              `json:"created"`
}

// StampClaimResponse is the outcome of a stamp card reward claim.
type StampClaimResponse struct {
	Card   StampCard      `json:"card"`
	Reward RewardIssuance `json:"reward"`
}

// SpinRequest is the body of POST /spins.
type SpinRequest struct {
	CustomerID string   `json:"customer_id"`
	WheelID    string   `json:"wheel_id"`
	SpinType   SpinType `json:"spin_type"`
}

// GrantSpinsRequest is the body of POST /spins/grant.
type GrantSpinsRequest struct {
	CustomerID string `json:"customer_id"`
	WheelID    string `json:"wheel_id"`
	Free       int    `json:"free"`
	Paid       int    `json:"paid"`
}

// RedeemSpinRequest is the body of POST /spins/{spin_id}/redeem.
type RedeemSpinRequest struct {
	OrderID string `json:"order_id"`
}

// ExpirePointsRequest is the optional body of POST /admin/expire-points.
// A missing AsOf sweeps as of now.
type ExpirePointsRequest struct {
	AsOf *time.Time `json:"as_of,omitempty"`
}

// SweepResponse reports how many rows a batch sweep changed.
type SweepResponse struct {
	Processed int      `json:"processed"`
	Errors    []string `json:"errors,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
