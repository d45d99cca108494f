package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the state of one recorded transfer attempt.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSuccess SettlementStatus = "success"
	SettlementFailed  SettlementStatus = "failed"
)

// Settlement is an audit record of a single transfer attempt for a group.
// Used for history and for reconciling transfers whose completion was not
// persisted.
type Settlement struct {
	ID          string           `json:"id" db:"id"`
	GroupID     string           `json:"group_id" db:"group_id"`
	Amount      decimal.Decimal  `json:"amount" db:"amount"`
	Destination string           `json:"destination" db:"destination"`
	Status      SettlementStatus `json:"status" db:"status"`
	Code        string           `json:"code,omitempty" db:"code"`
	TxHash      string           `json:"tx_hash,omitempty" db:"tx_hash"`
	Error       string           `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}

// OutcomeStatus classifies what a settlement pass did with one due group.
type OutcomeStatus string

const (
	OutcomeCompleted     OutcomeStatus = "completed"
	OutcomeNotFunded     OutcomeStatus = "skipped_not_funded"
	OutcomeFailed        OutcomeStatus = "failed"
	OutcomePersistFailed OutcomeStatus = "persist_failed"
	// A submitted payment has no final ledger result yet. The group is not
	// paid again until the payment resolves.
	OutcomeUnconfirmed OutcomeStatus = "pending_confirmation"
)

// SettlementOutcome is the per-group result of a settlement pass.
type SettlementOutcome struct {
	GroupID string          `json:"group_id"`
	Status  OutcomeStatus   `json:"status"`
	Balance decimal.Decimal `json:"balance"`
	Receipt *Receipt        `json:"receipt,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SettlementRunResponse is the response body of a settlement pass.
type SettlementRunResponse struct {
	RanAt    time.Time           `json:"ran_at"`
	Outcomes []SettlementOutcome `json:"outcomes"`
}
