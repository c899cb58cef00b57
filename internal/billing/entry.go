// Package billing implements the reserve/commit/finalize state machine:
// per-entry locking with crash-safe WAL-first durability, idempotent
// replay, and credit-note compensation.
package billing

import (
	"time"

	"github.com/oberonpay/gatewayd/internal/core/money"
)

// State is a billing entry's lifecycle position.
type State string

const (
	// ReserveHeld is the only creation state: an estimated cost is held
	// against the account.
	ReserveHeld State = "RESERVE_HELD"

	// FinalizePending means the actual cost is committed and external
	// settlement is in flight.
	FinalizePending State = "FINALIZE_PENDING"

	// Finalized means settlement confirmed. Terminal except for Void.
	Finalized State = "FINALIZED"

	// FinalizeFailed means settlement did not confirm; retry or void.
	FinalizeFailed State = "FINALIZE_FAILED"

	// Released means the hold was dropped without a commit. Terminal.
	Released State = "RELEASED"

	// Voided is the operator-reversal terminal state.
	Voided State = "VOIDED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == Finalized || s == Released || s == Voided
}

// Entry is one billed request's durable record.
type Entry struct {
	BillingEntryID string `json:"billing_entry_id"`
	CorrelationID  string `json:"correlation_id"`
	AccountID      string `json:"account_id"`
	State          State  `json:"state"`

	EstimatedCost money.MicroUSD  `json:"estimated_cost"`
	ActualCost    *money.MicroUSD `json:"actual_cost,omitempty"`

	// ExchangeRateSnapshot is frozen at reserve so commit and finalize
	// price against the same rate.
	ExchangeRateSnapshot money.ExchangeRate `json:"exchange_rate_snapshot"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// WALOffset is the wal_sequence of the entry's latest transition.
	WALOffset uint64 `json:"wal_offset"`

	FinalizeAttempts int `json:"finalize_attempts"`

	ReleaseReason string `json:"release_reason,omitempty"`
	VoidReason    string `json:"void_reason,omitempty"`
	VoidActor     string `json:"void_actor,omitempty"`
}

// clone returns a copy safe to hand to callers.
func (e *Entry) clone() *Entry {
	cp := *e
	if e.ActualCost != nil {
		v := *e.ActualCost
		cp.ActualCost = &v
	}
	return &cp
}

// Transition names for WAL event types and billing-stream events.
const (
	eventReserve      = "billing_reserve"
	eventCommit       = "billing_commit"
	eventRelease      = "billing_release"
	eventFinalizeAck  = "billing_finalize_ack"
	eventFinalizeFail = "billing_finalize_fail"
	eventVoid         = "billing_void"
)
