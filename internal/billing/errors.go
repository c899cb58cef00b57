package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrCostExceedsEstimate rejects a commit above the reserved hold.
	ErrCostExceedsEstimate = errors.New("billing: actual cost exceeds estimate")

	// ErrNegativeCost rejects negative estimates and actuals.
	ErrNegativeCost = errors.New("billing: negative cost")

	// ErrEntryNotFound means no entry with that id exists.
	ErrEntryNotFound = errors.New("billing: entry not found")

	// ErrCorrelationMismatch means a replayed operation carried a
	// different correlation id than the first application.
	ErrCorrelationMismatch = errors.New("billing: CORRELATION_MISMATCH")

	// ErrCapExceeded means the wallet's daily credit-note cap would be
	// breached; nothing was persisted.
	ErrCapExceeded = errors.New("billing: CAP_EXCEEDED")
)

// InvalidStateError reports a transition attempted from a state that does
// not admit it.
type InvalidStateError struct {
	EntryID string
	From    State
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("billing: INVALID_STATE: %s on entry %s in %s", e.Op, e.EntryID, e.From)
}

// LockContention is the transient, caller-retryable transition outcome
// when the entry lock is held elsewhere.
const LockContention = "lock_contention"

// Result is the outcome of a guarded transition.
type Result struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	EntryID string `json:"entryId"`
	Entry   *Entry `json:"entry,omitempty"`
}

func contention(entryID string) *Result {
	return &Result{OK: false, Reason: LockContention, EntryID: entryID}
}
