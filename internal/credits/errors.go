package credits

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountExists is returned by CreateAccount for a known account.
	ErrAccountExists = errors.New("credits: account already exists")

	// ErrAccountNotFound is returned when the account has no state.
	ErrAccountNotFound = errors.New("credits: account not found")

	// ErrUnknownTier is returned for a tier with no configured allocation.
	ErrUnknownTier = errors.New("credits: unknown tier")

	// ErrConservationBroken is the fatal invariant violation: the five
	// balances no longer sum to the initial allocation.
	ErrConservationBroken = errors.New("credits: CONSERVATION_BROKEN")
)

// InsufficientError reports a precondition failure: the source balance is
// smaller than the requested movement. No state was mutated.
type InsufficientError struct {
	Account string
	Balance Balance
	Have    int64
	Want    int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("credits: INSUFFICIENT_%s: account %s has %d, want %d",
		e.Balance, e.Account, e.Have, e.Want)
}

// Code returns the taxonomy code, INSUFFICIENT_<BALANCE>.
func (e *InsufficientError) Code() string {
	return "INSUFFICIENT_" + string(e.Balance)
}
