// Package credits implements the five-balance credit sub-ledger.
//
// Every account's mass is partitioned across ALLOCATED, UNLOCKED,
// RESERVED, CONSUMED, and EXPIRED; every operation is a conservative
// re-partitioning, so at rest the five balances always sum to the initial
// allocation. A violation of that invariant is fatal.
package credits

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/idempotency"
	"github.com/oberonpay/gatewayd/internal/store"
)

// Balance names one of the five partitions.
type Balance string

const (
	Allocated Balance = "ALLOCATED"
	Unlocked  Balance = "UNLOCKED"
	Reserved  Balance = "RESERVED"
	Consumed  Balance = "CONSUMED"
	Expired   Balance = "EXPIRED"
)

// initialField stores the account's fixed origin mass alongside the
// balances in the same hash.
const initialField = "INITIAL"

// Account is a point-in-time snapshot of one account's partitions.
type Account struct {
	AccountID         string            `json:"account_id"`
	InitialAllocation int64             `json:"initial_allocation"`
	Balances          map[Balance]int64 `json:"balances"`
}

// Sum returns the total mass across the five balances.
func (a *Account) Sum() int64 {
	var sum int64
	for _, b := range []Balance{Allocated, Unlocked, Reserved, Consumed, Expired} {
		sum += a.Balances[b]
	}
	return sum
}

// EventSink receives credit events; emission is advisory and must never
// block a mutation.
type EventSink interface {
	Emit(stream, eventType string, payload any, correlationID string)
}

// Config tunes the ledger.
type Config struct {
	// TierAllocations maps tier name to initial credit mass.
	TierAllocations map[string]int64

	// ExpireFromAllocated makes Expire draw from ALLOCATED instead of
	// UNLOCKED. Default draws UNLOCKED first.
	ExpireFromAllocated bool
}

// DefaultConfig returns the standard tier table.
func DefaultConfig() Config {
	return Config{
		TierAllocations: map[string]int64{
			"OG":       1_000_000,
			"EARLY":    250_000,
			"STANDARD": 100_000,
		},
	}
}

// Ledger enforces conservation across all account mutations.
//
// Balance state lives in the shared store under credits:{account}:state,
// one hash per account; mutations run through a single EVAL so concurrent
// reservations against a common balance can never double-spend.
type Ledger struct {
	st     store.Store
	cfg    Config
	events EventSink
	log    *zap.Logger
	idem   *idempotency.Cache[OpResult]
}

// OpResult is the cached outcome of one idempotent operation.
type OpResult struct {
	Account Account
	Moved   int64
}

// NewLedger builds a ledger. events may be nil; emission is then skipped.
func NewLedger(st store.Store, cfg Config, events EventSink, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TierAllocations == nil {
		cfg.TierAllocations = DefaultConfig().TierAllocations
	}
	return &Ledger{
		st:     st,
		cfg:    cfg,
		events: events,
		log:    log,
		idem:   idempotency.MustNew[OpResult](idempotency.DefaultCapacity),
	}
}

func stateKey(account string) string {
	return "credits:" + account + ":state"
}

// CreateAccount provisions a new account with the tier's full allocation
// in ALLOCATED.
func (l *Ledger) CreateAccount(ctx context.Context, account, tier, idemKey string) (*Account, error) {
	if res, ok := l.cached(idemKey); ok {
		return &res.Account, nil
	}
	alloc, ok := l.cfg.TierAllocations[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	res, err := createScript.Run(ctx, l.st, 1, stateKey(account),
		strconv.FormatInt(alloc, 10))
	if err != nil {
		return nil, err
	}
	if asInt(res) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, account)
	}

	acct, err := l.GetAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	l.emit("credit_account_created", account, map[string]any{
		"account_id": account,
		"tier":       tier,
		"allocation": alloc,
	})
	l.remember(idemKey, OpResult{Account: *acct, Moved: alloc})
	return acct, nil
}

// Unlock moves n from ALLOCATED to UNLOCKED.
func (l *Ledger) Unlock(ctx context.Context, account string, n int64, idemKey string) (*Account, error) {
	return l.move(ctx, account, Allocated, Unlocked, n, "credit_unlock", idemKey)
}

// Reserve moves n from UNLOCKED to RESERVED.
func (l *Ledger) Reserve(ctx context.Context, account string, n int64, idemKey string) (*Account, error) {
	return l.move(ctx, account, Unlocked, Reserved, n, "credit_reserve", idemKey)
}

// Consume moves n from RESERVED to CONSUMED.
func (l *Ledger) Consume(ctx context.Context, account string, n int64, idemKey string) (*Account, error) {
	return l.move(ctx, account, Reserved, Consumed, n, "credit_consume", idemKey)
}

// Release moves n from RESERVED back to UNLOCKED.
func (l *Ledger) Release(ctx context.Context, account string, n int64, idemKey string) (*Account, error) {
	return l.move(ctx, account, Reserved, Unlocked, n, "credit_release", idemKey)
}

// Expire moves n into EXPIRED, drawing from UNLOCKED or, when configured,
// from ALLOCATED.
func (l *Ledger) Expire(ctx context.Context, account string, n int64, idemKey string) (*Account, error) {
	source := Unlocked
	if l.cfg.ExpireFromAllocated {
		source = Allocated
	}
	return l.move(ctx, account, source, Expired, n, "credit_expire", idemKey)
}

// move executes one conservative re-partitioning atomically. On an
// insufficient source balance nothing is mutated.
func (l *Ledger) move(ctx context.Context, account string, from, to Balance, n int64, eventType, idemKey string) (*Account, error) {
	if res, ok := l.cached(idemKey); ok {
		return &res.Account, nil
	}
	if n < 0 {
		return nil, fmt.Errorf("credits: negative movement %d", n)
	}

	res, err := moveScript.Run(ctx, l.st, 1, stateKey(account),
		string(from), string(to), strconv.FormatInt(n, 10))
	if err != nil {
		return nil, err
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("credits: unexpected script result %v", res)
	}
	switch asInt(vals[0]) {
	case moveOK:
	case moveNoAccount:
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	case moveInsufficient:
		return nil, &InsufficientError{Account: account, Balance: from, Have: asInt(vals[1]), Want: n}
	default:
		return nil, fmt.Errorf("credits: unexpected script status %v", vals[0])
	}

	acct, err := l.GetAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if ok, sum := verify(acct); !ok {
		// Fatal: the store's view no longer conserves mass.
		l.log.Error("credit conservation broken",
			zap.String("account", account),
			zap.Int64("sum", sum),
			zap.Int64("initial", acct.InitialAllocation))
		return nil, fmt.Errorf("%w: account %s sums to %d, initial %d",
			ErrConservationBroken, account, sum, acct.InitialAllocation)
	}

	l.emit(eventType, account, map[string]any{
		"account_id": account,
		"from":       string(from),
		"to":         string(to),
		"amount":     n,
	})
	l.remember(idemKey, OpResult{Account: *acct, Moved: n})
	return acct, nil
}

// GetAccount reads the account's current partitions.
func (l *Ledger) GetAccount(ctx context.Context, account string) (*Account, error) {
	fields, err := l.st.HGetAll(ctx, stateKey(account))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	acct := &Account{
		AccountID: account,
		Balances:  make(map[Balance]int64, 5),
	}
	for field, raw := range fields {
		v, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("credits: corrupt balance %s=%q for %s", field, raw, account)
		}
		if field == initialField {
			acct.InitialAllocation = v
			continue
		}
		acct.Balances[Balance(field)] = v
	}
	return acct, nil
}

// VerifyConservation recomputes the invariant for one account.
func (l *Ledger) VerifyConservation(ctx context.Context, account string) (bool, error) {
	acct, err := l.GetAccount(ctx, account)
	if err != nil {
		return false, err
	}
	ok, _ := verify(acct)
	return ok, nil
}

func verify(acct *Account) (bool, int64) {
	sum := acct.Sum()
	return sum == acct.InitialAllocation, sum
}

func (l *Ledger) cached(idemKey string) (OpResult, bool) {
	if idemKey == "" {
		return OpResult{}, false
	}
	return l.idem.Get(idemKey)
}

func (l *Ledger) remember(idemKey string, res OpResult) {
	if idemKey != "" {
		l.idem.Put(idemKey, res)
	}
}

func (l *Ledger) emit(eventType, correlationID string, payload any) {
	if l.events == nil {
		return
	}
	l.events.Emit("credit", eventType, payload, correlationID)
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
