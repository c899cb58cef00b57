package money

import "sync"

// Accumulator carries fractional micro-USD remainders per account.
//
// Partial-cost arithmetic floors on division, so each computation can shed
// up to (divisor-1) sub-micro units. Those are carried here, denominated in
// the computation's own sub-unit scale, and flushed forward into the next
// cost for the same account. Over any run of operations
// sum(floor(partials)) + carried == floor(total) within one micro-USD.
type Accumulator struct {
	mu sync.Mutex
	// remainders maps account id to carried sub-units at remainderScale.
	remainders map[string]int64
}

// remainderScale is the fixed denominator for carried remainders:
// sub-units per micro-USD. Token pricing divides by 1e6 (per-1M-token
// prices), so remainders are naturally in this scale.
const remainderScale int64 = 1_000_000

func NewAccumulator() *Accumulator {
	return &Accumulator{remainders: make(map[string]int64)}
}

// Apply computes floor((raw + carried)/remainderScale) micro-USD for the
// account, storing the new remainder. raw is in sub-units (micro-USD *
// remainderScale).
func (a *Accumulator) Apply(account string, raw int64) MicroUSD {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := raw + a.remainders[account]
	whole := total / remainderScale
	a.remainders[account] = total % remainderScale
	return MicroUSD(whole)
}

// Carried returns the account's pending remainder in sub-units.
func (a *Accumulator) Carried(account string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remainders[account]
}

// Flush drops the account's remainder and returns what was carried.
// Used when an account is closed out.
func (a *Accumulator) Flush(account string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.remainders[account]
	delete(a.remainders, account)
	return r
}
