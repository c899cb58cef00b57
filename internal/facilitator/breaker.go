// Package facilitator wraps the external on-chain settlement service:
// timeout-bounded submission, an optional direct-submit fallback, and a
// per-endpoint circuit breaker that sheds calls while the service is down.
package facilitator

import (
	"errors"
	"sync"
	"time"

	"github.com/oberonpay/gatewayd/internal/core/clock"
)

// BreakerState is the circuit position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// ErrBreakerOpen rejects a call before any network attempt.
var ErrBreakerOpen = errors.New("facilitator: circuit open")

// BreakerConfig tunes the circuit.
type BreakerConfig struct {
	// FailureThreshold failures within the last CountWindow outcomes
	// open the circuit.
	FailureThreshold int
	CountWindow      int

	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenProbes is how many trial calls half-open admits; all must
	// succeed to close.
	HalfOpenProbes int
}

// DefaultBreakerConfig returns the standard settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CountWindow:      10,
		ResetTimeout:     30 * time.Second,
		HalfOpenProbes:   2,
	}
}

// Breaker is a CLOSED/OPEN/HALF_OPEN circuit over recent call outcomes.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	clk clock.Clock

	state    BreakerState
	outcomes []bool // rolling window, true = success
	openedAt time.Time

	probesIssued int
	probesPassed int
}

// NewBreaker builds a closed breaker. clk may be nil for the wall clock.
func NewBreaker(cfg BreakerConfig, clk clock.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 || cfg.CountWindow <= 0 {
		cfg = DefaultBreakerConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Breaker{cfg: cfg, clk: clk, state: BreakerClosed}
}

// State returns the current circuit position, applying any due
// open-to-half-open transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

// Allow reports whether a call may proceed. Open circuits reject with
// ErrBreakerOpen; half-open admits a bounded number of probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if b.probesIssued >= b.cfg.HalfOpenProbes {
			return ErrBreakerOpen
		}
		b.probesIssued++
		return nil
	default:
		return ErrBreakerOpen
	}
}

// Record feeds a call outcome back into the circuit.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		if !success {
			b.trip()
			return
		}
		b.probesPassed++
		if b.probesPassed >= b.cfg.HalfOpenProbes {
			b.state = BreakerClosed
			b.outcomes = nil
		}
		return
	}

	b.outcomes = append(b.outcomes, success)
	if len(b.outcomes) > b.cfg.CountWindow {
		b.outcomes = b.outcomes[len(b.outcomes)-b.cfg.CountWindow:]
	}
	if b.state == BreakerClosed && b.recentFailures() >= b.cfg.FailureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.clk.Now()
	b.probesIssued = 0
	b.probesPassed = 0
}

func (b *Breaker) maybeProbe() {
	if b.state == BreakerOpen && !b.clk.Now().Before(b.openedAt.Add(b.cfg.ResetTimeout)) {
		b.state = BreakerHalfOpen
		b.probesIssued = 0
		b.probesPassed = 0
	}
}

func (b *Breaker) recentFailures() int {
	n := 0
	for _, ok := range b.outcomes {
		if !ok {
			n++
		}
	}
	return n
}
