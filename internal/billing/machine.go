package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/core/clock"
	"github.com/oberonpay/gatewayd/internal/core/ids"
	"github.com/oberonpay/gatewayd/internal/core/money"
	"github.com/oberonpay/gatewayd/internal/eventstream"
	"github.com/oberonpay/gatewayd/internal/store"
	"github.com/oberonpay/gatewayd/internal/wal"
)

// EventMirror receives the billing-stream mirror of every WAL transition.
// *eventstream.Emitter satisfies it; emission is fire-and-forget.
type EventMirror interface {
	EmitPrepared(env *eventstream.Envelope)
}

// ArchiveSink receives entry snapshots after each applied transition, for
// the kv snapshot store and the history repository. Fire-and-forget: the
// sink owns its own queueing and error handling.
type ArchiveSink interface {
	ArchiveEntry(e *Entry)
}

// UsageRecorder receives the token usage row of each committed call.
// Fire-and-forget like event emission.
type UsageRecorder interface {
	RecordTokenUsage(entryID, accountID string, usage money.Usage, cost money.CostBreakdown)
}

// Config tunes the state machine.
type Config struct {
	// LockTTL is the per-entry lock expiry.
	LockTTL time.Duration

	// DailyCreditNoteCap is the per-wallet issuance ceiling per UTC
	// calendar day.
	DailyCreditNoteCap money.MicroUSD
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		LockTTL:            DefaultLockTTL,
		DailyCreditNoteCap: money.MicroUSD(100_000_000),
	}
}

// Machine is the reserve/commit/finalize state machine.
//
// Every transition appends its WAL envelope before any visible state
// changes; the in-memory entry table and the shared store's hot copy are
// derived views, rebuildable from the log with Restore. Commit, Release,
// and Void additionally run under the per-entry distributed lock.
type Machine struct {
	wal     *wal.Manager
	st      store.Store
	mirror  EventMirror
	cfg     Config
	clk     clock.Clock
	gen     *ids.Generator
	acc     *money.Accumulator
	archive ArchiveSink
	usage   UsageRecorder
	log     *zap.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clk = c }
}

// WithArchive attaches the snapshot sink.
func WithArchive(a ArchiveSink) Option {
	return func(m *Machine) { m.archive = a }
}

// WithUsageRecorder attaches the usage row sink.
func WithUsageRecorder(u UsageRecorder) Option {
	return func(m *Machine) { m.usage = u }
}

// NewMachine builds a machine. mirror may be nil to skip stream emission.
func NewMachine(w *wal.Manager, st store.Store, mirror EventMirror, cfg Config, log *zap.Logger, opts ...Option) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.DailyCreditNoteCap <= 0 {
		cfg.DailyCreditNoteCap = DefaultConfig().DailyCreditNoteCap
	}
	m := &Machine{
		wal:     w,
		st:      st,
		mirror:  mirror,
		cfg:     cfg,
		clk:     clock.System{},
		acc:     money.NewAccumulator(),
		log:     log,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.gen = ids.NewGeneratorAt(m.clk.Now)
	return m
}

// Transition payloads. Each carries everything replay needs to rebuild the
// entry without consulting any other record.
type reservePayload struct {
	AccountID     string             `json:"account_id"`
	EstimatedCost money.MicroUSD     `json:"estimated_cost"`
	ExchangeRate  money.ExchangeRate `json:"exchange_rate"`
}

type commitPayload struct {
	ActualCost     money.MicroUSD `json:"actual_cost"`
	ReleasedExcess money.MicroUSD `json:"released_excess"`
}

type releasePayload struct {
	Reason string `json:"reason"`
}

type finalizePayload struct {
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}

type voidPayload struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// ReserveRequest opens a billing entry.
type ReserveRequest struct {
	AccountID     string
	CorrelationID string
	EstimatedCost money.MicroUSD
	ExchangeRate  money.ExchangeRate
}

// Reserve creates an entry in RESERVE_HELD. The WAL envelope is written
// before the entry becomes visible anywhere.
func (m *Machine) Reserve(ctx context.Context, req ReserveRequest) (*Entry, error) {
	if req.EstimatedCost < 0 {
		return nil, ErrNegativeCost
	}
	if req.AccountID == "" {
		return nil, fmt.Errorf("billing: empty account id")
	}

	entryID := m.gen.New()
	corrID := req.CorrelationID
	if corrID == "" {
		corrID = m.gen.New()
	}

	raw, err := json.Marshal(reservePayload{
		AccountID:     req.AccountID,
		EstimatedCost: req.EstimatedCost,
		ExchangeRate:  req.ExchangeRate,
	})
	if err != nil {
		return nil, fmt.Errorf("billing: marshal reserve: %w", err)
	}

	seq, err := m.wal.Append(ctx, eventReserve, entryPath(entryID), entryID, corrID, json.RawMessage(raw))
	if err != nil {
		return nil, err
	}

	now := m.clk.Now().UTC()
	e := &Entry{
		BillingEntryID:       entryID,
		CorrelationID:        corrID,
		AccountID:            req.AccountID,
		State:                ReserveHeld,
		EstimatedCost:        req.EstimatedCost,
		ExchangeRateSnapshot: req.ExchangeRate,
		CreatedAt:            now,
		UpdatedAt:            now,
		WALOffset:            seq,
	}

	m.mu.Lock()
	m.entries[entryID] = e
	snap := e.clone()
	m.mu.Unlock()

	m.writeHotState(ctx, snap)
	m.mirrorEvent(eventReserve, snap, seq, raw, now)
	m.archiveEntry(snap)
	return snap, nil
}

// Commit records the actual cost and moves the entry to FINALIZE_PENDING.
// Runs under the entry lock; replays with the entry's correlation id are
// idempotent, replays with any other id fail CORRELATION_MISMATCH.
func (m *Machine) Commit(ctx context.Context, entryID string, actual money.MicroUSD, corrID string) (*Result, error) {
	return m.guarded(ctx, entryID, m.lockToken(corrID), func() (*Result, error) {
		return m.transition(ctx, entryID, corrID, "commit", func(e *Entry) (string, any, func(*Entry), error) {
			if e.State == FinalizePending || e.State == Finalized {
				return "", nil, nil, errReplayed
			}
			if e.State != ReserveHeld {
				return "", nil, nil, &InvalidStateError{EntryID: entryID, From: e.State, Op: "commit"}
			}
			if actual < 0 {
				return "", nil, nil, ErrNegativeCost
			}
			if actual > e.EstimatedCost {
				return "", nil, nil, fmt.Errorf("%w: actual %s > estimate %s",
					ErrCostExceedsEstimate, actual, e.EstimatedCost)
			}
			excess := e.EstimatedCost - actual
			return eventCommit, commitPayload{ActualCost: actual, ReleasedExcess: excess}, func(e *Entry) {
				e.State = FinalizePending
				v := actual
				e.ActualCost = &v
			}, nil
		})
	})
}

// CommitUsage prices the call against the account's accumulator and
// commits the entry with the total, then records the usage row to the
// configured sink. Recording never blocks or fails the commit.
func (m *Machine) CommitUsage(ctx context.Context, entryID string, usage money.Usage, pricing money.Pricing, corrID string) (*Result, error) {
	e, err := m.Entry(entryID)
	if err != nil {
		return nil, err
	}
	cost := m.ComputeCost(e.AccountID, usage, pricing)

	res, err := m.Commit(ctx, entryID, cost.TotalCost, corrID)
	if err != nil || !res.OK {
		return res, err
	}
	if m.usage != nil {
		m.usage.RecordTokenUsage(entryID, e.AccountID, usage, cost)
	}
	return res, nil
}

// Release drops a hold without committing. Terminal. Runs under the entry
// lock.
func (m *Machine) Release(ctx context.Context, entryID, reason, corrID string) (*Result, error) {
	return m.guarded(ctx, entryID, m.lockToken(corrID), func() (*Result, error) {
		return m.transition(ctx, entryID, corrID, "release", func(e *Entry) (string, any, func(*Entry), error) {
			if e.State == Released {
				return "", nil, nil, errReplayed
			}
			if e.State != ReserveHeld {
				return "", nil, nil, &InvalidStateError{EntryID: entryID, From: e.State, Op: "release"}
			}
			return eventRelease, releasePayload{Reason: reason}, func(e *Entry) {
				e.State = Released
				e.ReleaseReason = reason
			}, nil
		})
	})
}

// FinalizeAck confirms settlement: FINALIZE_PENDING or FINALIZE_FAILED
// (a retry that succeeded) moves to FINALIZED.
func (m *Machine) FinalizeAck(ctx context.Context, entryID, corrID string) (*Result, error) {
	return m.transition(ctx, entryID, corrID, "finalize_ack", func(e *Entry) (string, any, func(*Entry), error) {
		if e.State == Finalized {
			return "", nil, nil, errReplayed
		}
		if e.State != FinalizePending && e.State != FinalizeFailed {
			return "", nil, nil, &InvalidStateError{EntryID: entryID, From: e.State, Op: "finalize_ack"}
		}
		attempts := e.FinalizeAttempts + 1
		return eventFinalizeAck, finalizePayload{Attempts: attempts}, func(e *Entry) {
			e.State = Finalized
			e.FinalizeAttempts = attempts
		}, nil
	})
}

// FinalizeFail records a settlement attempt that did not confirm. The
// entry stays retryable in FINALIZE_FAILED.
func (m *Machine) FinalizeFail(ctx context.Context, entryID, reason, corrID string) (*Result, error) {
	return m.transition(ctx, entryID, corrID, "finalize_fail", func(e *Entry) (string, any, func(*Entry), error) {
		if e.State != FinalizePending && e.State != FinalizeFailed {
			return "", nil, nil, &InvalidStateError{EntryID: entryID, From: e.State, Op: "finalize_fail"}
		}
		attempts := e.FinalizeAttempts + 1
		return eventFinalizeFail, finalizePayload{Attempts: attempts, Reason: reason}, func(e *Entry) {
			e.State = FinalizeFailed
			e.FinalizeAttempts = attempts
		}, nil
	})
}

// Void is the operator reversal, reachable only from FINALIZED or
// FINALIZE_FAILED; it requires a reason and the acting operator. Runs
// under the entry lock.
func (m *Machine) Void(ctx context.Context, entryID, reason, actor, corrID string) (*Result, error) {
	return m.guarded(ctx, entryID, m.lockToken(corrID), func() (*Result, error) {
		return m.transition(ctx, entryID, corrID, "void", func(e *Entry) (string, any, func(*Entry), error) {
			if e.State == Voided {
				return "", nil, nil, errReplayed
			}
			if e.State != Finalized && e.State != FinalizeFailed {
				return "", nil, nil, &InvalidStateError{EntryID: entryID, From: e.State, Op: "void"}
			}
			if reason == "" || actor == "" {
				return "", nil, nil, fmt.Errorf("billing: void requires a reason and actor")
			}
			return eventVoid, voidPayload{Reason: reason, Actor: actor}, func(e *Entry) {
				e.State = Voided
				e.VoidReason = reason
				e.VoidActor = actor
			}, nil
		})
	})
}

// errReplayed is an internal signal: the transition was already applied and
// the (correlation-checked) caller gets the current entry back.
var errReplayed = fmt.Errorf("billing: already applied")

// transition is the shared WAL-first apply path. decide inspects the entry
// and returns the event type, payload, and mutation, or an error; the WAL
// append happens between the decision and the mutation so a crash can
// never lose an applied transition.
func (m *Machine) transition(ctx context.Context, entryID, corrID, op string, decide func(*Entry) (string, any, func(*Entry), error)) (*Result, error) {
	snap, eventType, seq, raw, err := m.applyTransition(ctx, entryID, corrID, op, decide)
	if err != nil {
		return nil, err
	}
	if eventType == "" {
		// Already applied; nothing new to mirror.
		return &Result{OK: true, EntryID: entryID, Entry: snap}, nil
	}

	// Derived writes happen on the snapshot after m.mu is released; a slow
	// store must not stall transitions on other entries.
	m.writeHotState(ctx, snap)
	m.mirrorEvent(eventType, snap, seq, raw, snap.UpdatedAt)
	m.archiveEntry(snap)
	return &Result{OK: true, EntryID: entryID, Entry: snap}, nil
}

// applyTransition runs the decision, WAL append, and in-memory mutation
// under m.mu and returns a detached snapshot. A replayed transition comes
// back with an empty event type.
func (m *Machine) applyTransition(ctx context.Context, entryID, corrID, op string, decide func(*Entry) (string, any, func(*Entry), error)) (*Entry, string, uint64, json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return nil, "", 0, nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	if corrID != "" && corrID != e.CorrelationID {
		return nil, "", 0, nil, fmt.Errorf("%w: entry %s carries %s, got %s",
			ErrCorrelationMismatch, entryID, e.CorrelationID, corrID)
	}

	eventType, payload, apply, err := decide(e)
	if err == errReplayed {
		return e.clone(), "", 0, nil, nil
	}
	if err != nil {
		return nil, "", 0, nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", 0, nil, fmt.Errorf("billing: marshal %s: %w", op, err)
	}
	seq, err := m.wal.Append(ctx, eventType, entryPath(entryID), entryID, e.CorrelationID, json.RawMessage(raw))
	if err != nil {
		return nil, "", 0, nil, err
	}

	apply(e)
	e.UpdatedAt = m.clk.Now().UTC()
	e.WALOffset = seq
	return e.clone(), eventType, seq, raw, nil
}

func (m *Machine) archiveEntry(e *Entry) {
	if m.archive != nil {
		m.archive.ArchiveEntry(e.clone())
	}
}

// Entry returns the current snapshot of one entry.
func (m *Machine) Entry(entryID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	return e.clone(), nil
}

// Entries returns snapshots of every known entry.
func (m *Machine) Entries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.clone())
	}
	return out
}

// ComputeCost prices usage for the account, carrying sub-micro remainders
// forward to the account's next call.
func (m *Machine) ComputeCost(account string, usage money.Usage, pricing money.Pricing) money.CostBreakdown {
	m.mu.Lock()
	defer m.mu.Unlock()
	return money.Cost(m.acc, account, usage, pricing)
}

// Restore rebuilds the entry table from the WAL in sequence order. Called
// once at startup before any transition is accepted.
func (m *Machine) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*Entry)
	return m.wal.Replay(0, func(env *wal.Envelope) error {
		m.applyReplayed(env)
		return nil
	})
}

// applyReplayed folds one envelope into the entry table. Envelopes that do
// not fit the current state are logged and skipped; the log is the truth
// and replay must always terminate.
func (m *Machine) applyReplayed(env *wal.Envelope) {
	if env.EventType == eventReserve {
		var p reservePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.log.Warn("replay: bad reserve payload", zap.Uint64("wal_sequence", env.Sequence), zap.Error(err))
			return
		}
		m.entries[env.BillingEntryID] = &Entry{
			BillingEntryID:       env.BillingEntryID,
			CorrelationID:        env.CorrelationID,
			AccountID:            p.AccountID,
			State:                ReserveHeld,
			EstimatedCost:        p.EstimatedCost,
			ExchangeRateSnapshot: p.ExchangeRate,
			CreatedAt:            env.Timestamp,
			UpdatedAt:            env.Timestamp,
			WALOffset:            env.Sequence,
		}
		return
	}

	e, ok := m.entries[env.BillingEntryID]
	if !ok {
		if env.EventType == eventCreditNote {
			return
		}
		m.log.Warn("replay: transition for unknown entry skipped",
			zap.String("event_type", env.EventType),
			zap.String("entry_id", env.BillingEntryID),
			zap.Uint64("wal_sequence", env.Sequence))
		return
	}

	switch env.EventType {
	case eventCommit:
		var p commitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.log.Warn("replay: bad commit payload", zap.Uint64("wal_sequence", env.Sequence), zap.Error(err))
			return
		}
		e.State = FinalizePending
		v := p.ActualCost
		e.ActualCost = &v
	case eventRelease:
		var p releasePayload
		_ = json.Unmarshal(env.Payload, &p)
		e.State = Released
		e.ReleaseReason = p.Reason
	case eventFinalizeAck:
		var p finalizePayload
		_ = json.Unmarshal(env.Payload, &p)
		e.State = Finalized
		e.FinalizeAttempts = p.Attempts
	case eventFinalizeFail:
		var p finalizePayload
		_ = json.Unmarshal(env.Payload, &p)
		e.State = FinalizeFailed
		e.FinalizeAttempts = p.Attempts
	case eventVoid:
		var p voidPayload
		_ = json.Unmarshal(env.Payload, &p)
		e.State = Voided
		e.VoidReason = p.Reason
		e.VoidActor = p.Actor
	default:
		m.log.Warn("replay: unhandled event type", zap.String("event_type", env.EventType))
		return
	}
	e.UpdatedAt = env.Timestamp
	e.WALOffset = env.Sequence
}

func (m *Machine) lockToken(corrID string) string {
	if corrID != "" {
		return corrID
	}
	return m.gen.New()
}

func entryPath(entryID string) string {
	return "billing/entry/" + entryID
}

func hotStateKey(entryID string) string {
	return "billing:entry:" + entryID
}

// writeHotState mirrors the entry into the shared store for cross-process
// readers. The WAL is the durable record, so a failed write is a warning.
func (m *Machine) writeHotState(ctx context.Context, e *Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		m.log.Warn("hot state marshal failed", zap.String("entry_id", e.BillingEntryID), zap.Error(err))
		return
	}
	if _, err := m.st.Set(ctx, hotStateKey(e.BillingEntryID), string(raw), store.SetOptions{}); err != nil {
		m.log.Warn("hot state write failed", zap.String("entry_id", e.BillingEntryID), zap.Error(err))
	}
}

func (m *Machine) mirrorEvent(eventType string, e *Entry, seq uint64, raw json.RawMessage, ts time.Time) {
	if m.mirror == nil {
		return
	}
	m.mirror.EmitPrepared(&eventstream.Envelope{
		EventID:       e.BillingEntryID,
		Stream:        "billing",
		EventType:     eventType,
		Timestamp:     ts,
		CorrelationID: e.CorrelationID,
		Sequence:      seq,
		Checksum:      wal.PayloadChecksum(raw),
		SchemaVersion: wal.SchemaVersion,
		Payload:       raw,
	})
}
