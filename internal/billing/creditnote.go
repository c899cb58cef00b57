package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/core/money"
	"github.com/oberonpay/gatewayd/internal/store"
)

const eventCreditNote = "credit_note_issued"

// noteTTL keeps issued notes and the daily counters readable for two days,
// long enough to span any reconciliation sweep of the previous UTC day.
const noteTTL = 48 * time.Hour

// CreditNote is a compensation grant against a wallet.
type CreditNote struct {
	NoteID   string         `json:"note_id"`
	Wallet   string         `json:"wallet"`
	Amount   money.MicroUSD `json:"amount"`
	Reason   string         `json:"reason"`
	IssuedAt time.Time      `json:"issued_at"`
}

// issueNoteScript enforces the daily cap and persists the note in one
// atomic step: check counter + amount against the cap, then increment and
// store. KEYS: daily counter, note record. ARGV: amount, cap, ttl seconds,
// note JSON. Returns {0, current} on cap breach with nothing written.
var issueNoteScript = store.Script{
	Src: `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local amt = tonumber(ARGV[1])
if cur + amt > tonumber(ARGV[2]) then
  return {0, cur}
end
redis.call('INCRBY', KEYS[1], amt)
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], ARGV[4], 'EX', ARGV[3])
return {1, cur + amt}
`,
	Native: func(tx store.Tx, keys, args []string) (any, error) {
		var cur int64
		if raw, ok := tx.Get(keys[0]); ok {
			cur, _ = strconv.ParseInt(raw, 10, 64)
		}
		amt, _ := strconv.ParseInt(args[0], 10, 64)
		limit, _ := strconv.ParseInt(args[1], 10, 64)
		if cur+amt > limit {
			return []any{int64(0), cur}, nil
		}
		ttlSec, _ := strconv.ParseInt(args[2], 10, 64)
		ttl := time.Duration(ttlSec) * time.Second
		tx.IncrBy(keys[0], amt)
		tx.Expire(keys[0], ttl)
		tx.Set(keys[1], args[3], ttl)
		return []any{int64(1), cur + amt}, nil
	},
}

// dailyCapKey embeds the UTC calendar date so the cap window resets at
// midnight UTC exactly, independent of when the TTL started.
func dailyCapKey(wallet string, now time.Time) string {
	return "cn:wallet:" + wallet + ":daily:" + now.UTC().Format("2006-01-02")
}

func noteKey(noteID string) string {
	return "cn:note:" + noteID
}

// IssueCreditNote grants a compensation note to a wallet, capped per UTC
// day. On CAP_EXCEEDED nothing is persisted. The note is written to the
// store atomically with the cap check, then logged to the WAL.
func (m *Machine) IssueCreditNote(ctx context.Context, wallet string, amount money.MicroUSD, reason string) (*CreditNote, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("billing: credit note amount must be positive, got %s", amount)
	}

	now := m.clk.Now().UTC()
	note := &CreditNote{
		NoteID:   m.gen.New(),
		Wallet:   wallet,
		Amount:   amount,
		Reason:   reason,
		IssuedAt: now,
	}
	raw, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("billing: marshal note: %w", err)
	}

	res, err := issueNoteScript.Run(ctx, m.st, 2,
		dailyCapKey(wallet, now), noteKey(note.NoteID),
		strconv.FormatInt(amount.Int64(), 10),
		strconv.FormatInt(m.cfg.DailyCreditNoteCap.Int64(), 10),
		strconv.FormatInt(int64(noteTTL/time.Second), 10),
		string(raw))
	if err != nil {
		return nil, err
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("billing: unexpected note script result %v", res)
	}
	if asInt(vals[0]) == 0 {
		return nil, fmt.Errorf("%w: wallet %s at %s of %s today, note for %s rejected",
			ErrCapExceeded, wallet, money.MicroUSD(asInt(vals[1])), m.cfg.DailyCreditNoteCap, amount)
	}

	seq, err := m.wal.Append(ctx, eventCreditNote, "billing/note/"+note.NoteID, "", note.NoteID, json.RawMessage(raw))
	if err != nil {
		// Undo the counter and the note so the cap never charges for an
		// unlogged grant.
		if _, derr := m.st.IncrBy(ctx, dailyCapKey(wallet, now), -amount.Int64()); derr != nil {
			m.log.Error("credit note rollback failed", zap.String("wallet", wallet), zap.Error(derr))
		}
		if _, derr := m.st.Del(ctx, noteKey(note.NoteID)); derr != nil {
			m.log.Error("credit note rollback failed", zap.String("note_id", note.NoteID), zap.Error(derr))
		}
		return nil, err
	}

	if m.mirror != nil {
		m.mirrorEvent(eventCreditNote, &Entry{BillingEntryID: note.NoteID, CorrelationID: note.NoteID}, seq, raw, now)
	}
	m.log.Info("credit note issued",
		zap.String("note_id", note.NoteID),
		zap.String("wallet", wallet),
		zap.String("amount", amount.String()))
	return note, nil
}

// GetCreditNote reads a persisted note while its TTL lasts.
func (m *Machine) GetCreditNote(ctx context.Context, noteID string) (*CreditNote, error) {
	raw, ok, err := m.st.Get(ctx, noteKey(noteID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("billing: note %s not found", noteID)
	}
	note := new(CreditNote)
	if err := json.Unmarshal([]byte(raw), note); err != nil {
		return nil, fmt.Errorf("billing: corrupt note %s: %w", noteID, err)
	}
	return note, nil
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
