package relational

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/billing"
	"github.com/oberonpay/gatewayd/internal/core/money"
)

// usageQueueSize bounds pending usage rows; recording is fire-and-forget
// and overflow drops the newest with a warning.
const usageQueueSize = 1024

// HistoryRow is one recorded billing transition.
type HistoryRow struct {
	EntryID       string
	CorrelationID string
	AccountID     string
	State         string
	EstimatedCost int64
	ActualCost    *int64
	WALOffset     uint64
	UpdatedAt     time.Time
}

// UsageRecord is one inference call's token usage and cost.
type UsageRecord struct {
	EntryID         string
	AccountID       string
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	CostMicro       int64
	RecordedAt      time.Time
}

// HistoryRepo appends billing transitions and usage rows. Transition
// archiving satisfies billing.ArchiveSink; usage recording never blocks
// or fails the caller.
type HistoryRepo struct {
	db    *DB
	log   *zap.Logger
	usage chan UsageRecord
	done  chan struct{}
}

// NewHistoryRepo builds a repo and starts the usage drain loop.
func NewHistoryRepo(db *DB, log *zap.Logger) *HistoryRepo {
	if log == nil {
		log = zap.NewNop()
	}
	r := &HistoryRepo{
		db:    db,
		log:   log,
		usage: make(chan UsageRecord, usageQueueSize),
		done:  make(chan struct{}),
	}
	go r.drainUsage()
	return r
}

// RecordEntry appends one transition row. Replayed (entry_id, wal_offset)
// pairs are ignored, so archive and replay can both feed the table.
func (r *HistoryRepo) RecordEntry(ctx context.Context, e *billing.Entry) error {
	var actual *int64
	if e.ActualCost != nil {
		v := e.ActualCost.Int64()
		actual = &v
	}
	_, err := r.db.sql.ExecContext(ctx, r.db.rebind(`
		INSERT INTO billing_history
			(entry_id, correlation_id, account_id, state, estimated_cost, actual_cost, wal_offset, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entry_id, wal_offset) DO NOTHING`),
		e.BillingEntryID, e.CorrelationID, e.AccountID, string(e.State),
		e.EstimatedCost.Int64(), actual, int64(e.WALOffset), e.UpdatedAt.UTC())
	return err
}

// ArchiveEntry implements billing.ArchiveSink: best-effort, logged on
// failure.
func (r *HistoryRepo) ArchiveEntry(e *billing.Entry) {
	if err := r.RecordEntry(context.Background(), e); err != nil {
		r.log.Warn("billing history write failed",
			zap.String("entry_id", e.BillingEntryID), zap.Error(err))
	}
}

// EntryHistory returns an entry's transitions in WAL order.
func (r *HistoryRepo) EntryHistory(ctx context.Context, entryID string) ([]HistoryRow, error) {
	rows, err := r.db.sql.QueryContext(ctx, r.db.rebind(`
		SELECT entry_id, correlation_id, account_id, state, estimated_cost, actual_cost, wal_offset, updated_at
		FROM billing_history WHERE entry_id = ? ORDER BY wal_offset`), entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var row HistoryRow
		var actual sql.NullInt64
		var offset int64
		if err := rows.Scan(&row.EntryID, &row.CorrelationID, &row.AccountID, &row.State,
			&row.EstimatedCost, &actual, &offset, &row.UpdatedAt); err != nil {
			return nil, err
		}
		if actual.Valid {
			v := actual.Int64
			row.ActualCost = &v
		}
		row.WALOffset = uint64(offset)
		out = append(out, row)
	}
	return out, rows.Err()
}

// RecordTokenUsage implements billing.UsageRecorder.
func (r *HistoryRepo) RecordTokenUsage(entryID, accountID string, usage money.Usage, cost money.CostBreakdown) {
	r.RecordUsage(UsageRecord{
		EntryID:         entryID,
		AccountID:       accountID,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		ReasoningTokens: usage.ReasoningTokens,
		CostMicro:       cost.TotalCost.Int64(),
		RecordedAt:      time.Now().UTC(),
	})
}

// RecordUsage enqueues a usage row without blocking; a full queue drops
// the record with a warning.
func (r *HistoryRepo) RecordUsage(rec UsageRecord) {
	select {
	case r.usage <- rec:
	default:
		r.log.Warn("usage queue full, record dropped",
			zap.String("entry_id", rec.EntryID))
	}
}

func (r *HistoryRepo) drainUsage() {
	for rec := range r.usage {
		_, err := r.db.sql.Exec(r.db.rebind(`
			INSERT INTO usage_records
				(entry_id, account_id, input_tokens, output_tokens, reasoning_tokens, cost_micro, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			rec.EntryID, rec.AccountID, rec.InputTokens, rec.OutputTokens,
			rec.ReasoningTokens, rec.CostMicro, rec.RecordedAt.UTC())
		if err != nil {
			r.log.Warn("usage record write failed",
				zap.String("entry_id", rec.EntryID), zap.Error(err))
		}
	}
	close(r.done)
}

// AccountUsage sums an account's recorded cost.
func (r *HistoryRepo) AccountUsage(ctx context.Context, accountID string) (totalCostMicro int64, calls int64, err error) {
	err = r.db.sql.QueryRowContext(ctx, r.db.rebind(`
		SELECT COALESCE(SUM(cost_micro), 0), COUNT(*)
		FROM usage_records WHERE account_id = ?`), accountID).
		Scan(&totalCostMicro, &calls)
	return totalCostMicro, calls, err
}

// Close stops accepting usage rows and waits for the drain to finish.
func (r *HistoryRepo) Close() {
	close(r.usage)
	<-r.done
}
