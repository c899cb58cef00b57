package facilitator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oberonpay/gatewayd/internal/billing"
	"github.com/oberonpay/gatewayd/internal/core/clock"
	"github.com/oberonpay/gatewayd/internal/core/money"
)

type fakeSubmitter struct {
	calls   atomic.Int64
	receipt *Receipt
	err     error
	block   bool
}

func (f *fakeSubmitter) Submit(ctx context.Context, authorization, quoteID string) (*Receipt, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.receipt, f.err
}

type fakeDirect struct {
	calls   atomic.Int64
	receipt *Receipt
	err     error
}

func (f *fakeDirect) SubmitDirect(ctx context.Context, authorization string) (*Receipt, error) {
	f.calls.Add(1)
	return f.receipt, f.err
}

type fakeCompensator struct {
	notes []billing.CreditNote
}

func (f *fakeCompensator) IssueCreditNote(ctx context.Context, wallet string, amount money.MicroUSD, reason string) (*billing.CreditNote, error) {
	note := billing.CreditNote{NoteID: "note-1", Wallet: wallet, Amount: amount, Reason: reason}
	f.notes = append(f.notes, note)
	return &note, nil
}

func testBreaker(clk clock.Clock) *Breaker {
	return NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		CountWindow:      5,
		ResetTimeout:     30 * time.Second,
		HalfOpenProbes:   2,
	}, clk)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := testBreaker(clock.NewFake(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)))

	b.Record(true)
	b.Record(false)
	b.Record(false)
	assert.Equal(t, BreakerClosed, b.State())
	require.NoError(t, b.Allow())

	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	b := testBreaker(clk)
	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	require.Equal(t, BreakerOpen, b.State())

	clk.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	clk.Advance(time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen, "probe budget spent")

	b.Record(true)
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	b := testBreaker(clk)
	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	clk.Advance(30 * time.Second)
	require.NoError(t, b.Allow())

	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())

	// The reset timer restarts from the failed probe.
	clk.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	clk.Advance(time.Second)
	assert.NoError(t, b.Allow())
}

func TestSettleTimeoutIssuesCreditNote(t *testing.T) {
	sub := &fakeSubmitter{block: true}
	comp := &fakeCompensator{}
	c := NewClient(sub, testBreaker(nil), zaptest.NewLogger(t), WithCompensator(comp))

	_, err := c.Settle(context.Background(), SettleRequest{
		Authorization: "0xauth",
		QuoteID:       "q1",
		Wallet:        "0x4abc",
		Amount:        5000,
		Timeout:       20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	require.Len(t, comp.notes, 1)
	assert.Equal(t, "0x4abc", comp.notes[0].Wallet)
	assert.Equal(t, money.MicroUSD(5000), comp.notes[0].Amount)
	assert.Equal(t, "settlement_failed:q1", comp.notes[0].Reason)
}

func TestSettleDirectFallbackSucceeds(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("facilitator 503")}
	direct := &fakeDirect{receipt: &Receipt{TxHash: "0xfeed", Network: "base"}}
	comp := &fakeCompensator{}
	c := NewClient(sub, testBreaker(nil), zaptest.NewLogger(t),
		WithDirectSubmit(direct), WithCompensator(comp))

	receipt, err := c.Settle(context.Background(), SettleRequest{
		Authorization: "0xauth", QuoteID: "q1", Wallet: "0x4abc", Amount: 5000,
	})
	require.NoError(t, err)
	assert.True(t, receipt.Direct)
	assert.Equal(t, "0xfeed", receipt.TxHash)
	assert.Empty(t, comp.notes, "successful fallback needs no compensation")
}

func TestSettleCombinedErrorPreservesBothCauses(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("facilitator 503")}
	direct := &fakeDirect{err: errors.New("rpc refused")}
	c := NewClient(sub, testBreaker(nil), zaptest.NewLogger(t), WithDirectSubmit(direct))

	_, err := c.Settle(context.Background(), SettleRequest{
		Authorization: "0xauth", QuoteID: "q1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDirectSubmitFailed)
	assert.Contains(t, err.Error(), "facilitator=facilitator 503")
	assert.Contains(t, err.Error(), "direct=rpc refused")
}

func TestSettleBreakerOpenSkipsNetwork(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("facilitator 503")}
	b := testBreaker(clock.NewFake(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)))
	c := NewClient(sub, b, zaptest.NewLogger(t))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Settle(ctx, SettleRequest{Authorization: "0xauth", QuoteID: "q1"})
		require.Error(t, err)
	}
	require.Equal(t, BreakerOpen, b.State())
	before := sub.calls.Load()

	_, err := c.Settle(ctx, SettleRequest{Authorization: "0xauth", QuoteID: "q1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, before, sub.calls.Load(), "no network attempt while open")
}
