package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oberonpay/gatewayd/internal/core/clock"
	"github.com/oberonpay/gatewayd/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *Settlement, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	settle := NewSettlement(feeWallet, zaptest.NewLogger(t))
	e := NewEngine(store.NewMemoryStoreAt(clk), settle, DefaultConfig(), zaptest.NewLogger(t),
		WithEngineClock(clk))
	return e, settle, clk
}

// TestSelfTradePrevention is the three-party scenario: Alice's bid skips
// her own cheaper ask, fills Bob's, and posts the remainder.
func TestSelfTradePrevention(t *testing.T) {
	ctx := context.Background()
	e, settle, clk := newTestEngine(t)
	settle.FundCredits("alice", 500)
	settle.FundCredits("bob", 300)

	aliceAsk, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "alice", Side: Ask, PriceMicro: 1000, Lots: 5})
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	_, err = e.PlaceOrder(ctx, PlaceRequest{Wallet: "bob", Side: Ask, PriceMicro: 1500, Lots: 3})
	require.NoError(t, err)
	clk.Advance(time.Millisecond)

	res, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "alice", Side: Bid, PriceMicro: 2000, Lots: 7})
	require.NoError(t, err)

	assert.Equal(t, 1, res.SelfTradesPrevented)
	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, "bob", m.SellerWallet)
	assert.Equal(t, "alice", m.BuyerWallet)
	assert.Equal(t, int64(3), m.Lots)
	assert.Equal(t, usd(1500), m.PriceMicro, "executes at the resting price")
	assert.Equal(t, usd(4500), m.TotalMicro)
	assert.Equal(t, usd(90), m.FeeMicro)
	assert.Equal(t, usd(4410), m.SellerProceedsMicro)

	assert.Equal(t, int64(4), res.Order.LotsRemaining)
	assert.Equal(t, StatusPartial, res.Order.Status)

	// Alice's resting ask is untouched and still available to others.
	got, err := e.Order(aliceAsk.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.LotsRemaining)
	assert.Equal(t, StatusOpen, got.Status)

	settle.FundUSDC("carol", 10_000)
	carol, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "carol", Side: Bid, PriceMicro: 1000, Lots: 2})
	require.NoError(t, err)
	require.Len(t, carol.Matches, 1)
	assert.Equal(t, "alice", carol.Matches[0].SellerWallet)
}

func TestPriceTimePriority(t *testing.T) {
	ctx := context.Background()
	e, settle, clk := newTestEngine(t)
	settle.FundCredits("s1", 1000)
	settle.FundCredits("s2", 1000)
	settle.FundCredits("s3", 1000)

	// Same price: earlier ask trades first. Better price beats both.
	first, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "s1", Side: Ask, PriceMicro: 1200, Lots: 2})
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	second, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "s2", Side: Ask, PriceMicro: 1200, Lots: 2})
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	cheap, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "s3", Side: Ask, PriceMicro: 1100, Lots: 1})
	require.NoError(t, err)
	clk.Advance(time.Millisecond)

	res, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "buyer", Side: Bid, PriceMicro: 1200, Lots: 4})
	require.NoError(t, err)
	require.Len(t, res.Matches, 3)
	assert.Equal(t, cheap.Order.ID, res.Matches[0].AskOrderID, "best price first")
	assert.Equal(t, first.Order.ID, res.Matches[1].AskOrderID, "then time priority")
	assert.Equal(t, second.Order.ID, res.Matches[2].AskOrderID)
	assert.Equal(t, usd(1100), res.Matches[0].PriceMicro)
	assert.Equal(t, int64(1), res.Matches[2].Lots, "last ask partially consumed")

	got, err := e.Order(second.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, got.Status)
	assert.Equal(t, int64(1), got.LotsRemaining)
}

func TestNoCrossPostsOpen(t *testing.T) {
	ctx := context.Background()
	e, settle, _ := newTestEngine(t)
	settle.FundCredits("s", 1000)

	_, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "s", Side: Ask, PriceMicro: 2000, Lots: 1})
	require.NoError(t, err)

	res, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "b", Side: Bid, PriceMicro: 1000, Lots: 1})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.Equal(t, StatusOpen, res.Order.Status)
	bids, asks := e.book.Depth()
	assert.Equal(t, 1, bids)
	assert.Equal(t, 1, asks)
}

func TestValidationPriority(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "w", Side: Bid, PriceMicro: 0, Lots: 0})
	assert.ErrorIs(t, err, ErrInvalidPrice, "price outranks size")

	_, err = e.PlaceOrder(ctx, PlaceRequest{Wallet: "w", Side: Bid, PriceMicro: 100, Lots: 0})
	assert.ErrorIs(t, err, ErrOrderTooSmall)
}

// TestSlidingWindowRateLimit fills the hourly quota, sees the rejection,
// then recovers one slot after the window slides past the oldest order.
func TestSlidingWindowRateLimit(t *testing.T) {
	ctx := context.Background()
	e, _, clk := newTestEngine(t)

	for i := int64(0); i < e.cfg.MaxOrdersPerHour; i++ {
		_, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "w", Side: Bid, PriceMicro: 100 + usd(i), Lots: 1})
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	_, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "w", Side: Bid, PriceMicro: 99, Lots: 1})
	assert.ErrorIs(t, err, ErrRateLimited)

	// Other wallets are unaffected.
	_, err = e.PlaceOrder(ctx, PlaceRequest{Wallet: "other", Side: Bid, PriceMicro: 99, Lots: 1})
	require.NoError(t, err)

	// The first order ages out of the window; one slot opens.
	clk.Advance(e.cfg.RateLimitWindow - time.Duration(e.cfg.MaxOrdersPerHour)*time.Minute + time.Millisecond)
	_, err = e.PlaceOrder(ctx, PlaceRequest{Wallet: "w", Side: Bid, PriceMicro: 98, Lots: 1})
	require.NoError(t, err)
	_, err = e.PlaceOrder(ctx, PlaceRequest{Wallet: "w", Side: Bid, PriceMicro: 97, Lots: 1})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRelistCooldown(t *testing.T) {
	ctx := context.Background()
	e, settle, clk := newTestEngine(t)
	settle.FundCredits("s", 1000)

	placed, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "s", Side: Ask, PriceMicro: 1000, Lots: 2})
	require.NoError(t, err)
	returned, err := e.Cancel(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), returned, "escrow returns on cancel")

	_, err = e.PlaceOrder(ctx, PlaceRequest{Wallet: "s", Side: Ask, PriceMicro: 1000, Lots: 2})
	assert.ErrorIs(t, err, ErrRelistCooldown)

	// A different price is not in cooldown.
	_, err = e.PlaceOrder(ctx, PlaceRequest{Wallet: "s", Side: Ask, PriceMicro: 1001, Lots: 2})
	require.NoError(t, err)

	clk.Advance(e.cfg.RelistCooldown + time.Second)
	_, err = e.PlaceOrder(ctx, PlaceRequest{Wallet: "s", Side: Ask, PriceMicro: 1000, Lots: 2})
	require.NoError(t, err)
}

func TestCancelSemantics(t *testing.T) {
	ctx := context.Background()
	e, settle, _ := newTestEngine(t)
	settle.FundCredits("s", 1000)

	placed, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "s", Side: Ask, PriceMicro: 1000, Lots: 2})
	require.NoError(t, err)

	_, err = e.Cancel(ctx, placed.Order.ID)
	require.NoError(t, err)

	// Cancelling again is a no-op.
	returned, err := e.Cancel(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), returned)

	_, err = e.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	got, err := e.Order(placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// A cancelled resting order never matches.
	res, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "b", Side: Bid, PriceMicro: 1500, Lots: 2})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
}

// TestMarketConservationThroughMatching runs full flows through the engine
// and settlement together and checks value conservation throughout.
func TestMarketConservationThroughMatching(t *testing.T) {
	ctx := context.Background()
	e, settle, clk := newTestEngine(t)

	const supply = int64(3000)
	settle.FundCredits("alice", 2000)
	settle.FundCredits("bob", 1000)
	settle.FundUSDC("bob", 1_000_000)

	check := func(step string) {
		t.Helper()
		c := settle.VerifyConservation(supply)
		require.True(t, c.Valid, "%s: %d + %d != %d", step, c.TotalAvailable, c.TotalEscrowed, supply)
	}

	_, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "alice", Side: Ask, PriceMicro: 1000, Lots: 10})
	require.NoError(t, err)
	check("ask placed")
	clk.Advance(time.Millisecond)

	res, err := e.PlaceOrder(ctx, PlaceRequest{Wallet: "bob", Side: Bid, PriceMicro: 1200, Lots: 6})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	check("matched")

	_, err = settle.Settle(res.Matches[0])
	require.NoError(t, err)
	check("settled")
	assert.Equal(t, int64(600), settle.CreditBalance("bob"))

	require.NoError(t, settle.Rollback(res.Matches[0]))
	check("rolled back")
	_, err = settle.Settle(res.Matches[0])
	require.NoError(t, err)
	check("re-settled")

	// Cancel the remainder of the ask; escrow returns.
	_, err = e.Cancel(ctx, res.Matches[0].AskOrderID)
	require.NoError(t, err)
	check("cancelled remainder")
	assert.Equal(t, int64(2000-600), settle.CreditBalance("alice"))
}
