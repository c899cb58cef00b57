package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oberonpay/gatewayd/internal/core/money"
)

func usd(n int64) money.MicroUSD { return money.MicroUSD(n) }

const feeWallet = "fees"

func askOrder(id, wallet string, lots int64) *Order {
	return &Order{
		ID:            id,
		Wallet:        wallet,
		Side:          Ask,
		PriceMicro:    1000,
		Lots:          lots,
		LotsRemaining: lots,
		Status:        StatusOpen,
		CreatedAt:     time.Now(),
	}
}

// matchFor builds a match drawing creditsToTransfer from the escrow at the
// given per-lot price.
func matchFor(id string, esc *Escrow, buyer, seller string, lots int64, price int64) *Match {
	total := price * lots
	fee := total * 2 / 100
	return &Match{
		ID:                  id,
		BidOrderID:          "bid-" + id,
		AskOrderID:          esc.OrderID,
		BuyerWallet:         buyer,
		SellerWallet:        seller,
		PriceMicro:          usd(price),
		Lots:                lots,
		TotalMicro:          usd(total),
		FeeMicro:            usd(fee),
		SellerProceedsMicro: usd(total - fee),
		Settlement: SettlementInstruction{
			CreditsToTransfer: lots * 100,
			USDCToSeller:      usd(total - fee),
			USDCFee:           usd(fee),
			EscrowID:          esc.ID,
		},
		MatchedAt: time.Now(),
	}
}

func TestLockCredits(t *testing.T) {
	s := NewSettlement(feeWallet, zaptest.NewLogger(t))
	s.FundCredits("alice", 1000)

	_, err := s.LockCredits(&Order{ID: "b1", Wallet: "alice", Side: Bid, Lots: 1}, 100)
	assert.ErrorIs(t, err, ErrOnlyAskEscrow)

	_, err = s.LockCredits(askOrder("a1", "alice", 11), 100)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, int64(1000), s.CreditBalance("alice"), "failed lock must not mutate")

	esc, err := s.LockCredits(askOrder("a1", "alice", 10), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), esc.CreditsLocked)
	assert.Equal(t, EscrowLocked, esc.Status)
	assert.Equal(t, int64(0), s.CreditBalance("alice"))
}

// TestPartialSettlement is the two-step drawdown: 1000 locked, settle 300
// leaves 700 locked, settle 700 exhausts to settled.
func TestPartialSettlement(t *testing.T) {
	s := NewSettlement(feeWallet, zaptest.NewLogger(t))
	s.FundCredits("seller", 1000)
	s.FundUSDC("buyer", 100_000)

	esc, err := s.LockCredits(askOrder("a1", "seller", 10), 100)
	require.NoError(t, err)

	res, err := s.Settle(matchFor("m1", esc, "buyer", "seller", 3, 1000))
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.CreditsTransferred)
	assert.Equal(t, EscrowLocked, res.EscrowStatus)

	got, ok := s.EscrowForOrder("a1")
	require.True(t, ok)
	assert.Equal(t, int64(700), got.CreditsRemaining)
	assert.Equal(t, EscrowLocked, got.Status)

	res, err = s.Settle(matchFor("m2", esc, "buyer", "seller", 7, 1000))
	require.NoError(t, err)
	assert.Equal(t, EscrowSettled, res.EscrowStatus)

	got, _ = s.EscrowForOrder("a1")
	assert.Equal(t, int64(0), got.CreditsRemaining)
	assert.Equal(t, EscrowSettled, got.Status)
	assert.Equal(t, int64(1000), s.CreditBalance("buyer"))
}

func TestSettleIdempotency(t *testing.T) {
	s := NewSettlement(feeWallet, zaptest.NewLogger(t))
	s.FundCredits("seller", 500)
	s.FundUSDC("buyer", 10_000)

	esc, err := s.LockCredits(askOrder("a1", "seller", 5), 100)
	require.NoError(t, err)
	m := matchFor("m1", esc, "buyer", "seller", 5, 1000)

	first, err := s.Settle(m)
	require.NoError(t, err)
	second, err := s.Settle(m)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, usd(10_000-5000), s.USDCBalance("buyer"), "balances moved exactly once")
	assert.Equal(t, usd(4900), s.USDCBalance("seller"))
	assert.Equal(t, usd(100), s.USDCBalance(feeWallet))
	assert.Equal(t, int64(500), s.CreditBalance("buyer"))
	assert.True(t, s.IsSettled("m1"))
}

// TestSettlePreconditionsShortCircuit checks that every precondition
// failure leaves all balances untouched.
func TestSettlePreconditionsShortCircuit(t *testing.T) {
	s := NewSettlement(feeWallet, zaptest.NewLogger(t))
	s.FundCredits("seller", 500)
	s.FundUSDC("buyer", 100)

	esc, err := s.LockCredits(askOrder("a1", "seller", 5), 100)
	require.NoError(t, err)

	// Escrow too small.
	big := matchFor("m1", esc, "buyer", "seller", 6, 1000)
	_, err = s.Settle(big)
	assert.ErrorIs(t, err, ErrEscrowInsufficient)

	// Buyer short on USDC.
	m := matchFor("m2", esc, "buyer", "seller", 5, 1000)
	_, err = s.Settle(m)
	assert.ErrorIs(t, err, ErrInsufficientUSDC)

	// Unknown escrow.
	bad := matchFor("m3", esc, "buyer", "seller", 1, 1000)
	bad.Settlement.EscrowID = "nope"
	_, err = s.Settle(bad)
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	assert.Equal(t, usd(100), s.USDCBalance("buyer"))
	assert.Equal(t, usd(0), s.USDCBalance("seller"))
	assert.Equal(t, int64(0), s.CreditBalance("buyer"))
	got, _ := s.EscrowForOrder("a1")
	assert.Equal(t, int64(500), got.CreditsRemaining)
	assert.False(t, s.IsSettled("m1"))
}

func TestRollbackRestoresBalances(t *testing.T) {
	s := NewSettlement(feeWallet, zaptest.NewLogger(t))
	s.FundCredits("seller", 500)
	s.FundUSDC("buyer", 10_000)

	esc, err := s.LockCredits(askOrder("a1", "seller", 5), 100)
	require.NoError(t, err)
	m := matchFor("m1", esc, "buyer", "seller", 5, 1000)

	// Rolling back before settle moves nothing and says so.
	assert.ErrorIs(t, s.Rollback(m), ErrMatchNotSettled)
	assert.Equal(t, usd(10_000), s.USDCBalance("buyer"))
	assert.Equal(t, int64(0), s.CreditBalance("buyer"))

	_, err = s.Settle(m)
	require.NoError(t, err)
	require.NoError(t, s.Rollback(m))
	assert.ErrorIs(t, s.Rollback(m), ErrMatchNotSettled, "second rollback finds nothing to reverse")

	assert.Equal(t, usd(10_000), s.USDCBalance("buyer"))
	assert.Equal(t, usd(0), s.USDCBalance("seller"))
	assert.Equal(t, usd(0), s.USDCBalance(feeWallet))
	assert.Equal(t, int64(0), s.CreditBalance("buyer"))
	got, _ := s.EscrowForOrder("a1")
	assert.Equal(t, int64(500), got.CreditsRemaining)
	assert.Equal(t, EscrowLocked, got.Status)
	assert.False(t, s.IsSettled("m1"))

	// The match is re-appliable after rollback.
	_, err = s.Settle(m)
	require.NoError(t, err)
	assert.True(t, s.IsSettled("m1"))
}

func TestReleaseEscrowIdempotent(t *testing.T) {
	s := NewSettlement(feeWallet, zaptest.NewLogger(t))
	s.FundCredits("seller", 500)

	esc, err := s.LockCredits(askOrder("a1", "seller", 5), 100)
	require.NoError(t, err)
	m := matchFor("m1", esc, "buyer", "seller", 2, 1000)
	s.FundUSDC("buyer", 10_000)
	_, err = s.Settle(m)
	require.NoError(t, err)

	returned, err := s.ReleaseEscrow("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), returned, "remaining credits return to seller")
	assert.Equal(t, int64(300), s.CreditBalance("seller"))

	returned, err = s.ReleaseEscrow("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), returned, "second release returns zero")
	assert.Equal(t, int64(300), s.CreditBalance("seller"))

	_, err = s.ReleaseEscrow("no-such-order")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

// TestValueConservation walks lock/settle/rollback/release and checks
// available + escrowed == supply at every step.
func TestValueConservation(t *testing.T) {
	s := NewSettlement(feeWallet, zaptest.NewLogger(t))
	const supply = int64(2000)
	s.FundCredits("seller", 1500)
	s.FundCredits("buyer", 500)
	s.FundUSDC("buyer", 50_000)

	check := func(step string) {
		t.Helper()
		c := s.VerifyConservation(supply)
		require.True(t, c.Valid, "%s: available %d + escrowed %d != %d",
			step, c.TotalAvailable, c.TotalEscrowed, supply)
	}

	check("initial")
	esc, err := s.LockCredits(askOrder("a1", "seller", 10), 100)
	require.NoError(t, err)
	check("after lock")

	m := matchFor("m1", esc, "buyer", "seller", 4, 1000)
	_, err = s.Settle(m)
	require.NoError(t, err)
	check("after settle")

	require.NoError(t, s.Rollback(m))
	check("after rollback")

	_, err = s.Settle(m)
	require.NoError(t, err)
	check("after re-settle")

	_, err = s.ReleaseEscrow("a1")
	require.NoError(t, err)
	check("after release")
}
