package market

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/core/clock"
	"github.com/oberonpay/gatewayd/internal/core/ids"
	"github.com/oberonpay/gatewayd/internal/core/money"
	"github.com/oberonpay/gatewayd/internal/store"
)

// Engine runs the continuous double auction for one trading pair. All
// order flow is serialized through its mutex; independent pairs run
// independent engines.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	book   *Book
	settle *Settlement
	st     store.Store
	clk    clock.Clock
	gen    *ids.Generator
	log    *zap.Logger

	orders    map[string]*Order
	cooldowns map[cooldownKey]time.Time
}

type cooldownKey struct {
	wallet string
	side   Side
	price  money.MicroUSD
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source.
func WithEngineClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clk = c }
}

// NewEngine builds a matching engine over the settlement engine and the
// shared store (rate-limit windows).
func NewEngine(st store.Store, settle *Settlement, cfg Config, log *zap.Logger, opts ...EngineOption) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.LotSize <= 0 {
		cfg = DefaultConfig()
	}
	e := &Engine{
		cfg:       cfg,
		book:      NewBook(),
		settle:    settle,
		st:        st,
		clk:       clock.System{},
		log:       log,
		orders:    make(map[string]*Order),
		cooldowns: make(map[cooldownKey]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.gen = ids.NewGeneratorAt(e.clk.Now)
	return e
}

// PlaceRequest is an incoming limit order.
type PlaceRequest struct {
	Wallet     string
	Side       Side
	PriceMicro money.MicroUSD
	Lots       int64
	ExpiresAt  time.Time
}

// PlaceResult reports the incoming order's fate: executions, the posted
// remainder (if any), and how many resting self-orders were skipped.
type PlaceResult struct {
	Order               *Order
	Matches             []*Match
	SelfTradesPrevented int
}

// PlaceOrder validates, escrows (asks), matches, and posts the remainder.
// Validation failures reject before any state changes, in priority order:
// INVALID_PRICE, ORDER_TOO_SMALL, RATE_LIMITED, RELIST_COOLDOWN.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if req.PriceMicro <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, req.PriceMicro)
	}
	if req.Lots < e.cfg.MinOrderLots {
		return nil, fmt.Errorf("%w: %d lots, minimum %d", ErrOrderTooSmall, req.Lots, e.cfg.MinOrderLots)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now().UTC()
	if err := e.checkRateLimit(ctx, req.Wallet, now); err != nil {
		return nil, err
	}
	if until, ok := e.cooldowns[cooldownKey{req.Wallet, req.Side, req.PriceMicro}]; ok {
		if now.Before(until) {
			return nil, fmt.Errorf("%w: wallet %s relisting %s@%s before %s",
				ErrRelistCooldown, req.Wallet, req.Side, req.PriceMicro, until.Format(time.RFC3339))
		}
		delete(e.cooldowns, cooldownKey{req.Wallet, req.Side, req.PriceMicro})
	}

	o := &Order{
		ID:            e.gen.New(),
		Wallet:        req.Wallet,
		Side:          req.Side,
		PriceMicro:    req.PriceMicro,
		Lots:          req.Lots,
		LotsRemaining: req.Lots,
		Status:        StatusOpen,
		CreatedAt:     now,
		ExpiresAt:     req.ExpiresAt,
		UpdatedAt:     now,
	}

	if o.Side == Ask {
		if _, err := e.settle.LockCredits(o, e.cfg.LotSize); err != nil {
			return nil, err
		}
	}
	e.recordPlacement(ctx, req.Wallet, o.ID, now)
	e.orders[o.ID] = o

	res := e.match(o, now)
	if o.LotsRemaining > 0 {
		e.book.Add(o)
	}
	return res, nil
}

// match walks the counter side of the book while the incoming order
// crosses, trading at each resting order's price. Resting orders from the
// same wallet are skipped without being consumed and pushed back after
// the walk.
func (e *Engine) match(o *Order, now time.Time) *PlaceResult {
	res := &PlaceResult{Order: o}
	counter := e.book.side(opposite(o.Side))

	var skipped []*Order
	for o.LotsRemaining > 0 {
		c := counter.top(now, e.onExpire)
		if c == nil || !crosses(o, c) {
			break
		}
		if c.Wallet == o.Wallet {
			heap.Pop(counter)
			skipped = append(skipped, c)
			res.SelfTradesPrevented++
			continue
		}

		lots := o.LotsRemaining
		if c.LotsRemaining < lots {
			lots = c.LotsRemaining
		}
		res.Matches = append(res.Matches, e.buildMatch(o, c, lots, now))

		o.LotsRemaining -= lots
		c.LotsRemaining -= lots
		c.UpdatedAt = now
		if c.LotsRemaining == 0 {
			c.Status = StatusFilled
			heap.Pop(counter)
		} else {
			c.Status = StatusPartial
		}
	}
	for _, sk := range skipped {
		heap.Push(counter, sk)
	}

	o.UpdatedAt = now
	switch {
	case o.LotsRemaining == 0:
		o.Status = StatusFilled
	case len(res.Matches) > 0:
		o.Status = StatusPartial
	default:
		o.Status = StatusOpen
	}
	return res
}

// buildMatch executes lots at the resting order's price; price improvement
// accrues to the aggressor.
func (e *Engine) buildMatch(incoming, resting *Order, lots int64, now time.Time) *Match {
	bid, ask := incoming, resting
	if incoming.Side == Ask {
		bid, ask = resting, incoming
	}

	price := resting.PriceMicro
	total := money.MicroUSD(price.Int64() * lots)
	fee := money.MicroUSD(e.cfg.FeeRate.Mul(decimal.NewFromInt(total.Int64())).Floor().IntPart())
	proceeds := total - fee

	var escrowID string
	if esc, ok := e.settle.EscrowForOrder(ask.ID); ok {
		escrowID = esc.ID
	}

	return &Match{
		ID:                  e.gen.New(),
		BidOrderID:          bid.ID,
		AskOrderID:          ask.ID,
		BuyerWallet:         bid.Wallet,
		SellerWallet:        ask.Wallet,
		PriceMicro:          price,
		Lots:                lots,
		TotalMicro:          total,
		FeeMicro:            fee,
		SellerProceedsMicro: proceeds,
		Settlement: SettlementInstruction{
			CreditsToTransfer: lots * e.cfg.LotSize,
			USDCToSeller:      proceeds,
			USDCFee:           fee,
			EscrowID:          escrowID,
		},
		MatchedAt: now,
	}
}

// Cancel removes a resting order, starts the relist cooldown for its
// (side, price), and returns any escrowed credits to the seller.
func (e *Engine) Cancel(ctx context.Context, orderID string) (returnedCredits int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if o.Status == StatusCancelled {
		return 0, nil
	}
	if o.Status == StatusFilled || o.Status == StatusExpired {
		return 0, fmt.Errorf("market: order %s is %s, not cancellable", orderID, o.Status)
	}

	now := e.clk.Now().UTC()
	o.Status = StatusCancelled
	o.UpdatedAt = now
	e.cooldowns[cooldownKey{o.Wallet, o.Side, o.PriceMicro}] = now.Add(e.cfg.RelistCooldown)

	if o.Side == Ask {
		returned, rerr := e.settle.ReleaseEscrow(o.ID)
		if rerr != nil {
			return 0, rerr
		}
		return returned, nil
	}
	return 0, nil
}

// Order returns the current snapshot of one order.
func (e *Engine) Order(orderID string) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	cp := *o
	return &cp, nil
}

// onExpire releases escrow when a resting ask is discovered expired.
func (e *Engine) onExpire(o *Order) {
	if o.Side != Ask {
		return
	}
	if _, err := e.settle.ReleaseEscrow(o.ID); err != nil {
		e.log.Warn("escrow release on expiry failed",
			zap.String("order_id", o.ID), zap.Error(err))
	}
}

func opposite(s Side) Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// crosses reports whether the incoming order's limit reaches the resting
// order's price.
func crosses(incoming, resting *Order) bool {
	if incoming.Side == Bid {
		return incoming.PriceMicro >= resting.PriceMicro
	}
	return resting.PriceMicro >= incoming.PriceMicro
}

func rateKey(wallet string) string {
	return "x402:rate:" + wallet
}

// checkRateLimit enforces the sliding-window placement cap: prune entries
// older than the window, then count.
func (e *Engine) checkRateLimit(ctx context.Context, wallet string, now time.Time) error {
	key := rateKey(wallet)
	cutoff := float64(now.Add(-e.cfg.RateLimitWindow).UnixMilli())
	if _, err := e.st.ZRemRangeByScore(ctx, key, 0, cutoff); err != nil {
		return err
	}
	n, err := e.st.ZCard(ctx, key)
	if err != nil {
		return err
	}
	if n >= e.cfg.MaxOrdersPerHour {
		return fmt.Errorf("%w: wallet %s placed %d orders in the window", ErrRateLimited, wallet, n)
	}
	return nil
}

// recordPlacement adds the accepted order to the wallet's rate window.
func (e *Engine) recordPlacement(ctx context.Context, wallet, orderID string, now time.Time) {
	if err := e.st.ZAdd(ctx, rateKey(wallet), float64(now.UnixMilli()), orderID); err != nil {
		e.log.Warn("rate window record failed", zap.String("wallet", wallet), zap.Error(err))
	}
}
