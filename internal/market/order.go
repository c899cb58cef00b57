// Package market implements the credit marketplace: a continuous double
// auction with price-time priority, self-trade prevention, anti-abuse
// validation, escrowed asks, and atomic two-sided settlement.
package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oberonpay/gatewayd/internal/core/money"
)

// Side is an order's direction.
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// OrderStatus tracks an order's fill lifecycle.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusExpired   OrderStatus = "expired"
)

// Order is one resting or incoming limit order. PriceMicro is per lot.
type Order struct {
	ID            string         `json:"id"`
	Wallet        string         `json:"wallet"`
	Side          Side           `json:"side"`
	PriceMicro    money.MicroUSD `json:"price_micro"`
	Lots          int64          `json:"lots"`
	LotsRemaining int64          `json:"lots_remaining"`
	Status        OrderStatus    `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// live reports whether the order can still trade.
func (o *Order) live(now time.Time) bool {
	if o.Status == StatusCancelled || o.Status == StatusExpired || o.Status == StatusFilled {
		return false
	}
	if !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt) {
		return false
	}
	return true
}

// EscrowStatus tracks an escrow's lifecycle.
type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "locked"
	EscrowSettled  EscrowStatus = "settled"
	EscrowReleased EscrowStatus = "released"
)

// Escrow holds a seller's credits from ask placement until settlement or
// cancellation.
type Escrow struct {
	ID               string       `json:"id"`
	OrderID          string       `json:"order_id"`
	Wallet           string       `json:"wallet"`
	CreditsLocked    int64        `json:"credits_locked"`
	CreditsRemaining int64        `json:"credits_remaining"`
	Status           EscrowStatus `json:"status"`
}

// SettlementInstruction tells the settlement engine what one match moves.
type SettlementInstruction struct {
	CreditsToTransfer int64          `json:"credits_to_transfer"`
	USDCToSeller      money.MicroUSD `json:"usdc_to_seller"`
	USDCFee           money.MicroUSD `json:"usdc_fee"`
	EscrowID          string         `json:"escrow_id"`
}

// Match is one execution between a bid and an ask, priced at the resting
// order.
type Match struct {
	ID                  string                `json:"id"`
	BidOrderID          string                `json:"bid_order_id"`
	AskOrderID          string                `json:"ask_order_id"`
	BuyerWallet         string                `json:"buyer_wallet"`
	SellerWallet        string                `json:"seller_wallet"`
	PriceMicro          money.MicroUSD        `json:"price_micro"`
	Lots                int64                 `json:"lots"`
	TotalMicro          money.MicroUSD        `json:"total_micro"`
	FeeMicro            money.MicroUSD        `json:"fee_micro"`
	SellerProceedsMicro money.MicroUSD        `json:"seller_proceeds_micro"`
	Settlement          SettlementInstruction `json:"settlement"`
	MatchedAt           time.Time             `json:"matched_at"`
}

// Config tunes the marketplace.
type Config struct {
	// LotSize is credit units per lot.
	LotSize int64

	// FeeRate is the taker fee fraction; fees floor per trade.
	FeeRate decimal.Decimal

	MinOrderLots     int64
	MaxOrdersPerHour int64
	RateLimitWindow  time.Duration
	RelistCooldown   time.Duration
}

// DefaultConfig returns the standard marketplace settings.
func DefaultConfig() Config {
	return Config{
		LotSize:          100,
		FeeRate:          decimal.NewFromFloat(0.02),
		MinOrderLots:     1,
		MaxOrdersPerHour: 20,
		RateLimitWindow:  time.Hour,
		RelistCooldown:   5 * time.Minute,
	}
}

// Precondition failures. None of these leave any state mutated.
var (
	ErrInvalidPrice        = errors.New("market: INVALID_PRICE")
	ErrOrderTooSmall       = errors.New("market: ORDER_TOO_SMALL")
	ErrRateLimited         = errors.New("market: RATE_LIMITED")
	ErrRelistCooldown      = errors.New("market: RELIST_COOLDOWN")
	ErrInsufficientCredits = errors.New("market: INSUFFICIENT_CREDITS")
	ErrInsufficientUSDC    = errors.New("market: INSUFFICIENT_USDC")
	ErrEscrowInsufficient  = errors.New("market: ESCROW_INSUFFICIENT")
	ErrOnlyAskEscrow       = errors.New("market: only ask orders require escrow")
	ErrEscrowNotFound      = errors.New("market: escrow not found")
	ErrOrderNotFound       = errors.New("market: order not found")
	ErrMatchNotSettled     = errors.New("market: match not settled")
)
