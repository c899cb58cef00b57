package facilitator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/billing"
	"github.com/oberonpay/gatewayd/internal/core/money"
)

// Error taxonomy for external settlement failures. Both preserve the
// underlying cause so operators can diagnose which leg failed.
var (
	ErrTimeout            = errors.New("facilitator: FACILITATOR_TIMEOUT")
	ErrDirectSubmitFailed = errors.New("facilitator: DIRECT_SUBMIT_FAILED")
)

// Receipt is the settlement confirmation returned by either submission
// path.
type Receipt struct {
	TxHash    string    `json:"tx_hash"`
	Network   string    `json:"network"`
	SettledAt time.Time `json:"settled_at"`
	Direct    bool      `json:"direct,omitempty"`
}

// Submitter is the facilitator endpoint.
type Submitter interface {
	Submit(ctx context.Context, authorization, quoteID string) (*Receipt, error)
}

// DirectSubmitter posts the signed authorization to the chain without the
// facilitator.
type DirectSubmitter interface {
	SubmitDirect(ctx context.Context, authorization string) (*Receipt, error)
}

// Compensator issues a credit note when a settlement fails after money has
// already moved. billing.Machine satisfies this.
type Compensator interface {
	IssueCreditNote(ctx context.Context, wallet string, amount money.MicroUSD, reason string) (*billing.CreditNote, error)
}

// SettleRequest carries one settlement attempt. Timeout is caller-supplied
// and bounds the facilitator leg only; the direct fallback runs under the
// caller's context.
type SettleRequest struct {
	Authorization string
	QuoteID       string
	Wallet        string
	Amount        money.MicroUSD
	Timeout       time.Duration
}

// Client routes settlements through the facilitator with a circuit
// breaker, falling back to direct submission when configured.
type Client struct {
	sub        Submitter
	direct     DirectSubmitter
	breaker    *Breaker
	compensate Compensator
	log        *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDirectSubmit enables the fallback path.
func WithDirectSubmit(d DirectSubmitter) Option {
	return func(c *Client) { c.direct = d }
}

// WithCompensator wires the credit-note path for failed settlements.
func WithCompensator(comp Compensator) Option {
	return func(c *Client) { c.compensate = comp }
}

// NewClient builds a client around a facilitator endpoint.
func NewClient(sub Submitter, breaker *Breaker, log *zap.Logger, opts ...Option) *Client {
	if breaker == nil {
		breaker = NewBreaker(DefaultBreakerConfig(), nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{sub: sub, breaker: breaker, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker exposes the circuit for health reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Settle submits the authorization. The facilitator leg is tried first
// under req.Timeout; if it fails and a direct submitter is configured,
// direct submission is attempted. A combined error carries both causes.
// When every path fails and a compensator is wired, a credit note for the
// full amount is issued to the wallet.
func (c *Client) Settle(ctx context.Context, req SettleRequest) (*Receipt, error) {
	facErr := c.breaker.Allow()
	if facErr == nil {
		var receipt *Receipt
		receipt, facErr = c.submitFacilitator(ctx, req)
		c.breaker.Record(facErr == nil)
		if facErr == nil {
			return receipt, nil
		}
	} else {
		c.log.Warn("facilitator circuit open, skipping submit",
			zap.String("quote_id", req.QuoteID))
	}

	if c.direct == nil {
		return nil, c.fail(ctx, req, facErr)
	}

	receipt, directErr := c.direct.SubmitDirect(ctx, req.Authorization)
	if directErr == nil {
		c.log.Info("settled via direct submission",
			zap.String("quote_id", req.QuoteID),
			zap.String("tx_hash", receipt.TxHash))
		receipt.Direct = true
		return receipt, nil
	}

	return nil, c.fail(ctx, req,
		fmt.Errorf("%w: facilitator=%v direct=%v", ErrDirectSubmitFailed, facErr, directErr))
}

// submitFacilitator runs the facilitator leg under the caller-supplied
// timeout. A deadline hit maps to FACILITATOR_TIMEOUT.
func (c *Client) submitFacilitator(ctx context.Context, req SettleRequest) (*Receipt, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	receipt, err := c.sub.Submit(ctx, req.Authorization, req.QuoteID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	}
	return receipt, nil
}

// fail logs the terminal failure and issues the compensation credit note
// when a compensator is present. The settlement error is returned either
// way; compensation failures are logged, not stacked.
func (c *Client) fail(ctx context.Context, req SettleRequest, err error) error {
	c.log.Error("settlement failed",
		zap.String("quote_id", req.QuoteID),
		zap.String("wallet", req.Wallet),
		zap.Error(err))

	if c.compensate != nil && req.Wallet != "" && req.Amount > 0 {
		note, nerr := c.compensate.IssueCreditNote(ctx, req.Wallet, req.Amount,
			"settlement_failed:"+req.QuoteID)
		if nerr != nil {
			c.log.Error("compensation credit note failed",
				zap.String("wallet", req.Wallet), zap.Error(nerr))
		} else {
			c.log.Info("compensation credit note issued",
				zap.String("note_id", note.NoteID),
				zap.String("wallet", req.Wallet))
		}
	}
	return err
}
