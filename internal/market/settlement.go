package market

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/oberonpay/gatewayd/internal/core/ids"
	"github.com/oberonpay/gatewayd/internal/core/money"
	"github.com/oberonpay/gatewayd/internal/idempotency"
)

// SettleResult is the balance movement one settled match produced.
type SettleResult struct {
	MatchID            string         `json:"match_id"`
	CreditsTransferred int64          `json:"credits_transferred"`
	SellerProceeds     money.MicroUSD `json:"seller_proceeds"`
	Fee                money.MicroUSD `json:"fee"`
	EscrowStatus       EscrowStatus   `json:"escrow_status"`
}

// Conservation is the marketplace value-conservation check result.
type Conservation struct {
	Valid          bool  `json:"valid"`
	TotalAvailable int64 `json:"total_available"`
	TotalEscrowed  int64 `json:"total_escrowed"`
}

// Settlement owns marketplace balances: per-wallet available credits,
// per-wallet USDC, and the escrows that bridge them. Every mutation either
// fully applies or leaves nothing changed; Settle is idempotent per match
// id.
type Settlement struct {
	mu        sync.Mutex
	credits   map[string]int64
	usdc      map[string]money.MicroUSD
	escrows   map[string]*Escrow
	byOrder   map[string]string
	settled   *idempotency.Cache[SettleResult]
	feeWallet string
	gen       *ids.Generator
	log       *zap.Logger
}

// NewSettlement builds a settlement engine. Fees accrue to feeWallet's
// USDC balance.
func NewSettlement(feeWallet string, log *zap.Logger) *Settlement {
	if log == nil {
		log = zap.NewNop()
	}
	return &Settlement{
		credits:   make(map[string]int64),
		usdc:      make(map[string]money.MicroUSD),
		escrows:   make(map[string]*Escrow),
		byOrder:   make(map[string]string),
		settled:   idempotency.MustNew[SettleResult](idempotency.DefaultCapacity),
		feeWallet: feeWallet,
		gen:       ids.NewGenerator(),
		log:       log,
	}
}

// FundCredits deposits credit units into a wallet's available balance.
func (s *Settlement) FundCredits(wallet string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[wallet] += n
}

// FundUSDC deposits micro-USD into a wallet.
func (s *Settlement) FundUSDC(wallet string, amount money.MicroUSD) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usdc[wallet] += amount
}

// CreditBalance returns a wallet's available (unescrowed) credits.
func (s *Settlement) CreditBalance(wallet string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits[wallet]
}

// USDCBalance returns a wallet's USDC balance.
func (s *Settlement) USDCBalance(wallet string) money.MicroUSD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usdc[wallet]
}

// LockCredits escrows lots*lotSize credits from an ask's wallet. Bids
// never escrow; buyers pay USDC at settlement.
func (s *Settlement) LockCredits(ask *Order, lotSize int64) (*Escrow, error) {
	if ask.Side != Ask {
		return nil, fmt.Errorf("%w: order %s is a %s", ErrOnlyAskEscrow, ask.ID, ask.Side)
	}
	need := ask.Lots * lotSize

	s.mu.Lock()
	defer s.mu.Unlock()

	if have := s.credits[ask.Wallet]; have < need {
		return nil, fmt.Errorf("%w: wallet %s has %d, needs %d",
			ErrInsufficientCredits, ask.Wallet, have, need)
	}
	s.credits[ask.Wallet] -= need

	esc := &Escrow{
		ID:               s.gen.New(),
		OrderID:          ask.ID,
		Wallet:           ask.Wallet,
		CreditsLocked:    need,
		CreditsRemaining: need,
		Status:           EscrowLocked,
	}
	s.escrows[esc.ID] = esc
	s.byOrder[ask.ID] = esc.ID
	return cloneEscrow(esc), nil
}

// EscrowForOrder returns the escrow backing an ask order.
func (s *Settlement) EscrowForOrder(orderID string) (*Escrow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, false
	}
	return cloneEscrow(s.escrows[id]), true
}

// Settle applies one match: buyer pays total_micro, seller receives
// proceeds, the fee accrues to the fee wallet, and the escrowed credits
// transfer to the buyer. Every precondition is checked before the first
// mutation; a replayed match id returns the original result untouched.
func (s *Settlement) Settle(m *Match) (*SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.settled.Get(m.ID); ok {
		return &prior, nil
	}

	esc, ok := s.escrows[m.Settlement.EscrowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, m.Settlement.EscrowID)
	}
	transfer := m.Settlement.CreditsToTransfer
	if esc.CreditsRemaining < transfer {
		return nil, fmt.Errorf("%w: escrow %s holds %d, match %s needs %d",
			ErrEscrowInsufficient, esc.ID, esc.CreditsRemaining, m.ID, transfer)
	}
	if have := s.usdc[m.BuyerWallet]; have < m.TotalMicro {
		return nil, fmt.Errorf("%w: buyer %s has %s, match %s needs %s",
			ErrInsufficientUSDC, m.BuyerWallet, have, m.ID, m.TotalMicro)
	}

	// Preconditions held; mutate.
	s.usdc[m.BuyerWallet] -= m.TotalMicro
	s.usdc[m.SellerWallet] += m.SellerProceedsMicro
	s.usdc[s.feeWallet] += m.FeeMicro
	esc.CreditsRemaining -= transfer
	s.credits[m.BuyerWallet] += transfer
	if esc.CreditsRemaining == 0 {
		esc.Status = EscrowSettled
	}

	res := SettleResult{
		MatchID:            m.ID,
		CreditsTransferred: transfer,
		SellerProceeds:     m.SellerProceedsMicro,
		Fee:                m.FeeMicro,
		EscrowStatus:       esc.Status,
	}
	s.settled.Put(m.ID, res)
	s.log.Info("match settled",
		zap.String("match_id", m.ID),
		zap.Int64("credits", transfer),
		zap.String("total", m.TotalMicro.String()))
	return &res, nil
}

// Rollback reverses a prior Settle: balances return to their pre-settle
// values and the escrow reopens. A match that never settled (or was
// already rolled back) leaves every balance untouched and reports
// ErrMatchNotSettled.
func (s *Settlement) Rollback(m *Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.settled.Get(m.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMatchNotSettled, m.ID)
	}
	esc, ok := s.escrows[m.Settlement.EscrowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEscrowNotFound, m.Settlement.EscrowID)
	}
	if s.credits[m.BuyerWallet] < prior.CreditsTransferred {
		// The buyer already spent the transferred credits; reversing now
		// would mint value.
		return fmt.Errorf("market: rollback of %s would break conservation, buyer %s holds %d of %d transferred credits",
			m.ID, m.BuyerWallet, s.credits[m.BuyerWallet], prior.CreditsTransferred)
	}

	s.usdc[m.BuyerWallet] += m.TotalMicro
	s.usdc[m.SellerWallet] -= m.SellerProceedsMicro
	s.usdc[s.feeWallet] -= m.FeeMicro
	s.credits[m.BuyerWallet] -= prior.CreditsTransferred
	esc.CreditsRemaining += prior.CreditsTransferred
	esc.Status = EscrowLocked

	s.settled.Remove(m.ID)
	s.log.Info("match rolled back", zap.String("match_id", m.ID))
	return nil
}

// ReleaseEscrow returns an escrow's remaining credits to the seller on
// cancellation. Idempotent: an already-released escrow returns 0.
func (s *Settlement) ReleaseEscrow(orderID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return 0, fmt.Errorf("%w: order %s", ErrEscrowNotFound, orderID)
	}
	esc := s.escrows[id]
	if esc.Status == EscrowReleased {
		return 0, nil
	}
	returned := esc.CreditsRemaining
	s.credits[esc.Wallet] += returned
	esc.CreditsRemaining = 0
	esc.Status = EscrowReleased
	return returned, nil
}

// IsSettled reports whether the match id has an applied settlement.
func (s *Settlement) IsSettled(matchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.settled.Get(matchID)
	return ok
}

// VerifyConservation checks that available plus escrowed credits equal the
// configured total supply.
func (s *Settlement) VerifyConservation(totalSupply int64) Conservation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var available, escrowed int64
	for _, n := range s.credits {
		available += n
	}
	for _, esc := range s.escrows {
		escrowed += esc.CreditsRemaining
	}
	return Conservation{
		Valid:          available+escrowed == totalSupply,
		TotalAvailable: available,
		TotalEscrowed:  escrowed,
	}
}

func cloneEscrow(e *Escrow) *Escrow {
	cp := *e
	return &cp
}
