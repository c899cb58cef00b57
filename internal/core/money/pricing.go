package money

import (
	"github.com/shopspring/decimal"
)

// Pricing is a model's per-1M-token price card in micro-USD.
type Pricing struct {
	InputPerM     MicroUSD `json:"input_per_m"`
	OutputPerM    MicroUSD `json:"output_per_m"`
	ReasoningPerM MicroUSD `json:"reasoning_per_m"`
}

// Usage is the token counts reported for one inference call.
type Usage struct {
	InputTokens     int64 `json:"prompt_tokens"`
	OutputTokens    int64 `json:"completion_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
}

// CostBreakdown is the per-component cost of one call, wire-serialized as
// decimal strings.
type CostBreakdown struct {
	InputCost     MicroUSD `json:"input_cost_micro"`
	OutputCost    MicroUSD `json:"output_cost_micro"`
	ReasoningCost MicroUSD `json:"reasoning_cost_micro"`
	TotalCost     MicroUSD `json:"total_cost_micro"`
}

// tokensPerUnit is the pricing denominator: prices are quoted per 1M tokens.
const tokensPerUnit int64 = 1_000_000

// Cost computes the cost of usage at pricing, carrying sub-micro remainders
// through acc under the account's key. Each component's raw product
// (tokens * pricePerM) is in sub-units of remainderScale, which equals
// tokensPerUnit, so the accumulator's flooring matches the pricing contract.
func Cost(acc *Accumulator, account string, usage Usage, pricing Pricing) CostBreakdown {
	in := acc.Apply(account+":in", usage.InputTokens*pricing.InputPerM.Int64())
	out := acc.Apply(account+":out", usage.OutputTokens*pricing.OutputPerM.Int64())
	reason := acc.Apply(account+":reason", usage.ReasoningTokens*pricing.ReasoningPerM.Int64())

	return CostBreakdown{
		InputCost:     in,
		OutputCost:    out,
		ReasoningCost: reason,
		TotalCost:     in + out + reason,
	}
}

// ReferenceCost computes the same cost with arbitrary-precision decimals,
// flooring once at the end. Used by property tests as the drift oracle and
// by reconciliation sweeps.
func ReferenceCost(usage Usage, pricing Pricing) MicroUSD {
	perUnit := decimal.NewFromInt(tokensPerUnit)
	total := decimal.NewFromInt(usage.InputTokens).Mul(decimal.NewFromInt(pricing.InputPerM.Int64())).
		Add(decimal.NewFromInt(usage.OutputTokens).Mul(decimal.NewFromInt(pricing.OutputPerM.Int64()))).
		Add(decimal.NewFromInt(usage.ReasoningTokens).Mul(decimal.NewFromInt(pricing.ReasoningPerM.Int64())))
	return MicroUSD(total.Div(perUnit).Floor().IntPart())
}

// ExchangeRate is a frozen fiat/credit conversion snapshot, captured at
// reserve time so that commit and finalize price against the same rate.
type ExchangeRate struct {
	// Rate is micro-USD per credit unit.
	Rate decimal.Decimal `json:"rate"`
	// Source names the quote origin (oracle, fixed config, ...).
	Source string `json:"source"`
	// CapturedAt is an RFC3339 timestamp.
	CapturedAt string `json:"captured_at"`
}

// CreditsToMicroUSD converts credit units at the frozen rate, flooring.
func (r ExchangeRate) CreditsToMicroUSD(credits int64) MicroUSD {
	return MicroUSD(r.Rate.Mul(decimal.NewFromInt(credits)).Floor().IntPart())
}
