// Package cost implements the pure USD cost calculation.
package cost

import (
	"github.com/shopspring/decimal"

	"github.com/llmcore/llmcore/internal/pricing"
)

const roundingPlaces = 6

func init() {
	// Give intermediate divisions enough precision that the final Round(6)
	// is exact regardless of operand scale.
	decimal.DivisionPrecision = 16
}

// Compute is a pure USD cost function:
//
//	input  = promptT     / 1000 * price.InputPer1K
//	output = completionT / 1000 * price.OutputPer1K
//	reason = reasoningT  / 1000 * (price.ReasoningPer1K or 0)
//	if cacheHit and price.CacheDiscount set: input *= (1 - discount)
//	return round(input + output + reason, 6, HALF_UP)
//
// No side effects, no I/O. shopspring/decimal's Round uses round-half-away-
// from-zero, which is HALF_UP for the non-negative money values this
// function only ever produces.
func Compute(price pricing.Row, promptTokens, completionTokens, reasoningTokens int, cacheHit bool) decimal.Decimal {
	thousand := decimal.NewFromInt(1000)

	input := decimal.NewFromInt(int64(promptTokens)).Div(thousand).Mul(price.InputPer1K)
	output := decimal.NewFromInt(int64(completionTokens)).Div(thousand).Mul(price.OutputPer1K)

	reason := decimal.Zero
	if price.ReasoningPer1K != nil && reasoningTokens > 0 {
		reason = decimal.NewFromInt(int64(reasoningTokens)).Div(thousand).Mul(*price.ReasoningPer1K)
	}

	if cacheHit && price.CacheDiscount != nil {
		discount := decimal.NewFromInt(1).Sub(*price.CacheDiscount)
		input = decimal.NewFromInt(int64(promptTokens)).Div(thousand).Mul(price.InputPer1K).Mul(discount)
	}

	total := input.Add(output).Add(reason)
	return total.Round(roundingPlaces)
}
