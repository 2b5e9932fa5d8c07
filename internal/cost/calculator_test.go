package cost

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/llmcore/llmcore/internal/pricing"
)

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCompute_S1NormalCall(t *testing.T) {
	price := pricing.Row{
		InputPer1K:  mustDec("0.05"),
		OutputPer1K: mustDec("0.15"),
	}

	got := Compute(price, 1000, 2000, 0, false)

	assert.True(t, mustDec("0.350000").Equal(got), "got %s", got)
}

func TestCompute_ReasoningTokensIncluded(t *testing.T) {
	reasoning := mustDec("0.10")
	price := pricing.Row{
		InputPer1K:     mustDec("0.05"),
		OutputPer1K:    mustDec("0.15"),
		ReasoningPer1K: &reasoning,
	}

	got := Compute(price, 1000, 1000, 500, false)

	// input=0.05 output=0.15 reasoning=0.05 => 0.25
	assert.True(t, mustDec("0.250000").Equal(got))
}

func TestCompute_ReasoningIgnoredWithoutPrice(t *testing.T) {
	price := pricing.Row{InputPer1K: mustDec("0.05"), OutputPer1K: mustDec("0.15")}

	got := Compute(price, 1000, 1000, 500, false)

	assert.True(t, mustDec("0.200000").Equal(got))
}

func TestCompute_CacheDiscountAppliesToInputOnly(t *testing.T) {
	discount := mustDec("0.5")
	price := pricing.Row{
		InputPer1K:    mustDec("1.00"),
		OutputPer1K:   mustDec("1.00"),
		CacheDiscount: &discount,
	}

	got := Compute(price, 1000, 1000, 0, true)

	// input discounted to 0.5, output stays 1.0 => 1.5
	assert.True(t, mustDec("1.500000").Equal(got))
}

func TestCompute_NoCacheDiscountWhenNotCacheHit(t *testing.T) {
	discount := mustDec("0.5")
	price := pricing.Row{
		InputPer1K:    mustDec("1.00"),
		OutputPer1K:   mustDec("1.00"),
		CacheDiscount: &discount,
	}

	got := Compute(price, 1000, 1000, 0, false)

	assert.True(t, mustDec("2.000000").Equal(got))
}

func TestCompute_RoundsHalfUpToSixPlaces(t *testing.T) {
	price := pricing.Row{
		InputPer1K:  mustDec("0.333333"),
		OutputPer1K: mustDec("0"),
	}

	got := Compute(price, 1, 0, 0, false)

	// 0.333333 / 1000 = 0.000333333 -> rounds to 0.000333
	assert.True(t, mustDec("0.000333").Equal(got), "got %s", got)
}

func TestCompute_ZeroTokensZeroCost(t *testing.T) {
	price := pricing.Row{InputPer1K: mustDec("1.00"), OutputPer1K: mustDec("1.00")}

	got := Compute(price, 0, 0, 0, false)

	assert.True(t, decimal.Zero.Equal(got))
}

func TestCompute_IsPureAndDeterministic(t *testing.T) {
	price := pricing.Row{InputPer1K: mustDec("0.05"), OutputPer1K: mustDec("0.15")}

	first := Compute(price, 1234, 567, 0, false)
	second := Compute(price, 1234, 567, 0, false)

	assert.True(t, first.Equal(second))
}
