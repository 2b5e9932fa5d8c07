package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	assert.Equal(t, "budget_blocked", KindBudgetBlocked.String())
	assert.Equal(t, "provider_error", KindProviderError.String())
	assert.Equal(t, "cancelled", KindCancelled.String())
	assert.Equal(t, "price_missing", KindPriceMissing.String())
	assert.Equal(t, "insufficient_balance", KindInsufficientBalance.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestCallError_UnwrapAndAs(t *testing.T) {
	wrapped := errors.New("rate limited")
	ce := newProviderError("rate_limited", wrapped)

	var target *CallError
	require.True(t, errors.As(ce, &target))
	assert.Equal(t, "rate_limited", target.Code)
	assert.ErrorIs(t, ce, wrapped)
}

func TestReconcile_TrustsTotalOverCompletionSum(t *testing.T) {
	// Provider reports prompt=100 completion=40 but total=130: trust the
	// total and recompute completion.
	reported := Usage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 130}
	got := reconcile(reported, 100)
	assert.Equal(t, 100, got.PromptTokens)
	assert.Equal(t, 30, got.CompletionTokens)
	assert.Equal(t, 130, got.TotalTokens)
}

func TestReconcile_FillsPromptFromEstimateWhenZero(t *testing.T) {
	reported := Usage{CompletionTokens: 50}
	got := reconcile(reported, 77)
	assert.Equal(t, 77, got.PromptTokens)
	assert.Equal(t, 50, got.CompletionTokens)
	assert.Equal(t, 127, got.TotalTokens)
}

func TestReconcile_NeverGoesNegative(t *testing.T) {
	reported := Usage{PromptTokens: 100, TotalTokens: 50}
	got := reconcile(reported, 100)
	assert.Equal(t, 0, got.CompletionTokens)
	assert.Equal(t, 100, got.TotalTokens)
}

func TestPromptText_ConcatenatesRoleAndContent(t *testing.T) {
	msgs := []Message{{Role: "system", Content: "be terse"}, {Role: "user", Content: "hi"}}
	got := promptText(msgs)
	assert.Contains(t, got, "system: be terse")
	assert.Contains(t, got, "user: hi")
}

func TestBreakerFor_ReusesSameBreakerPerProviderModel(t *testing.T) {
	w := New(nil, nil, nil, nil, nil, nil)
	b1 := w.breakerFor("openai", "gpt-oss-20b")
	b2 := w.breakerFor("openai", "gpt-oss-20b")
	b3 := w.breakerFor("openai", "gpt-oss-120b")
	assert.Same(t, b1, b2)
	assert.NotSame(t, b1, b3)
}
