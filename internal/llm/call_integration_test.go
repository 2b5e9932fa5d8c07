package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/llmcore/llmcore/internal/budget"
	"github.com/llmcore/llmcore/internal/llm"
	"github.com/llmcore/llmcore/internal/pricing"
	"github.com/llmcore/llmcore/internal/retry"
	"github.com/llmcore/llmcore/internal/testutil"
	"github.com/llmcore/llmcore/internal/tracer"
	"github.com/llmcore/llmcore/internal/usage"
)

type fakeCallable struct {
	resp *llm.ChatResponse
	err  error
	chunks []llm.StreamChunk
}

func (f *fakeCallable) Call(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return f.resp, f.err
}

func (f *fakeCallable) Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan llm.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func fastRetry() *retry.Config {
	return &retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func newWrapper(t *testing.T) (*llm.Wrapper, *pricing.Table, *usage.Store, *budget.Guard, uuid.UUID) {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)

	prices := pricing.NewTable(db, time.Second)
	require.NoError(t, prices.IngestPrice(context.Background(), pricing.Row{
		Provider: "openai", Model: "gpt-oss-20b", EffectiveFrom: time.Now().Add(-time.Hour),
		InputPer1K: decimal.NewFromFloat(0.05), OutputPer1K: decimal.NewFromFloat(0.15),
	}))

	events := usage.NewStore(db)
	guard := budget.NewGuard(db, nil, 0.8)
	tenantID := uuid.New()
	require.NoError(t, db.Create(&budget.TenantBudget{
		TenantID: tenantID, Period: budget.PeriodMonthly,
		PeriodStart:  time.Date(time.Now().UTC().Year(), time.Now().UTC().Month(), 1, 0, 0, 0, 0, time.UTC),
		SoftLimitUSD: decimal.NewFromFloat(100), HardLimitUSD: decimal.NewFromFloat(100),
		State: budget.StateOK,
	}).Error)

	w := llm.New(prices, guard, events, tracer.New(false, "test"), nil, nil, llm.WithRetryConfig(fastRetry()))
	return w, prices, events, guard, tenantID
}

// TestCall_NormalCallWithProviderUsage verifies provider-reported usage is
// trusted, cost is computed, and the event persists with source=provider.
func TestCall_NormalCallWithProviderUsage(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	w, _, events, _, tenantID := newWrapper(t)

	callable := &fakeCallable{resp: &llm.ChatResponse{
		Text:  "hello back",
		Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}}

	result, err := w.Call(context.Background(), llm.CallInput{
		Provider: "openai", Model: "gpt-oss-20b",
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
		Ctx:      llm.SessionCtx{TenantID: tenantID, SessionID: "s1", RunID: "r1", StepID: "st1"},
		Callable: callable,
	})
	require.NoError(t, err)
	require.Equal(t, "provider", result.Source)
	require.Equal(t, 30, result.Usage.TotalTokens)

	rows, err := events.Query(context.Background(), usage.Filter{TenantID: &tenantID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, usage.SourceProvider, rows[0].Source)
	require.True(t, rows[0].CostUSD.GreaterThan(decimal.Zero))
}

// TestCall_ProviderOmitsUsage_EstimatorFallback verifies that no usage
// block from the provider falls back to the token estimator with
// source=estimated.
func TestCall_ProviderOmitsUsage_EstimatorFallback(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	w, _, events, _, tenantID := newWrapper(t)

	callable := &fakeCallable{resp: &llm.ChatResponse{Text: "no usage here"}}

	result, err := w.Call(context.Background(), llm.CallInput{
		Provider: "openai", Model: "gpt-oss-20b",
		Messages: []llm.Message{{Role: "user", Content: "hello there"}},
		Ctx:      llm.SessionCtx{TenantID: tenantID, SessionID: "s2"},
		Callable: callable,
	})
	require.NoError(t, err)
	require.Equal(t, "estimated", result.Source)
	require.Greater(t, result.Usage.PromptTokens, 0)

	rows, err := events.Query(context.Background(), usage.Filter{TenantID: &tenantID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, usage.SourceEstimated, rows[0].Source)
}

// TestCall_HardLimitBlocksBeforeProviderInvoked verifies a pre-check that
// lands in hard_blocked raises BudgetBlocked and never calls the provider.
func TestCall_HardLimitBlocksBeforeProviderInvoked(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	prices := pricing.NewTable(db, time.Second)
	require.NoError(t, prices.IngestPrice(context.Background(), pricing.Row{
		Provider: "openai", Model: "gpt-oss-20b", EffectiveFrom: time.Now().Add(-time.Hour),
		InputPer1K: decimal.NewFromFloat(1), OutputPer1K: decimal.NewFromFloat(1),
	}))
	events := usage.NewStore(db)
	guard := budget.NewGuard(db, nil, 0.8)
	tenantID := uuid.New()
	require.NoError(t, db.Create(&budget.TenantBudget{
		TenantID: tenantID, Period: budget.PeriodMonthly,
		PeriodStart:  time.Date(time.Now().UTC().Year(), time.Now().UTC().Month(), 1, 0, 0, 0, 0, time.UTC),
		SoftLimitUSD: decimal.NewFromFloat(1), HardLimitUSD: decimal.NewFromFloat(1),
		UsageToDate: decimal.NewFromFloat(0.999), State: budget.StateOK,
	}).Error)

	w := llm.New(prices, guard, events, tracer.New(false, "test"), nil, nil, llm.WithRetryConfig(fastRetry()))

	callable := &fakeCallable{err: errors.New("should never be invoked")}

	_, err := w.Call(context.Background(), llm.CallInput{
		Provider: "openai", Model: "gpt-oss-20b",
		Messages: []llm.Message{{Role: "user", Content: "a very large request to push past the hard limit"}},
		Ctx:      llm.SessionCtx{TenantID: tenantID, SessionID: "s3"},
		Callable: callable,
	})
	require.Error(t, err)
	var ce *llm.CallError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, llm.KindBudgetBlocked, ce.Kind)

	rows, qerr := events.Query(context.Background(), usage.Filter{TenantID: &tenantID})
	require.NoError(t, qerr)
	require.Len(t, rows, 1)
	require.Equal(t, usage.StatusBlocked, rows[0].Status)
	require.True(t, rows[0].CostUSD.IsZero())
}

// TestCall_Streaming_ReconcilesFinalUsage verifies chunk aggregation
// preserves ordering and the final reported usage wins via reconcile().
func TestCall_Streaming_ReconcilesFinalUsage(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	w, _, events, _, tenantID := newWrapper(t)

	callable := &fakeCallable{chunks: []llm.StreamChunk{
		{DeltaText: "Hel", DeltaTokens: 1},
		{DeltaText: "lo", DeltaTokens: 1},
		{DeltaText: "!", DeltaTokens: 1, Usage: &llm.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}},
	}}

	result, err := w.Call(context.Background(), llm.CallInput{
		Provider: "openai", Model: "gpt-oss-20b", Stream: true,
		Messages: []llm.Message{{Role: "user", Content: "stream this"}},
		Ctx:      llm.SessionCtx{TenantID: tenantID, SessionID: "s5"},
		Callable: callable,
	})
	require.NoError(t, err)
	require.Equal(t, "Hello!", result.Text)
	require.Equal(t, 8, result.Usage.TotalTokens)
	require.Equal(t, 3, result.Usage.CompletionTokens)

	rows, qerr := events.Query(context.Background(), usage.Filter{TenantID: &tenantID})
	require.NoError(t, qerr)
	require.Len(t, rows, 1)
	require.Equal(t, 8, rows[0].TotalTokens)
}
