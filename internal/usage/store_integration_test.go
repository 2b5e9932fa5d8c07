package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/llmcore/llmcore/internal/testutil"
	"github.com/llmcore/llmcore/internal/usage"
)

func TestAppendQuerySumCost(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	store := usage.NewStore(db)
	ctx := context.Background()
	tenantID := uuid.New()
	other := uuid.New()

	now := time.Now().UTC()
	require.NoError(t, store.Append(ctx, &usage.Event{
		TenantID: tenantID, Provider: "openai", Model: "gpt-oss-20b",
		Status: usage.StatusOK, Source: usage.SourceProvider,
		CostUSD: decimal.NewFromFloat(0.10), Timestamp: now.Add(-time.Minute),
	}))
	require.NoError(t, store.Append(ctx, &usage.Event{
		TenantID: tenantID, Provider: "groq", Model: "llama-3.1-70b-versatile",
		Status: usage.StatusError, Source: usage.SourceEstimated,
		CostUSD: decimal.NewFromFloat(0.05), Timestamp: now,
	}))
	require.NoError(t, store.Append(ctx, &usage.Event{
		TenantID: other, Provider: "openai", Model: "gpt-oss-20b",
		Status: usage.StatusOK, Source: usage.SourceProvider,
		CostUSD: decimal.NewFromFloat(99), Timestamp: now,
	}))

	rows, err := store.Query(ctx, usage.Filter{TenantID: &tenantID})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	errRows, err := store.Query(ctx, usage.Filter{TenantID: &tenantID, Status: usage.StatusError})
	require.NoError(t, err)
	require.Len(t, errRows, 1)
	require.Equal(t, "groq", errRows[0].Provider)

	sum, err := store.SumCost(ctx, tenantID, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, sum.Equal(decimal.NewFromFloat(0.15)), "sum should only cover tenantID's events: got %s", sum)
}

func TestAppend_DefaultsTimestampWhenZero(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	store := usage.NewStore(db)
	tenantID := uuid.New()
	event := &usage.Event{TenantID: tenantID, Provider: "openai", Model: "gpt-oss-20b", Status: usage.StatusOK, Source: usage.SourceProvider, CostUSD: decimal.Zero}
	require.NoError(t, store.Append(context.Background(), event))
	require.False(t, event.Timestamp.IsZero())
}
