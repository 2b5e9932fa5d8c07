package budget_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/llmcore/llmcore/internal/budget"
	"github.com/llmcore/llmcore/internal/testutil"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func currentMonthStart() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// TestEvaluateCommit_HardBlockScenario covers soft=10, hard=10, usage=9.99,
// projected=0.05 -> hard_blocked, should_block=true.
func TestEvaluateCommit_HardBlockScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	g := budget.NewGuard(db, nil, 0.8)
	ctx := context.Background()
	tenantID := uuid.New()

	require.NoError(t, db.Create(&budget.TenantBudget{
		TenantID:     tenantID,
		Period:       budget.PeriodMonthly,
		PeriodStart:  currentMonthStart(),
		SoftLimitUSD: dec(t, "10"),
		HardLimitUSD: dec(t, "10"),
		UsageToDate:  dec(t, "9.99"),
		State:        budget.StateOK,
	}).Error)

	decision, err := g.Evaluate(ctx, tenantID, dec(t, "0.05"))
	require.NoError(t, err)
	require.Equal(t, budget.StateHardBlocked, decision.State)
	require.True(t, decision.ShouldBlock)
	require.True(t, decision.Notify)
}

// TestCommit_SoftCrossingAlertsOnce verifies the first commit that crosses
// the 80% band notifies; a second commit that stays in the same band must
// not notify again (debounce via high-water-mark).
func TestCommit_SoftCrossingAlertsOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	g := budget.NewGuard(db, nil, 0.8)
	ctx := context.Background()
	tenantID := uuid.New()

	require.NoError(t, db.Create(&budget.TenantBudget{
		TenantID:     tenantID,
		Period:       budget.PeriodMonthly,
		PeriodStart:  currentMonthStart(),
		SoftLimitUSD: dec(t, "10"),
		HardLimitUSD: dec(t, "20"),
		UsageToDate:  dec(t, "7.9"),
		State:        budget.StateOK,
	}).Error)

	first, err := g.Commit(ctx, tenantID, dec(t, "0.5"))
	require.NoError(t, err)
	require.True(t, first.Notify, "crossing 80% of soft for the first time should notify")

	second, err := g.Commit(ctx, tenantID, dec(t, "0.1"))
	require.NoError(t, err)
	require.False(t, second.Notify, "staying in the same band must not re-notify")
}

// TestCommit_ConservationAcrossPeriod checks that usage_to_date_usd equals
// the sum of committed costs.
func TestCommit_ConservationAcrossPeriod(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	g := budget.NewGuard(db, nil, 0.8)
	ctx := context.Background()
	tenantID := uuid.New()

	costs := []string{"0.35", "1.20", "0.05"}
	var total decimal.Decimal
	for _, c := range costs {
		amt := dec(t, c)
		total = total.Add(amt)
		_, err := g.Commit(ctx, tenantID, amt)
		require.NoError(t, err)
	}

	var row budget.TenantBudget
	require.NoError(t, db.Where("tenant_id = ?", tenantID).First(&row).Error)
	require.True(t, row.UsageToDate.Equal(total))
}
