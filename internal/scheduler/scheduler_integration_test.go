package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/llmcore/llmcore/internal/scheduler"
	"github.com/llmcore/llmcore/internal/testutil"
)

// TestSubmit_SessionExclusivity verifies a second standard-tier submission
// on the same session is rejected while the first is in flight, but a
// premium-tier submission on the same session is accepted
// (parallelSessionTiers).
func TestSubmit_SessionExclusivity(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	s := scheduler.New(db, nil, zap.NewNop(), scheduler.WithBaseStageSeconds(3600))
	ctx := context.Background()
	tenantID := uuid.New()
	userID := uuid.New()

	first, err := s.Submit(ctx, scheduler.SubmitInput{
		TenantID: tenantID, UserID: userID, SessionKey: "sess-1",
		OperationType: "analyze", ComplexityScore: 10, Tier: scheduler.TierStandard,
	})
	require.NoError(t, err)
	require.True(t, first.Accepted)

	second, err := s.Submit(ctx, scheduler.SubmitInput{
		TenantID: tenantID, UserID: userID, SessionKey: "sess-1",
		OperationType: "analyze", ComplexityScore: 10, Tier: scheduler.TierStandard,
	})
	require.NoError(t, err)
	require.False(t, second.Accepted)
	require.Equal(t, "session_busy", second.Reason)

	third, err := s.Submit(ctx, scheduler.SubmitInput{
		TenantID: tenantID, UserID: userID, SessionKey: "sess-1",
		OperationType: "analyze", ComplexityScore: 10, Tier: scheduler.TierPremium,
	})
	require.NoError(t, err)
	require.True(t, third.Accepted, "premium tier allows parallel sessions")

	_, _ = s.Cancel(ctx, first.Task.ID)
	_, _ = s.Cancel(ctx, third.Task.ID)
}

// TestSubmit_DifferentSessionsAdmittedIndependently ensures the
// session_busy rejection is scoped to (tenant, session_key), not global.
func TestSubmit_DifferentSessionsAdmittedIndependently(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	s := scheduler.New(db, nil, zap.NewNop(), scheduler.WithBaseStageSeconds(3600))
	ctx := context.Background()
	tenantID := uuid.New()
	userID := uuid.New()

	a, err := s.Submit(ctx, scheduler.SubmitInput{
		TenantID: tenantID, UserID: userID, SessionKey: "sess-a",
		OperationType: "analyze", ComplexityScore: 10, Tier: scheduler.TierStandard,
	})
	require.NoError(t, err)
	require.True(t, a.Accepted)

	b, err := s.Submit(ctx, scheduler.SubmitInput{
		TenantID: tenantID, UserID: userID, SessionKey: "sess-b",
		OperationType: "analyze", ComplexityScore: 10, Tier: scheduler.TierStandard,
	})
	require.NoError(t, err)
	require.True(t, b.Accepted)

	_, _ = s.Cancel(ctx, a.Task.ID)
	_, _ = s.Cancel(ctx, b.Task.ID)
}

// TestStream_ProgressIsMonotonicAndTerminates checks that progress values
// observed on a running task's stream never decrease, that a terminal frame
// reports completed, and that the stream closes with progress at 100.
func TestStream_ProgressIsMonotonicAndTerminates(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	// Tiny stage duration so the 8-stage walk finishes almost instantly.
	s := scheduler.New(db, nil, zap.NewNop(), scheduler.WithBaseStageSeconds(1), scheduler.WithMinDuration(1), scheduler.WithMultipliers(map[scheduler.Tier]int{
		scheduler.TierStandard: 100,
	}))
	ctx := context.Background()

	result, err := s.Submit(ctx, scheduler.SubmitInput{
		TenantID: uuid.New(), UserID: uuid.New(), SessionKey: "sess-stream",
		OperationType: "analyze", ComplexityScore: 1, Tier: scheduler.TierStandard,
	})
	require.NoError(t, err)
	require.True(t, result.Accepted)

	ch, err := s.Stream(ctx, result.Task.ID)
	require.NoError(t, err)

	last := -1
	done := false
	deadline := time.After(10 * time.Second)
	for !done {
		select {
		case frame, ok := <-ch:
			if !ok {
				done = true
				break
			}
			require.GreaterOrEqual(t, frame.Progress, last)
			last = frame.Progress
			if frame.Type == "task_completed" {
				require.Equal(t, scheduler.StatusCompleted, frame.Status)
			}
		case <-deadline:
			t.Fatal("timed out waiting for task completion stream")
		}
	}
	require.Equal(t, 100, last)
}

// TestAnalytics_CountsByTierAndStatus seeds rows directly (bypassing Submit's
// goroutine-driven run loop, which would race with a read taken mid-flight)
// and checks Analytics aggregates them correctly.
func TestAnalytics_CountsByTierAndStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	s := scheduler.New(db, nil, zap.NewNop())
	ctx := context.Background()

	seed := func(tier scheduler.Tier, status scheduler.Status, estimated, optimized int) {
		task := &scheduler.ProcessingTask{
			TenantID: uuid.New(), UserID: uuid.New(), SessionKey: uuid.NewString(),
			OperationType: "analyze", Tier: tier, ComplexityScore: 5,
			EstimatedDuration: estimated, OptimizedDuration: optimized,
			Status: status, CreatedAt2: time.Now().UTC(), ProgressLogJSON: "[]",
		}
		require.NoError(t, db.WithContext(ctx).Create(task).Error)
	}

	seed(scheduler.TierStandard, scheduler.StatusQueued, 100, 100)
	seed(scheduler.TierStandard, scheduler.StatusQueued, 100, 100)
	seed(scheduler.TierPremium, scheduler.StatusProcessing, 100, 20)
	seed(scheduler.TierStandard, scheduler.StatusCompleted, 100, 20)
	seed(scheduler.TierStandard, scheduler.StatusCompleted, 200, 100)
	seed(scheduler.TierPremium, scheduler.StatusFailed, 100, 100)

	stats, err := s.Analytics(ctx)
	require.NoError(t, err)

	require.Equal(t, int64(2), stats.QueuedByTier[scheduler.TierStandard])
	require.Equal(t, int64(1), stats.ProcessingByTier[scheduler.TierPremium])
	require.Equal(t, int64(2), stats.CompletedTotal)
	require.Equal(t, int64(1), stats.FailedTotal)
	// (20/100 + 100/200) / 2 == 0.35
	require.InDelta(t, 0.35, stats.AvgSpeedupRatio, 0.001)
}
