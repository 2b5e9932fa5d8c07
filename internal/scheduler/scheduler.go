// Package scheduler implements the task scheduler / performance optimizer:
// admission control, per-session serialization, tier-weighted concurrency,
// and a streamed progress model. Scheduler state is GORM-backed so it
// survives process restarts rather than living only in memory.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmcore/llmcore/internal/lock"
	"github.com/llmcore/llmcore/internal/models"
)

// Tier is the resource class a task is submitted under.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierPriority   Tier = "priority"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// parallelSessionTiers may run more than one task per session concurrently.
var parallelSessionTiers = map[Tier]bool{TierPremium: true, TierEnterprise: true}

// Status is the lifecycle state of a ProcessingTask.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ProgressEntry is one element of a task's append-only progress log.
type ProgressEntry struct {
	Timestamp time.Time `json:"ts"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
}

// ProcessingTask is GORM-backed so state survives restarts.
type ProcessingTask struct {
	models.BaseModel

	TenantID           uuid.UUID `gorm:"type:uuid;index:idx_task_session,priority:1;not null"`
	UserID             uuid.UUID `gorm:"type:uuid;not null"`
	SessionKey         string    `gorm:"index:idx_task_session,priority:2;not null"`
	OperationType      string    `gorm:"not null"`
	Tier               Tier      `gorm:"not null"`
	ComplexityScore    int       `gorm:"not null"`
	EstimatedDuration  int       `gorm:"not null"`
	OptimizedDuration  int       `gorm:"not null"`
	Status             Status    `gorm:"index;not null"`
	Progress           int       `gorm:"not null;default:0"`
	CurrentStage       string    `gorm:"not null;default:''"`
	FailureMessage     string    `gorm:"not null;default:''"`
	CreatedAt2         time.Time `gorm:"column:task_created_at;not null"`
	StartedAt          *time.Time
	CompletedAt        *time.Time

	ProgressLogJSON string `gorm:"column:progress_log;type:jsonb;not null;default:'[]'"`
}

func (ProcessingTask) TableName() string { return "processing_tasks" }

// stages is the fixed ordered list the scheduler walks per task.
var stages = []string{
	"initializing",
	"validating_input",
	"analyzing",
	"planning",
	"processing",
	"optimizing",
	"finalizing",
	"completed",
}

const baseStageSecondsDefault = 15
const minDurationFloor = 20

var defaultMultipliers = map[Tier]int{
	TierStandard:   1,
	TierPriority:   3,
	TierPremium:    5,
	TierEnterprise: 10,
}

// ProgressFrame is the wire shape yielded by Stream.
type ProgressFrame struct {
	Type                string  `json:"type"`
	TaskID              uuid.UUID `json:"task_id"`
	Status              Status  `json:"status"`
	Progress            int     `json:"progress"`
	CurrentStage        string  `json:"current_stage"`
	Timestamp           time.Time `json:"timestamp"`
	RemainingSeconds    *int    `json:"remaining_s,omitempty"`
	OptimizedDurationS  *int    `json:"optimized_duration_s,omitempty"`
}

// taskRuntime is the in-memory broadcast state for one running task; it is
// private per-task state, never shared across tasks.
type taskRuntime struct {
	mu        sync.Mutex
	listeners []chan ProgressFrame
	cancelled bool
}

// Scheduler implements Submit/Cancel/Stream.
type Scheduler struct {
	db     *gorm.DB
	locks  *lock.Manager
	logger *zap.Logger

	baseStageSeconds int
	multipliers      map[Tier]int
	minDuration      int

	mu       sync.Mutex
	slots    map[Tier]chan struct{}
	runtimes map[uuid.UUID]*taskRuntime
}

type Option func(*Scheduler)

func WithBaseStageSeconds(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.baseStageSeconds = n
		}
	}
}

func WithMultipliers(m map[Tier]int) Option {
	return func(s *Scheduler) {
		if len(m) > 0 {
			s.multipliers = m
		}
	}
}

// WithMinDuration overrides the floor sizeDuration clamps optimized
// durations to; tests use this to shrink a run's wall-clock time.
func WithMinDuration(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.minDuration = n
		}
	}
}

// tierSlotBudget bounds how many tasks of a tier run concurrently at once:
// a higher resource multiplier buys more concurrent slots for that tier.
func tierSlotBudget(tier Tier, multiplier int) int {
	budget := multiplier * 2
	if budget < 2 {
		budget = 2
	}
	return budget
}

func New(db *gorm.DB, locks *lock.Manager, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		db:               db,
		locks:            locks,
		logger:           logger,
		baseStageSeconds: baseStageSecondsDefault,
		multipliers:      defaultMultipliers,
		minDuration:      minDurationFloor,
		slots:            make(map[Tier]chan struct{}),
		runtimes:         make(map[uuid.UUID]*taskRuntime),
	}
	for _, opt := range opts {
		opt(s)
	}
	for tier, mult := range s.multipliers {
		s.slots[tier] = make(chan struct{}, tierSlotBudget(tier, mult))
	}
	return s
}

// Analytics is the read-only queue-health rollup: per-tier counts plus the
// average speedup the optimizer is actually delivering.
type Analytics struct {
	QueuedByTier     map[Tier]int64
	ProcessingByTier map[Tier]int64
	CompletedTotal   int64
	FailedTotal      int64
	AvgSpeedupRatio  float64
}

// Analytics aggregates ProcessingTask rows into a snapshot an operator or
// dashboard can poll; it never touches in-memory runtime state so it's safe
// to call from any process with DB access, not just the one running tasks.
func (s *Scheduler) Analytics(ctx context.Context) (Analytics, error) {
	out := Analytics{QueuedByTier: map[Tier]int64{}, ProcessingByTier: map[Tier]int64{}}

	type tierCount struct {
		Tier  Tier
		Count int64
	}

	for _, st := range []struct {
		status Status
		dest   map[Tier]int64
	}{
		{StatusQueued, out.QueuedByTier},
		{StatusProcessing, out.ProcessingByTier},
	} {
		var rows []tierCount
		if err := s.db.WithContext(ctx).Model(&ProcessingTask{}).
			Select("tier, count(*) as count").
			Where("status = ?", st.status).
			Group("tier").
			Scan(&rows).Error; err != nil {
			return Analytics{}, fmt.Errorf("scheduler: analytics %s: %w", st.status, err)
		}
		for _, r := range rows {
			st.dest[r.Tier] = r.Count
		}
	}

	if err := s.db.WithContext(ctx).Model(&ProcessingTask{}).Where("status = ?", StatusCompleted).Count(&out.CompletedTotal).Error; err != nil {
		return Analytics{}, fmt.Errorf("scheduler: analytics completed count: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&ProcessingTask{}).Where("status = ?", StatusFailed).Count(&out.FailedTotal).Error; err != nil {
		return Analytics{}, fmt.Errorf("scheduler: analytics failed count: %w", err)
	}

	var avg struct{ Ratio float64 }
	err := s.db.WithContext(ctx).Model(&ProcessingTask{}).
		Select("avg(optimized_duration::float / nullif(estimated_duration, 0)) as ratio").
		Where("status = ? AND estimated_duration > 0", StatusCompleted).
		Scan(&avg).Error
	if err != nil {
		return Analytics{}, fmt.Errorf("scheduler: analytics speedup: %w", err)
	}
	out.AvgSpeedupRatio = avg.Ratio

	return out, nil
}

func sessionLockKey(tenantID uuid.UUID, sessionKey string) string {
	return fmt.Sprintf("scheduler:session:%s:%s", tenantID.String(), sessionKey)
}

// SubmitInput bundles the Submit arguments.
type SubmitInput struct {
	TenantID        uuid.UUID
	UserID          uuid.UUID
	SessionKey      string
	OperationType   string
	ComplexityScore int
	Tier            Tier
	Metadata        map[string]any
}

// SubmitResult reports whether a submission was accepted, and if not why.
type SubmitResult struct {
	Accepted bool
	Task     *ProcessingTask
	Reason   string
}

func (s *Scheduler) sizeDuration(complexity int, tier Tier) (estimated, optimized int) {
	estimated = complexity * s.baseStageSeconds
	mult := s.multipliers[tier]
	if mult <= 0 {
		mult = 1
	}
	optimized = estimated / mult
	if optimized < s.minDuration {
		optimized = s.minDuration
	}
	return estimated, optimized
}

// Submit implements admission control plus duration sizing.
func (s *Scheduler) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if !parallelSessionTiers[in.Tier] {
		var count int64
		err := s.db.WithContext(ctx).Model(&ProcessingTask{}).
			Where("tenant_id = ? AND session_key = ? AND status IN ?", in.TenantID, in.SessionKey, []Status{StatusQueued, StatusProcessing}).
			Count(&count).Error
		if err != nil {
			return SubmitResult{}, fmt.Errorf("scheduler: admission check: %w", err)
		}
		if count > 0 {
			return SubmitResult{Accepted: false, Reason: "session_busy"}, nil
		}
	}

	estimated, optimized := s.sizeDuration(in.ComplexityScore, in.Tier)

	task := &ProcessingTask{
		TenantID:          in.TenantID,
		UserID:            in.UserID,
		SessionKey:        in.SessionKey,
		OperationType:     in.OperationType,
		Tier:              in.Tier,
		ComplexityScore:   in.ComplexityScore,
		EstimatedDuration: estimated,
		OptimizedDuration: optimized,
		Status:            StatusQueued,
		CreatedAt2:        time.Now().UTC(),
		ProgressLogJSON:   "[]",
	}

	createTask := func() error {
		return s.db.WithContext(ctx).Create(task).Error
	}

	var err error
	if s.locks != nil && !parallelSessionTiers[in.Tier] {
		err = s.locks.WithLockRetry(ctx, sessionLockKey(in.TenantID, in.SessionKey), 10*time.Second, 2*time.Second, createTask)
	} else {
		err = createTask()
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("scheduler: submit: %w", err)
	}

	s.mu.Lock()
	s.runtimes[task.ID] = &taskRuntime{}
	s.mu.Unlock()

	go s.run(context.Background(), task)

	return SubmitResult{Accepted: true, Task: task}, nil
}
