package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sleeper lets tests swap in a fast fake clock without changing the stage
// walk's structure.
var sleeper = time.Sleep

func (s *Scheduler) acquireSlot(ctx context.Context, tier Tier) func() {
	ch, ok := s.slots[tier]
	if !ok {
		return func() {}
	}
	select {
	case ch <- struct{}{}:
		return func() { <-ch }
	case <-ctx.Done():
		return func() {}
	}
}

func (s *Scheduler) runtimeFor(taskID uuid.UUID) *taskRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[taskID]
	if !ok {
		rt = &taskRuntime{}
		s.runtimes[taskID] = rt
	}
	return rt
}

func (rt *taskRuntime) broadcast(frame ProgressFrame) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, ch := range rt.listeners {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (rt *taskRuntime) isCancelled() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cancelled
}

func (rt *taskRuntime) closeListeners() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, ch := range rt.listeners {
		close(ch)
	}
	rt.listeners = nil
}

// run walks the fixed stage list for task, persisting progress after each
// stage and broadcasting frames to any active Stream callers.
func (s *Scheduler) run(ctx context.Context, task *ProcessingTask) {
	release := s.acquireSlot(ctx, task.Tier)
	defer release()

	rt := s.runtimeFor(task.ID)

	now := time.Now().UTC()
	task.Status = StatusProcessing
	task.StartedAt = &now
	if err := s.db.WithContext(ctx).Model(task).Updates(map[string]any{
		"status":     StatusProcessing,
		"started_at": now,
	}).Error; err != nil {
		s.logger.Error("scheduler: failed to mark task processing", zap.Error(err))
	}

	n := len(stages)
	stageDuration := time.Duration(task.OptimizedDuration) * time.Second / time.Duration(n)

	var log []ProgressEntry

	for i, stage := range stages {
		if rt.isCancelled() {
			s.finish(ctx, task, StatusCancelled, task.Progress, task.CurrentStage, log, "")
			rt.broadcast(ProgressFrame{Type: "task_completed", TaskID: task.ID, Status: StatusCancelled, Progress: task.Progress, CurrentStage: task.CurrentStage, Timestamp: time.Now().UTC()})
			rt.closeListeners()
			return
		}

		sleeper(stageDuration)

		progress := (i + 1) * 100 / n
		ts := time.Now().UTC()
		log = append(log, ProgressEntry{Timestamp: ts, Stage: stage, Progress: progress})

		task.Progress = progress
		task.CurrentStage = stage

		remaining := int(stageDuration.Seconds()) * (n - i - 1)
		s.persistProgress(ctx, task, log)

		rt.broadcast(ProgressFrame{
			Type:             "progress_update",
			TaskID:           task.ID,
			Status:           StatusProcessing,
			Progress:         progress,
			CurrentStage:     stage,
			Timestamp:        ts,
			RemainingSeconds: &remaining,
		})
	}

	if rt.isCancelled() {
		s.finish(ctx, task, StatusCancelled, task.Progress, task.CurrentStage, log, "")
		rt.broadcast(ProgressFrame{Type: "task_completed", TaskID: task.ID, Status: StatusCancelled, Progress: task.Progress, CurrentStage: task.CurrentStage, Timestamp: time.Now().UTC()})
		rt.closeListeners()
		return
	}

	s.finish(ctx, task, StatusCompleted, 100, "completed", log, "")
	rt.broadcast(ProgressFrame{Type: "task_completed", TaskID: task.ID, Status: StatusCompleted, Progress: 100, CurrentStage: "completed", Timestamp: time.Now().UTC()})
	rt.closeListeners()
}

func (s *Scheduler) persistProgress(ctx context.Context, task *ProcessingTask, log []ProgressEntry) {
	raw, err := json.Marshal(log)
	if err != nil {
		s.logger.Error("scheduler: failed to marshal progress log", zap.Error(err))
		return
	}
	if err := s.db.WithContext(ctx).Model(task).Updates(map[string]any{
		"progress":      task.Progress,
		"current_stage": task.CurrentStage,
		"progress_log":  string(raw),
	}).Error; err != nil {
		s.logger.Error("scheduler: failed to persist progress", zap.Error(err))
	}
}

func (s *Scheduler) finish(ctx context.Context, task *ProcessingTask, status Status, progress int, stage string, log []ProgressEntry, failureMsg string) {
	raw, _ := json.Marshal(log)
	now := time.Now().UTC()
	updates := map[string]any{
		"status":        status,
		"progress":      progress,
		"current_stage": stage,
		"progress_log":  string(raw),
	}
	if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
		updates["completed_at"] = now
	}
	if failureMsg != "" {
		updates["failure_message"] = failureMsg
	}
	if err := s.db.WithContext(ctx).Model(task).Updates(updates).Error; err != nil {
		s.logger.Error("scheduler: failed to finalize task", zap.Error(err))
	}
	task.Status = status
	task.Progress = progress
	task.CurrentStage = stage
	task.CompletedAt = &now
}

// Cancel flags a task that isn't already terminal for cancellation; the run
// loop then sets status=cancelled once the in-flight stage finishes, and no
// further stage executes.
func (s *Scheduler) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	var task ProcessingTask
	if err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		return false, err
	}
	if isTerminal(task.Status) {
		return false, nil
	}

	rt := s.runtimeFor(taskID)
	rt.mu.Lock()
	rt.cancelled = true
	rt.mu.Unlock()

	return true, nil
}

// Stream yields every progress update for taskID until it reaches a
// terminal status, then emits a final frame and closes. Multiple
// concurrent streams of the same task see the same sequence since each
// gets its own registered channel fed from the same broadcast.
func (s *Scheduler) Stream(ctx context.Context, taskID uuid.UUID) (<-chan ProgressFrame, error) {
	var task ProcessingTask
	if err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		return nil, err
	}

	out := make(chan ProgressFrame, 16)

	if isTerminal(task.Status) {
		go func() {
			defer close(out)
			out <- ProgressFrame{Type: "task_completed", TaskID: task.ID, Status: task.Status, Progress: task.Progress, CurrentStage: task.CurrentStage, Timestamp: time.Now().UTC()}
		}()
		return out, nil
	}

	rt := s.runtimeFor(taskID)
	rt.mu.Lock()
	rt.listeners = append(rt.listeners, out)
	rt.mu.Unlock()

	return out, nil
}
