package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/fawad-mazhar/ingestd/internal/runner"
	"github.com/fawad-mazhar/ingestd/internal/storage"
	"github.com/google/uuid"
)

// Submit validates a task, fills in defaults and stores it PENDING. RetryCount
// is kept as given, so 0 disables retries; decoded tasks and NewTask start
// from models.DefaultRetryCount.
func (o *Orchestrator) Submit(ctx context.Context, task *models.Task) (*models.Task, error) {
	t := task.Clone()
	if err := o.prepare(t); err != nil {
		return nil, err
	}

	created, err := o.store.Create(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("failed to store task: %w", err)
	}
	if !created {
		return nil, fmt.Errorf("%s: %w", t.ID, ErrTaskExists)
	}

	o.log.Info().
		Str("task_id", t.ID).
		Str("platform", t.Platform).
		Str("type", string(t.TaskType)).
		Int("priority", t.Priority).
		Bool("immediate", t.Immediate).
		Msg("task submitted")
	o.publishTask(models.TaskEvent{TaskID: t.ID, Platform: t.Platform, Status: models.TaskStatusPending})

	// Urgent work does not wait for the next priority tick
	if t.IsUrgent() {
		select {
		case o.wake <- struct{}{}:
		default:
		}
	}
	return t, nil
}

func (o *Orchestrator) prepare(t *models.Task) error {
	t.Platform = strings.TrimSpace(t.Platform)
	if t.Platform == "" {
		return fmt.Errorf("%w: platform is required", ErrInvalidTask)
	}
	switch t.TaskType {
	case models.TaskTypeSearch:
		if len(t.Keywords) == 0 {
			return fmt.Errorf("%w: search tasks need keywords", ErrInvalidTask)
		}
	case models.TaskTypeMonitor:
		if len(t.Accounts) == 0 {
			return fmt.Errorf("%w: monitor tasks need accounts", ErrInvalidTask)
		}
	default:
		return fmt.Errorf("%w: task type must be search or monitor, got %q", ErrInvalidTask, t.TaskType)
	}
	if t.RetryCount < 0 || t.Timeout < 0 || t.Options.Limit < 0 {
		return fmt.Errorf("%w: retryCount, timeout and limit cannot be negative", ErrInvalidTask)
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Name == "" {
		t.Name = t.Platform + "-" + string(t.TaskType)
	}
	if t.Priority == 0 {
		t.Priority = models.DefaultPriority
	}
	t.Priority = models.ClampPriority(t.Priority)
	if t.Timeout == 0 {
		t.Timeout = int(o.cfg.TaskTimeout.Seconds())
	}
	if t.Options.Limit == 0 {
		t.Options.Limit = t.Target()
	}

	now := o.now()
	t.Status = models.TaskStatusPending
	t.CurrentRetry = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	t.StartedAt = nil
	t.CompletedAt = nil
	t.LastHeartbeat = nil
	t.NotBefore = nil
	t.Progress = 0
	t.WorkerID = ""
	t.ErrorMessage = ""
	t.ResultCount = 0
	t.Logs = nil
	return nil
}

// Cancel stops a task. PENDING tasks are cancelled directly; a RUNNING task
// executing here is signalled and records CANCELLED at its next stage
// boundary. A RUNNING task owned elsewhere is cancelled in the store and its
// owner's final write becomes a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	for attempt := 0; attempt < 3; attempt++ {
		t, err := o.store.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}

		switch t.Status {
		case models.TaskStatusPending:
		case models.TaskStatusRunning:
			o.mu.Lock()
			cancel, local := o.active[taskID]
			o.mu.Unlock()
			if local {
				cancel(runner.ErrCancelled)
				o.log.Info().Str("task_id", taskID).Msg("cancellation signalled to running task")
				return t, nil
			}
		default:
			return t, fmt.Errorf("%s is %s: %w", taskID, t.Status, ErrTaskFinished)
		}

		now := o.now()
		msg := runner.ErrCancelled.Error()
		ok, err := o.store.Transition(ctx, taskID, t.Status, models.TaskStatusCancelled, storage.Fields{
			CompletedAt:  &now,
			ErrorMessage: &msg,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to cancel task %s: %w", taskID, err)
		}
		if !ok {
			// status moved underneath us; look again
			continue
		}

		o.log.Info().Str("task_id", taskID).Str("from", string(t.Status)).Msg("task cancelled")
		o.publishTask(models.TaskEvent{
			TaskID:       taskID,
			Platform:     t.Platform,
			WorkerID:     t.WorkerID,
			Status:       models.TaskStatusCancelled,
			CurrentRetry: t.CurrentRetry,
		})
		return o.store.Get(ctx, taskID)
	}
	return nil, fmt.Errorf("cancel %s: %w", taskID, storage.ErrClaimConflict)
}

func (o *Orchestrator) Get(ctx context.Context, taskID string) (*models.Task, error) {
	return o.store.Get(ctx, taskID)
}

func (o *Orchestrator) List(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTask, status)
	}
	return o.store.List(ctx, status, limit)
}

// Stats aggregates store counts with the local scheduler state.
func (o *Orchestrator) Stats(ctx context.Context) (*models.Stats, error) {
	byStatus, err := o.store.StatsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	byPlatform, err := o.store.StatsByPlatform(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by platform: %w", err)
	}

	total := 0
	for _, n := range byStatus {
		total += n
	}
	return &models.Stats{
		Total:         total,
		ByStatus:      byStatus,
		ByPlatform:    byPlatform,
		Running:       o.Running(),
		ActiveTasks:   o.ActiveCount(),
		MaxConcurrent: o.cfg.MaxConcurrentTasks,
		UpdatedAt:     o.now(),
	}, nil
}
