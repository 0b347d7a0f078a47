// Package storage defines the durable task store used by the scheduler.
//
// The store is the single source of truth for task state. Every status change
// goes through Transition, which is a compare-and-swap on the current status:
// it applies only when the stored status still equals the expected one.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrClaimConflict reports that a conditional transition lost a race.
	ErrClaimConflict = errors.New("task status changed concurrently")
)

// FetchOptions narrows a pending-task query
type FetchOptions struct {
	Limit int
	// PriorityOnly keeps tasks with priority <= models.UrgentPriority or immediate set.
	PriorityOnly bool
	// Now gates retry backoff: tasks whose NotBefore is after Now are skipped.
	Now time.Time
}

// Fields carries the optional columns written alongside a status transition.
// Nil pointers leave the stored value untouched.
type Fields struct {
	StartedAt      *time.Time
	CompletedAt    *time.Time
	WorkerID       *string
	ErrorMessage   *string
	ResultCount    *int
	CurrentRetry   *int
	Progress       *float64
	NotBefore      *time.Time
	ClearNotBefore bool
}

// TaskStore is the persistence contract of the scheduling core
type TaskStore interface {
	// FetchPending returns claimable snapshots ordered immediate desc, priority asc, created_at asc.
	FetchPending(ctx context.Context, opts FetchOptions) ([]*models.Task, error)
	// Transition atomically moves a task from expected to next. It returns false
	// without error when the current status is not expected or the edge is illegal.
	Transition(ctx context.Context, taskID string, expected, next models.TaskStatus, fields Fields) (bool, error)
	AppendLogs(ctx context.Context, taskID string, entries []models.LogEntry) error
	// UpdateHeartbeat stamps last_heartbeat and stores the clamped progress of a RUNNING task.
	UpdateHeartbeat(ctx context.Context, taskID string, progress float64) error
	// ReapStale fails RUNNING tasks silent for longer than their timeout
	// (defaultTimeout when the task has none) and returns how many it changed.
	ReapStale(ctx context.Context, defaultTimeout time.Duration) (int, error)

	// Create inserts a new task. It returns false, leaving the stored task
	// untouched, when the ID already exists.
	Create(ctx context.Context, task *models.Task) (bool, error)
	Upsert(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, taskID string) (*models.Task, error)
	List(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	StatsByStatus(ctx context.Context) (map[models.TaskStatus]int, error)
	StatsByPlatform(ctx context.Context) (map[string]int, error)
	Close() error
}

// StaleThreshold is the silence window after which a RUNNING task is reaped.
// The window is counted in whole minutes, never below one.
func StaleThreshold(task *models.Task, defaultTimeout time.Duration) time.Duration {
	minutes := int(task.TimeoutDuration(defaultTimeout) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return time.Duration(minutes) * time.Minute
}

// StaleMessage is the error recorded on reaped tasks.
func StaleMessage(threshold time.Duration) string {
	return fmt.Sprintf("stale heartbeat: task timed out after %d minutes without a heartbeat", int(threshold/time.Minute))
}
