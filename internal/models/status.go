package models

import (
	"time"
)

// StatusMessage represents a status update message for tasks and the scheduler
type StatusMessage struct {
	Type      string      `json:"type"`      // "scheduler" or "task"
	ID        string      `json:"id"`        // unique identifier of the entity (scheduler/task id)
	Status    string      `json:"status"`    // current status of the entity
	Timestamp time.Time   `json:"timestamp"` // when the status was updated
	Metadata  interface{} `json:"metadata"`  // additional entity-specific information
}

type SchedulerEventType string

const (
	SchedulerStarted  SchedulerEventType = "STARTED"
	SchedulerStopping SchedulerEventType = "STOPPING"
	SchedulerStopped  SchedulerEventType = "STOPPED"
	SchedulerHealthy  SchedulerEventType = "HEALTHY"
)

type SchedulerStatus struct {
	ID            string             `json:"id"`
	Event         SchedulerEventType `json:"event"`
	Timestamp     time.Time          `json:"timestamp"`
	MaxConcurrent int                `json:"maxConcurrent"`
	ActiveTasks   int                `json:"activeTasks"`
	Reaped        int                `json:"reaped,omitempty"`
}

// TaskEvent is attached to task status messages.
type TaskEvent struct {
	TaskID       string     `json:"taskId"`
	Platform     string     `json:"platform"`
	WorkerID     string     `json:"workerId,omitempty"`
	Status       TaskStatus `json:"status"`
	CurrentRetry int        `json:"currentRetry"`
	ResultCount  int        `json:"resultCount,omitempty"`
	Error        string     `json:"error,omitempty"`
	NotBefore    *time.Time `json:"notBefore,omitempty"`
}

// NewTaskMessage wraps a task event in a status message.
func NewTaskMessage(ev TaskEvent) *StatusMessage {
	return &StatusMessage{
		Type:      "task",
		ID:        ev.TaskID,
		Status:    string(ev.Status),
		Timestamp: time.Now(),
		Metadata:  ev,
	}
}

// Stats aggregates task counts for observability
type Stats struct {
	Total         int                `json:"total"`
	ByStatus      map[TaskStatus]int `json:"byStatus"`
	ByPlatform    map[string]int     `json:"byPlatform"`
	Running       bool               `json:"schedulerRunning"`
	ActiveTasks   int                `json:"activeTasks"`
	MaxConcurrent int                `json:"maxConcurrentTasks"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}
