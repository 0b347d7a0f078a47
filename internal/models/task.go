package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition can leave the status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// allowedTransitions is the task lifecycle. Terminal states have no outgoing edges.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusPending, TaskStatusFailed, TaskStatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskType selects the collection mode of a task
type TaskType string

const (
	TaskTypeSearch  TaskType = "search"
	TaskTypeMonitor TaskType = "monitor"
)

const (
	// UrgentPriority is the highest numeric priority admitted by the priority loop.
	UrgentPriority = 3

	MinPriority = 1
	MaxPriority = 10

	DefaultPriority     = 5
	DefaultRetryCount   = 3
	DefaultSearchLimit  = 100
	DefaultMonitorLimit = 50
)

// SearchOptions tunes a collection run
type SearchOptions struct {
	Limit   int                    `json:"limit" yaml:"limit"`
	Since   string                 `json:"since,omitempty" yaml:"since"`
	Until   string                 `json:"until,omitempty" yaml:"until"`
	SortBy  string                 `json:"sortBy,omitempty" yaml:"sortBy"`
	Filters map[string]interface{} `json:"filters,omitempty" yaml:"filters"`
}

// Task is a unit of schedulable collection work and its persisted runtime state
type Task struct {
	ID        string        `json:"taskId" yaml:"taskId"`
	Name      string        `json:"name" yaml:"name"`
	Platform  string        `json:"platform" yaml:"platform"`
	TaskType  TaskType      `json:"taskType" yaml:"taskType"`
	Keywords  []string      `json:"keywords,omitempty" yaml:"keywords"`
	Accounts  []string      `json:"accounts,omitempty" yaml:"accounts"`
	Options   SearchOptions `json:"options" yaml:"options"`
	Storage   string        `json:"storage,omitempty" yaml:"storage"`
	Priority  int           `json:"priority" yaml:"priority"`
	Immediate bool          `json:"immediate" yaml:"immediate"`

	Status       TaskStatus `json:"status" yaml:"-"`
	RetryCount   int        `json:"retryCount" yaml:"retryCount"`
	CurrentRetry int        `json:"currentRetry" yaml:"-"`
	Timeout      int        `json:"timeout" yaml:"timeout"` // seconds

	CreatedAt     time.Time  `json:"createdAt" yaml:"-"`
	UpdatedAt     time.Time  `json:"updatedAt" yaml:"-"`
	StartedAt     *time.Time `json:"startedAt,omitempty" yaml:"-"`
	CompletedAt   *time.Time `json:"completedAt,omitempty" yaml:"-"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty" yaml:"-"`
	NotBefore     *time.Time `json:"notBefore,omitempty" yaml:"-"`

	Progress     float64    `json:"progress" yaml:"-"`
	WorkerID     string     `json:"workerId,omitempty" yaml:"-"`
	ErrorMessage string     `json:"errorMessage,omitempty" yaml:"-"`
	ResultCount  int        `json:"resultCount" yaml:"-"`
	Logs         []LogEntry `json:"logs,omitempty" yaml:"-"`
}

// NewTask creates a pending task with default admission and retry settings
func NewTask(name, platform string, taskType TaskType) *Task {
	now := time.Now()
	return &Task{
		ID:         uuid.New().String(),
		Name:       name,
		Platform:   platform,
		TaskType:   taskType,
		Priority:   DefaultPriority,
		Status:     TaskStatusPending,
		RetryCount: DefaultRetryCount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// taskDefaults seeds decoding so that absent fields take their defaults while
// explicit values, including a retryCount of 0, are kept.
type taskDefaults Task

func decodeDefaults() taskDefaults {
	return taskDefaults{Priority: DefaultPriority, RetryCount: DefaultRetryCount}
}

func (t *Task) UnmarshalJSON(data []byte) error {
	d := decodeDefaults()
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	*t = Task(d)
	return nil
}

func (t *Task) UnmarshalYAML(value *yaml.Node) error {
	d := decodeDefaults()
	if err := value.Decode(&d); err != nil {
		return err
	}
	*t = Task(d)
	return nil
}

// IsUrgent reports whether the priority loop may admit the task.
func (t *Task) IsUrgent() bool {
	return t.Immediate || t.Priority <= UrgentPriority
}

// Target is the number of raw items a run tries to collect.
func (t *Task) Target() int {
	if t.Options.Limit > 0 {
		return t.Options.Limit
	}
	if t.TaskType == TaskTypeMonitor {
		return DefaultMonitorLimit
	}
	return DefaultSearchLimit
}

// TimeoutDuration returns the task timeout, or fallback when unset.
func (t *Task) TimeoutDuration(fallback time.Duration) time.Duration {
	if t.Timeout > 0 {
		return time.Duration(t.Timeout) * time.Second
	}
	return fallback
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Keywords = append([]string(nil), t.Keywords...)
	cp.Accounts = append([]string(nil), t.Accounts...)
	cp.Logs = append([]LogEntry(nil), t.Logs...)
	if t.Options.Filters != nil {
		cp.Options.Filters = make(map[string]interface{}, len(t.Options.Filters))
		for k, v := range t.Options.Filters {
			cp.Options.Filters[k] = v
		}
	}
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.LastHeartbeat = cloneTime(t.LastHeartbeat)
	cp.NotBefore = cloneTime(t.NotBefore)
	return &cp
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// ClampProgress bounds a progress value to [0,1].
func ClampProgress(p float64) float64 {
	if p != p || p < 0 { // NaN counts as no progress
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// ClampPriority bounds a priority to the admissible range.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
