package runner

import (
	"errors"
	"fmt"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindAdapterUnavailable Kind = "AdapterUnavailable"
	KindAuthentication     Kind = "AuthenticationFailure"
	KindCollection         Kind = "CollectionError"
	KindExtraction         Kind = "ExtractionError"
	KindStorage            Kind = "StorageFailure"
	KindInvalidTask        Kind = "InvalidTask"
	KindCancelled          Kind = "Cancelled"
	KindDeadline           Kind = "DeadlineExceeded"
	KindInterrupted        Kind = "Interrupted"
)

var (
	// ErrCancelled is the cancellation cause for an externally cancelled task.
	ErrCancelled = errors.New("task cancelled")
	// ErrShutdown is the cancellation cause used when the scheduler stops.
	ErrShutdown = errors.New("scheduler shutting down")
	// ErrDeadline is the cancellation cause when a task outlives its timeout.
	ErrDeadline = errors.New("task exceeded its timeout")
	// ErrInterrupted marks RUNNING tasks found at startup.
	ErrInterrupted = errors.New("interrupted by scheduler restart")
)

// StageError is a typed pipeline failure
type StageError struct {
	Kind Kind
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(kind Kind, err error) error {
	return &StageError{Kind: kind, Err: err}
}

// KindOf returns the failure kind, or "" for untyped errors.
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsRetryable reports whether a failure may be retried. Untyped errors are.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindInvalidTask, KindCancelled:
		return false
	}
	return true
}

const (
	BaseRetryDelay = 60 * time.Second
	MaxRetryDelay  = 300 * time.Second
)

// RetryDelay is min(60s * 2^(attempt-1), 300s) for attempt >= 1.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		return MaxRetryDelay
	}
	d := BaseRetryDelay << (attempt - 1)
	if d > MaxRetryDelay {
		return MaxRetryDelay
	}
	return d
}

// Decision is the outcome of the retry policy for one failure.
type Decision struct {
	Next      models.TaskStatus
	Attempt   int
	Delay     time.Duration
	NotBefore time.Time
	Message   string
}

// Decide applies the retry policy to a failed attempt of task.
func Decide(task *models.Task, err error, now time.Time) Decision {
	if KindOf(err) == KindCancelled {
		return Decision{Next: models.TaskStatusCancelled, Attempt: task.CurrentRetry, Message: err.Error()}
	}

	attempt := task.CurrentRetry + 1
	if IsRetryable(err) && attempt <= task.RetryCount {
		delay := RetryDelay(attempt)
		return Decision{
			Next:      models.TaskStatusPending,
			Attempt:   attempt,
			Delay:     delay,
			NotBefore: now.Add(delay),
			Message:   fmt.Sprintf("retry %d/%d: %v", attempt, task.RetryCount, err),
		}
	}
	return Decision{
		Next:    models.TaskStatusFailed,
		Attempt: attempt,
		Message: err.Error(),
	}
}
