// Package tasklog batches diagnostic entries for one task execution and
// appends them to the task's durable log.
package tasklog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/rs/zerolog"
)

// Sink is the durable side of the logger; entries are appended, never replaced.
type Sink interface {
	AppendLogs(ctx context.Context, taskID string, entries []models.LogEntry) error
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// maxBacklogBatches bounds how many batches are kept while the sink is failing.
const maxBacklogBatches = 10

// Logger is safe for concurrent use. Entries keep their write order in the
// store. Close must be called to write out the tail.
type Logger struct {
	sink     Sink
	taskID   string
	workerID string
	cfg      Config
	console  zerolog.Logger
	ctx      context.Context

	mu      sync.Mutex
	pending []models.LogEntry
	timer   *time.Timer
	closed  bool
	dropped int

	// flushMu serializes writes to the sink so batches land in order.
	flushMu sync.Mutex
}

// New builds a logger for one execution. ctx carries values only; its
// cancellation does not stop flushing.
func New(ctx context.Context, sink Sink, taskID, workerID string, cfg Config, console zerolog.Logger) *Logger {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Logger{
		sink:     sink,
		taskID:   taskID,
		workerID: workerID,
		cfg:      cfg,
		console:  console.With().Str("task_id", taskID).Str("worker_id", workerID).Logger(),
		ctx:      context.WithoutCancel(ctx),
	}
}

func (l *Logger) Debug(format string, args ...any) { l.Log(models.LogLevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.Log(models.LogLevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.Log(models.LogLevelWarning, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.Log(models.LogLevelError, format, args...) }

// Log queues an entry and mirrors it to the console. Reaching the batch
// size flushes synchronously.
func (l *Logger) Log(level models.LogLevel, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	entry := models.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		WorkerID:  l.workerID,
	}
	l.mirror(entry)

	l.mu.Lock()
	l.pending = append(l.pending, entry)
	full := len(l.pending) >= l.cfg.BatchSize || l.closed
	if !full && l.timer == nil {
		l.timer = time.AfterFunc(l.cfg.FlushInterval, func() { l.Flush() })
	}
	l.mu.Unlock()

	if full {
		l.Flush()
	}
}

// Flush writes every queued entry. A failed write puts the batch back at
// the front of the queue; the error is reported to the console only.
func (l *Logger) Flush() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := l.sink.AppendLogs(l.ctx, l.taskID, batch)
	if err == nil {
		return nil
	}

	l.console.Warn().Err(err).Int("entries", len(batch)).Msg("task log flush failed")

	l.mu.Lock()
	l.pending = append(batch, l.pending...)
	if limit := l.cfg.BatchSize * maxBacklogBatches; len(l.pending) > limit {
		drop := len(l.pending) - limit
		l.dropped += drop
		l.pending = l.pending[drop:]
	}
	if !l.closed && l.timer == nil {
		l.timer = time.AfterFunc(l.cfg.FlushInterval, func() { l.Flush() })
	}
	l.mu.Unlock()
	return err
}

// Close flushes the remaining entries. Entries logged afterwards are
// written immediately.
func (l *Logger) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	err := l.Flush()

	l.mu.Lock()
	dropped := l.dropped
	l.mu.Unlock()
	if dropped > 0 {
		l.console.Error().Int("dropped", dropped).Msg("task log entries dropped after repeated flush failures")
	}
	return err
}

func (l *Logger) mirror(e models.LogEntry) {
	var ev *zerolog.Event
	switch e.Level {
	case models.LogLevelDebug:
		ev = l.console.Debug()
	case models.LogLevelWarning:
		ev = l.console.Warn()
	case models.LogLevelError:
		ev = l.console.Error()
	default:
		ev = l.console.Info()
	}
	ev.Msg(e.Message)
}
