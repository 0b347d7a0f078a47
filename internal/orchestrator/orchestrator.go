// Package orchestrator admits pending tasks under a concurrency budget,
// reaps stale executions and exposes task submission and cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/config"
	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/fawad-mazhar/ingestd/internal/queue"
	"github.com/fawad-mazhar/ingestd/internal/runner"
	"github.com/fawad-mazhar/ingestd/internal/storage"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidTask  = errors.New("invalid task")
	ErrTaskExists   = errors.New("task already exists")
	ErrTaskFinished = errors.New("task already finished")
)

// errReaped cancels a local execution whose task the reaper has failed.
var errReaped = errors.New("task reaped after stale heartbeat")

type Orchestrator struct {
	id        string
	cfg       config.SchedulerConfig
	schedules []config.ScheduleConfig
	store     storage.TaskStore
	runner    *runner.Runner
	publisher queue.Publisher
	log       zerolog.Logger

	workerPool chan struct{}
	workers    sync.WaitGroup
	loops      sync.WaitGroup

	// active is a local accounting cache of dispatched executions; the
	// store remains authoritative for task status.
	mu     sync.Mutex
	active map[string]context.CancelCauseFunc

	execCtx    context.Context
	execCancel context.CancelCauseFunc
	stopChan   chan struct{}
	wake       chan struct{}
	cron       *cron.Cron

	started      bool
	isShutdown   bool
	shutdownLock sync.RWMutex

	now func() time.Time
}

func New(cfg config.SchedulerConfig, schedules []config.ScheduleConfig, store storage.TaskStore, r *runner.Runner, publisher queue.Publisher, log zerolog.Logger) *Orchestrator {
	if publisher == nil {
		publisher = queue.Nop()
	}
	id := uuid.New().String()
	execCtx, execCancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		id:         id,
		cfg:        cfg,
		schedules:  schedules,
		store:      store,
		runner:     r,
		publisher:  publisher,
		log:        log.With().Str("component", "orchestrator").Str("scheduler_id", id).Logger(),
		workerPool: make(chan struct{}, cfg.MaxConcurrentTasks),
		active:     make(map[string]context.CancelCauseFunc),
		stopChan:   make(chan struct{}),
		wake:       make(chan struct{}, 1),
		execCtx:    execCtx,
		execCancel: execCancel,
		now:        time.Now,
	}
}

func (o *Orchestrator) ID() string { return o.id }

// Start recovers interrupted tasks, registers recurring schedules and starts
// the normal, priority and maintenance loops. It does not block.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.shutdownLock.Lock()
	if o.started || o.isShutdown {
		o.shutdownLock.Unlock()
		return fmt.Errorf("orchestrator %s already started", o.id)
	}
	o.started = true
	o.shutdownLock.Unlock()

	o.log.Info().
		Int("max_concurrent_tasks", o.cfg.MaxConcurrentTasks).
		Dur("check_interval", o.cfg.CheckInterval).
		Dur("priority_check_interval", o.cfg.PriorityCheckInterval).
		Dur("heartbeat_interval", o.cfg.HeartbeatInterval).
		Msg("starting orchestrator")

	// Recovery of tasks left RUNNING by a previous process
	if err := o.recoverInterrupted(ctx); err != nil {
		o.log.Warn().Err(err).Msg("task recovery failed")
	}

	if err := o.startSchedules(); err != nil {
		return err
	}

	o.publishStatus(models.SchedulerStarted, 0)

	o.loops.Add(3)
	go o.loop(o.cfg.CheckInterval, nil, func() { o.poll(false) })
	go o.loop(o.cfg.PriorityCheckInterval, o.wake, func() { o.poll(true) })
	go o.loop(o.cfg.HeartbeatInterval, nil, o.maintain)

	return nil
}

func (o *Orchestrator) loop(interval time.Duration, wake <-chan struct{}, fn func()) {
	defer o.loops.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn()
	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			fn()
		case <-wake:
			fn()
		}
	}
}

func (o *Orchestrator) poll(priorityOnly bool) {
	ctx, cancel := context.WithTimeout(o.execCtx, 30*time.Second)
	defer cancel()

	if _, err := o.Poll(ctx, priorityOnly); err != nil {
		o.log.Error().Err(err).Bool("priority", priorityOnly).Msg("poll failed")
	}
}

func (o *Orchestrator) maintain() {
	ctx, cancel := context.WithTimeout(o.execCtx, 30*time.Second)
	defer cancel()

	n, err := o.Reap(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("stale task sweep failed")
	}
	o.publishStatus(models.SchedulerHealthy, n)
}

// Poll fetches up to the free budget of pending tasks and dispatches each
// one not already active. It returns the number dispatched.
func (o *Orchestrator) Poll(ctx context.Context, priorityOnly bool) (int, error) {
	if o.IsShutdown() {
		return 0, nil
	}
	available := o.cfg.MaxConcurrentTasks - o.ActiveCount()
	if available <= 0 {
		return 0, nil
	}

	tasks, err := o.store.FetchPending(ctx, storage.FetchOptions{
		Limit:        available,
		PriorityOnly: priorityOnly,
		Now:          o.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending tasks: %w", err)
	}

	dispatched := 0
	for _, task := range tasks {
		if o.dispatch(task) {
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatch starts an execution for task unless it is already active here or
// no worker slot is free. It never blocks.
func (o *Orchestrator) dispatch(task *models.Task) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.active[task.ID]; exists {
		return false
	}

	// Try to acquire worker slot
	select {
	case o.workerPool <- struct{}{}:
	default:
		return false
	}

	ctx, cancel := context.WithCancelCause(o.execCtx)
	o.active[task.ID] = cancel
	o.workers.Add(1)
	go o.processTask(ctx, cancel, task)
	return true
}

// processTask claims task and runs it. Losing the claim is a normal outcome
// when several loops or processes fetched the same task.
func (o *Orchestrator) processTask(ctx context.Context, cancel context.CancelCauseFunc, task *models.Task) {
	defer func() {
		cancel(nil)
		o.mu.Lock()
		delete(o.active, task.ID)
		o.mu.Unlock()
		<-o.workerPool // Release worker slot
		o.workers.Done()
	}()

	workerID := o.id[:8] + "-" + uuid.New().String()
	startedAt := o.now()
	progress := 0.0
	claimed, err := o.store.Transition(ctx, task.ID, models.TaskStatusPending, models.TaskStatusRunning, storage.Fields{
		StartedAt: &startedAt,
		WorkerID:  &workerID,
		Progress:  &progress,
	})
	if err != nil {
		o.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to claim task")
		return
	}
	if !claimed {
		o.log.Debug().Str("task_id", task.ID).Msg("claim conflict, dropping duplicate dispatch")
		return
	}

	task.Status = models.TaskStatusRunning
	task.StartedAt = &startedAt
	task.WorkerID = workerID
	o.log.Info().Str("task_id", task.ID).Str("platform", task.Platform).Str("worker_id", workerID).Msg("task claimed")
	o.publishTask(models.TaskEvent{
		TaskID:       task.ID,
		Platform:     task.Platform,
		WorkerID:     workerID,
		Status:       models.TaskStatusRunning,
		CurrentRetry: task.CurrentRetry,
	})

	res := o.runner.Execute(ctx, task, workerID)

	ev := o.log.Info()
	if res.Err != nil {
		ev = o.log.Warn().Err(res.Err)
	}
	ev.Str("task_id", task.ID).
		Str("status", string(res.Status)).
		Int("result_count", res.ResultCount).
		Bool("applied", res.Applied).
		Msg("task execution finished")
}

// Reap fails stale RUNNING tasks and stops local executions among them.
func (o *Orchestrator) Reap(ctx context.Context) (int, error) {
	n, err := o.store.ReapStale(ctx, o.cfg.TaskTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale tasks: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	o.log.Warn().Int("count", n).Msg("reaped stale tasks")

	o.mu.Lock()
	local := make(map[string]context.CancelCauseFunc, len(o.active))
	for id, cancel := range o.active {
		local[id] = cancel
	}
	o.mu.Unlock()

	for id, cancel := range local {
		t, err := o.store.Get(ctx, id)
		if err != nil || t.Status != models.TaskStatusFailed {
			continue
		}
		o.log.Warn().Str("task_id", id).Msg("stopping reaped local execution")
		cancel(errReaped)
		o.publishTask(models.TaskEvent{
			TaskID:       id,
			Platform:     t.Platform,
			WorkerID:     t.WorkerID,
			Status:       models.TaskStatusFailed,
			CurrentRetry: t.CurrentRetry,
			Error:        t.ErrorMessage,
		})
	}
	return n, nil
}

// recoverInterrupted routes tasks left RUNNING by a previous process through
// the retry policy. A single scheduler per store is assumed here.
func (o *Orchestrator) recoverInterrupted(ctx context.Context) error {
	tasks, err := o.store.List(ctx, models.TaskStatusRunning, 0)
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}

	for _, task := range tasks {
		res := o.runner.Fail(ctx, task, &runner.StageError{Kind: runner.KindInterrupted, Err: runner.ErrInterrupted})
		if !res.Applied {
			continue
		}
		o.log.Info().Str("task_id", task.ID).Str("status", string(res.Status)).Msg("recovered interrupted task")
	}
	return nil
}

func (o *Orchestrator) startSchedules() error {
	if len(o.schedules) == 0 {
		return nil
	}

	cronLog := cron.PrintfLogger(&o.log)
	o.cron = cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.SkipIfStillRunning(cronLog)))
	for _, sc := range o.schedules {
		if _, err := o.cron.AddFunc(sc.Cron, func() { o.submitScheduled(sc) }); err != nil {
			return fmt.Errorf("invalid cron %q for schedule %s: %w", sc.Cron, sc.Name, err)
		}
	}
	o.cron.Start()
	o.log.Info().Int("schedules", len(o.schedules)).Msg("recurring schedules registered")
	return nil
}

func (o *Orchestrator) submitScheduled(sc config.ScheduleConfig) {
	ctx, cancel := context.WithTimeout(o.execCtx, 30*time.Second)
	defer cancel()

	task := sc.Task.Clone()
	task.ID = ""
	if task.Name == "" {
		task.Name = sc.Name
	}
	created, err := o.Submit(ctx, task)
	if err != nil {
		o.log.Error().Err(err).Str("schedule", sc.Name).Msg("scheduled submission failed")
		return
	}
	o.log.Info().Str("schedule", sc.Name).Str("task_id", created.ID).Msg("scheduled task submitted")
}

// Shutdown stops admission and waits up to timeout for running executions.
// Executions still running after that are cancelled and requeued through
// the retry policy.
func (o *Orchestrator) Shutdown(timeout time.Duration) error {
	o.shutdownLock.Lock()
	if o.isShutdown {
		o.shutdownLock.Unlock()
		return nil
	}
	o.isShutdown = true
	started := o.started
	o.shutdownLock.Unlock()

	if !started {
		return nil
	}

	o.publishStatus(models.SchedulerStopping, 0)

	// Signal loops to stop
	close(o.stopChan)
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
	o.loops.Wait()

	// Wait for ongoing executions with timeout
	done := make(chan struct{})
	go func() {
		o.workers.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
	case <-time.After(timeout):
		o.log.Warn().Int("active", o.ActiveCount()).Msg("shutdown timeout reached, interrupting executions")
		o.execCancel(runner.ErrShutdown)
		select {
		case <-done:
		case <-time.After(timeout):
			shutdownErr = fmt.Errorf("shutdown timed out after %v", 2*timeout)
		}
	}
	o.execCancel(runner.ErrShutdown)

	o.publishStatus(models.SchedulerStopped, 0)
	return shutdownErr
}

// IsShutdown returns the current shutdown status
func (o *Orchestrator) IsShutdown() bool {
	o.shutdownLock.RLock()
	defer o.shutdownLock.RUnlock()
	return o.isShutdown
}

// Running reports whether the loops are admitting work.
func (o *Orchestrator) Running() bool {
	o.shutdownLock.RLock()
	defer o.shutdownLock.RUnlock()
	return o.started && !o.isShutdown
}

// ActiveCount is the number of executions dispatched by this process.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) publishStatus(event models.SchedulerEventType, reaped int) {
	now := o.now()
	status := &models.SchedulerStatus{
		ID:            o.id,
		Event:         event,
		Timestamp:     now,
		MaxConcurrent: o.cfg.MaxConcurrentTasks,
		ActiveTasks:   o.ActiveCount(),
		Reaped:        reaped,
	}
	o.publish(&models.StatusMessage{
		Type:      "scheduler",
		ID:        o.id,
		Status:    string(event),
		Timestamp: now,
		Metadata:  status,
	})
}

func (o *Orchestrator) publishTask(ev models.TaskEvent) {
	o.publish(models.NewTaskMessage(ev))
}

func (o *Orchestrator) publish(msg *models.StatusMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.publisher.PublishStatus(ctx, msg); err != nil {
		o.log.Warn().Err(err).Str("type", msg.Type).Str("status", msg.Status).Msg("failed to publish status")
	}
}
