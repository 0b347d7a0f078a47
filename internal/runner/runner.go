// Package runner drives one claimed task through collect, extract and
// persist, and applies the retry policy when an attempt fails.
package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/fawad-mazhar/ingestd/internal/queue"
	"github.com/fawad-mazhar/ingestd/internal/storage"
	"github.com/fawad-mazhar/ingestd/internal/tasklog"
	"github.com/fawad-mazhar/ingestd/internal/worker"
	"github.com/rs/zerolog"
)

type Config struct {
	// TaskTimeout applies to tasks without their own timeout.
	TaskTimeout     time.Duration
	DisableDeadline bool
	HeartbeatRate   time.Duration
	PrimaryStorage  string
	FallbackStorage string
	Logger          tasklog.Config
}

// Result describes how an execution ended.
type Result struct {
	Status      models.TaskStatus
	ResultCount int
	Err         error
	// Applied is false when the store rejected the final transition, e.g.
	// the task had already been reaped.
	Applied bool
}

type Runner struct {
	store     storage.TaskStore
	registry  *worker.Registry
	publisher queue.Publisher
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

func New(store storage.TaskStore, registry *worker.Registry, publisher queue.Publisher, cfg Config, log zerolog.Logger) *Runner {
	if publisher == nil {
		publisher = queue.Nop()
	}
	return &Runner{
		store:     store,
		registry:  registry,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With().Str("component", "runner").Logger(),
		now:       time.Now,
	}
}

// Execute runs a task the caller has already claimed as workerID. Cancelling
// ctx with cause ErrCancelled ends the task CANCELLED; any other cancellation
// is treated as a failed attempt.
func (r *Runner) Execute(ctx context.Context, task *models.Task, workerID string) Result {
	tlog := tasklog.New(ctx, r.store, task.ID, workerID, r.cfg.Logger, r.log)
	defer func() {
		if err := tlog.Close(); err != nil {
			r.log.Warn().Err(err).Str("task_id", task.ID).Msg("final task log flush failed")
		}
	}()

	execCtx := ctx
	if !r.cfg.DisableDeadline {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeoutCause(ctx, task.TimeoutDuration(r.cfg.TaskTimeout), ErrDeadline)
		defer cancel()
	}

	tlog.Info("execution started on %s (attempt %d of %d)", task.Platform, task.CurrentRetry+1, task.RetryCount+1)
	hb := newHeartbeat(r.store, task.ID, r.cfg.HeartbeatRate, tlog)
	hb.mark(execCtx, 0)

	count, err := r.pipeline(execCtx, task, hb, tlog)
	if err != nil {
		// a stage failing because ctx ended reports the cancellation cause
		if ierr := interruption(execCtx); ierr != nil {
			err = ierr
		}
	}

	final := context.WithoutCancel(ctx)
	if err != nil {
		return r.fail(final, task, workerID, err, tlog)
	}
	return r.complete(final, task, workerID, count, tlog)
}

// Fail routes a failure of a RUNNING task through the retry policy. It is
// used for tasks whose execution cannot report for itself, such as tasks
// left RUNNING by a previous process.
func (r *Runner) Fail(ctx context.Context, task *models.Task, cause error) Result {
	tlog := tasklog.New(ctx, r.store, task.ID, task.WorkerID, r.cfg.Logger, r.log)
	defer tlog.Close()
	return r.fail(ctx, task, task.WorkerID, cause, tlog)
}

func (r *Runner) pipeline(ctx context.Context, task *models.Task, hb *heartbeat, tlog *tasklog.Logger) (int, error) {
	if err := validate(task); err != nil {
		return 0, err
	}

	adapter, err := r.registry.Platform(task.Platform)
	if err != nil {
		return 0, stageErr(KindAdapterUnavailable, err)
	}
	defer func() {
		if err := adapter.Cleanup(context.WithoutCancel(ctx)); err != nil {
			tlog.Warn("adapter cleanup failed: %v", err)
		}
	}()
	hb.mark(ctx, progressResolved)

	ok, err := adapter.Authenticate(ctx, r.registry.Credentials(task.Platform))
	if err != nil {
		return 0, stageErr(KindAuthentication, err)
	}
	if !ok {
		return 0, stageErr(KindAuthentication, fmt.Errorf("%s rejected the configured credentials", task.Platform))
	}
	tlog.Debug("authenticated with %s", task.Platform)
	hb.mark(ctx, progressAuthenticated)

	if err := interruption(ctx); err != nil {
		return 0, err
	}
	raws, err := r.collect(ctx, task, adapter, hb, tlog)
	if err != nil {
		return 0, err
	}

	if err := interruption(ctx); err != nil {
		return 0, err
	}
	items := r.extract(ctx, task, raws, hb, tlog)

	if err := interruption(ctx); err != nil {
		return 0, err
	}
	if err := r.persist(ctx, task, items, tlog); err != nil {
		return 0, err
	}
	hb.mark(ctx, progressPersisted)

	return len(items), nil
}

func validate(task *models.Task) error {
	switch task.TaskType {
	case models.TaskTypeSearch:
		if len(task.Keywords) == 0 {
			return stageErr(KindInvalidTask, errors.New("search task has no keywords"))
		}
	case models.TaskTypeMonitor:
		if len(task.Accounts) == 0 {
			return stageErr(KindInvalidTask, errors.New("monitor task has no accounts"))
		}
	default:
		return stageErr(KindInvalidTask, fmt.Errorf("unknown task type %q", task.TaskType))
	}
	return nil
}

func (r *Runner) collect(ctx context.Context, task *models.Task, adapter worker.PlatformAdapter, hb *heartbeat, tlog *tasklog.Logger) ([]models.RawItem, error) {
	target := task.Target()

	var seq iter.Seq2[models.RawItem, error]
	if task.TaskType == models.TaskTypeSearch {
		opts := task.Options
		opts.Limit = target
		seq = adapter.Search(ctx, task.Keywords, opts)
	} else {
		seq = adapter.Monitor(ctx, task.Accounts, target)
	}

	raws := make([]models.RawItem, 0, target)
	for raw, err := range seq {
		if err != nil {
			return nil, stageErr(KindCollection, err)
		}
		raw.TaskID = task.ID
		if raw.Platform == "" {
			raw.Platform = task.Platform
		}
		raws = append(raws, raw)
		hb.tick(ctx, band(progressAuthenticated, progressCollected, len(raws), target))

		if len(raws) >= target {
			break
		}
		if err := interruption(ctx); err != nil {
			return nil, err
		}
	}

	tlog.Info("collected %d raw items (target %d)", len(raws), target)
	hb.mark(ctx, progressCollected)
	return raws, nil
}

// extract maps raw items to canonical ones. Items that fail extraction or
// validation are dropped, as are repeats of an item already seen in this run.
func (r *Runner) extract(ctx context.Context, task *models.Task, raws []models.RawItem, hb *heartbeat, tlog *tasklog.Logger) []models.Item {
	extractor := r.registry.Extractor(task.Platform)
	seen := make(map[string]struct{}, len(raws))
	items := make([]models.Item, 0, len(raws))
	invalid, duplicate := 0, 0

	for i, raw := range raws {
		item, err := extractor.Extract(raw)
		switch {
		case err != nil:
			invalid++
			tlog.Warn("%s: %v", KindExtraction, err)
		case !extractor.Validate(item):
			invalid++
			tlog.Debug("dropped invalid item %s", item.Key())
		default:
			item.TaskID = task.ID
			if _, dup := seen[item.Key()]; dup {
				duplicate++
				break
			}
			seen[item.Key()] = struct{}{}
			items = append(items, item)
		}
		hb.tick(ctx, band(progressCollected, progressExtracted, i+1, len(raws)))
	}

	tlog.Info("extracted %d items (%d invalid, %d duplicate)", len(items), invalid, duplicate)
	hb.mark(ctx, progressExtracted)
	return items
}

// persist saves to the task's storage (or the primary), falling back once.
func (r *Runner) persist(ctx context.Context, task *models.Task, items []models.Item, tlog *tasklog.Logger) error {
	if len(items) == 0 {
		tlog.Info("nothing to persist")
		return nil
	}

	primary := task.Storage
	if primary == "" {
		primary = r.cfg.PrimaryStorage
	}

	primaryErr := r.save(ctx, primary, task.ID, items)
	if primaryErr == nil {
		tlog.Info("saved %d items to %s", len(items), primary)
		return nil
	}
	tlog.Warn("storage %s failed: %v", primary, primaryErr)

	fallback := r.cfg.FallbackStorage
	if fallback == "" || fallback == primary {
		return stageErr(KindStorage, primaryErr)
	}
	if err := r.save(ctx, fallback, task.ID, items); err != nil {
		tlog.Error("fallback storage %s failed: %v", fallback, err)
		return stageErr(KindStorage, errors.Join(primaryErr, err))
	}
	tlog.Info("saved %d items to fallback %s", len(items), fallback)
	return nil
}

func (r *Runner) save(ctx context.Context, name, taskID string, items []models.Item) error {
	s, err := r.registry.Storage(name)
	if err != nil {
		return err
	}
	return s.Save(ctx, items, taskID)
}

// interruption reports why ctx ended, as a StageError, or nil if it has not.
func interruption(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrCancelled):
		return stageErr(KindCancelled, ErrCancelled)
	case errors.Is(cause, ErrDeadline):
		return stageErr(KindDeadline, ErrDeadline)
	case errors.Is(cause, ErrShutdown):
		return stageErr(KindInterrupted, ErrShutdown)
	default:
		return stageErr(KindInterrupted, cause)
	}
}

func (r *Runner) complete(ctx context.Context, task *models.Task, workerID string, count int, tlog *tasklog.Logger) Result {
	now := r.now()
	progress := 1.0
	noError := ""
	ok, err := r.store.Transition(ctx, task.ID, models.TaskStatusRunning, models.TaskStatusCompleted, storage.Fields{
		CompletedAt:    &now,
		ResultCount:    &count,
		Progress:       &progress,
		ErrorMessage:   &noError,
		ClearNotBefore: true,
	})
	res := Result{Status: models.TaskStatusCompleted, ResultCount: count, Applied: ok}
	if err != nil {
		r.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to record completion")
		res.Err = err
		return res
	}
	if !ok {
		tlog.Warn("task is no longer RUNNING; completion discarded")
		return res
	}

	tlog.Info("completed with %d items", count)
	r.publish(ctx, models.TaskEvent{
		TaskID:       task.ID,
		Platform:     task.Platform,
		WorkerID:     workerID,
		Status:       models.TaskStatusCompleted,
		CurrentRetry: task.CurrentRetry,
		ResultCount:  count,
	})
	return res
}

func (r *Runner) fail(ctx context.Context, task *models.Task, workerID string, cause error, tlog *tasklog.Logger) Result {
	now := r.now()
	d := Decide(task, cause, now)

	fields := storage.Fields{ErrorMessage: &d.Message}
	switch d.Next {
	case models.TaskStatusPending:
		fields.CurrentRetry = &d.Attempt
		fields.NotBefore = &d.NotBefore
		tlog.Warn("attempt failed, retrying in %s: %v", d.Delay, cause)
	case models.TaskStatusFailed:
		fields.CurrentRetry = &d.Attempt
		fields.CompletedAt = &now
		tlog.Error("task failed: %v", cause)
	case models.TaskStatusCancelled:
		fields.CompletedAt = &now
		tlog.Info("task cancelled")
	}

	ok, err := r.store.Transition(ctx, task.ID, models.TaskStatusRunning, d.Next, fields)
	res := Result{Status: d.Next, Err: cause, Applied: ok}
	if err != nil {
		r.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to record task failure")
		return res
	}
	if !ok {
		tlog.Warn("task is no longer RUNNING; %s discarded", d.Next)
		return res
	}

	ev := models.TaskEvent{
		TaskID:       task.ID,
		Platform:     task.Platform,
		WorkerID:     workerID,
		Status:       d.Next,
		CurrentRetry: d.Attempt,
		Error:        d.Message,
	}
	if d.Next == models.TaskStatusPending {
		ev.NotBefore = &d.NotBefore
	}
	r.publish(ctx, ev)
	return res
}

func (r *Runner) publish(ctx context.Context, ev models.TaskEvent) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.publisher.PublishStatus(ctx, models.NewTaskMessage(ev)); err != nil {
		r.log.Warn().Err(err).Str("task_id", ev.TaskID).Msg("failed to publish task status")
	}
}
