package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/fawad-mazhar/ingestd/internal/storage"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

type Client struct {
	db *sql.DB
}

var _ storage.TaskStore = (*Client)(nil)

func NewClient(url string) (*Client, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	c := &Client{db: db}
	if err := c.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Migrate creates the tasks and items tables when missing
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

const taskColumns = `task_id, name, platform, task_type, keywords, accounts, options, storage,
	priority, immediate, status, retry_count, current_retry, timeout,
	created_at, updated_at, started_at, completed_at, last_heartbeat, not_before,
	progress, worker_id, error_message, result_count, logs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                                        models.Task
		optionsJSON, logsJSON                    []byte
		started, completed, heartbeat, notBefore sql.NullTime
		taskType, status                         string
	)

	err := row.Scan(
		&t.ID, &t.Name, &t.Platform, &taskType,
		pq.Array(&t.Keywords), pq.Array(&t.Accounts), &optionsJSON, &t.Storage,
		&t.Priority, &t.Immediate, &status, &t.RetryCount, &t.CurrentRetry, &t.Timeout,
		&t.CreatedAt, &t.UpdatedAt, &started, &completed, &heartbeat, &notBefore,
		&t.Progress, &t.WorkerID, &t.ErrorMessage, &t.ResultCount, &logsJSON,
	)
	if err != nil {
		return nil, err
	}

	t.TaskType = models.TaskType(taskType)
	t.Status = models.TaskStatus(status)
	t.StartedAt = nullTime(started)
	t.CompletedAt = nullTime(completed)
	t.LastHeartbeat = nullTime(heartbeat)
	t.NotBefore = nullTime(notBefore)

	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &t.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &t.Logs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal logs: %w", err)
		}
	}
	return &t, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func (c *Client) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*models.Task, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Task related functions

// taskArgs binds a task to the placeholders of insertTask. TEXT[] columns are
// NOT NULL, so nil slices bind as empty arrays.
func taskArgs(task *models.Task) ([]interface{}, error) {
	options, err := json.Marshal(task.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal options: %w", err)
	}
	logs := task.Logs
	if logs == nil {
		logs = []models.LogEntry{}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal logs: %w", err)
	}

	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := task.Status
	if status == "" {
		status = models.TaskStatusPending
	}

	return []interface{}{
		task.ID, task.Name, task.Platform, string(task.TaskType),
		pq.Array(nonNil(task.Keywords)), pq.Array(nonNil(task.Accounts)), string(options), task.Storage,
		task.Priority, task.Immediate, string(status), task.RetryCount, task.CurrentRetry, task.Timeout,
		createdAt, task.StartedAt, task.CompletedAt, task.LastHeartbeat, task.NotBefore,
		models.ClampProgress(task.Progress), task.WorkerID, task.ErrorMessage, task.ResultCount, string(logsJSON),
	}, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

const insertTask = `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12, $13, $14,
		$15, NOW(), $16, $17, $18, $19, $20, $21, $22, $23, $24::jsonb)`

// Create inserts task unless its ID is taken. It never touches an existing row.
func (c *Client) Create(ctx context.Context, task *models.Task) (bool, error) {
	args, err := taskArgs(task)
	if err != nil {
		return false, err
	}
	result, err := c.db.ExecContext(ctx, insertTask+` ON CONFLICT (task_id) DO NOTHING`, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *Client) Upsert(ctx context.Context, task *models.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}

	query := insertTask + `
		ON CONFLICT (task_id) DO UPDATE
		SET name = EXCLUDED.name,
			platform = EXCLUDED.platform,
			task_type = EXCLUDED.task_type,
			keywords = EXCLUDED.keywords,
			accounts = EXCLUDED.accounts,
			options = EXCLUDED.options,
			storage = EXCLUDED.storage,
			priority = EXCLUDED.priority,
			immediate = EXCLUDED.immediate,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			current_retry = EXCLUDED.current_retry,
			timeout = EXCLUDED.timeout,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			last_heartbeat = EXCLUDED.last_heartbeat,
			not_before = EXCLUDED.not_before,
			progress = EXCLUDED.progress,
			worker_id = EXCLUDED.worker_id,
			error_message = EXCLUDED.error_message,
			result_count = EXCLUDED.result_count,
			updated_at = NOW()`

	_, err = c.db.ExecContext(ctx, query, args...)
	return err
}

func (c *Client) Get(ctx context.Context, taskID string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = $1`

	t, err := scanTask(c.db.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (c *Client) List(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC`
	args := []interface{}{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return c.queryTasks(ctx, query, args...)
}

func (c *Client) FetchPending(ctx context.Context, opts storage.FetchOptions) ([]*models.Task, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = $1
			AND (not_before IS NULL OR not_before <= $2)
			AND ($3 = FALSE OR priority <= $4 OR immediate)
		ORDER BY immediate DESC, priority ASC, created_at ASC
		LIMIT $5`

	return c.queryTasks(ctx, query,
		string(models.TaskStatusPending),
		now,
		opts.PriorityOnly,
		models.UrgentPriority,
		opts.Limit,
	)
}

// Transition is a compare-and-swap on status: the UPDATE only matches while
// the row still carries the expected status.
func (c *Client) Transition(ctx context.Context, taskID string, expected, next models.TaskStatus, f storage.Fields) (bool, error) {
	if !models.CanTransition(expected, next) {
		return false, nil
	}

	args := []interface{}{string(next)}
	sets := []string{"status = $1", "updated_at = NOW()"}
	set := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if f.StartedAt != nil {
		set("started_at", *f.StartedAt)
	}
	if f.CompletedAt != nil {
		set("completed_at", *f.CompletedAt)
	}
	if f.WorkerID != nil {
		set("worker_id", *f.WorkerID)
	}
	if f.ErrorMessage != nil {
		set("error_message", *f.ErrorMessage)
	}
	if f.ResultCount != nil {
		set("result_count", *f.ResultCount)
	}
	if f.CurrentRetry != nil {
		set("current_retry", *f.CurrentRetry)
	}
	if f.Progress != nil {
		set("progress", models.ClampProgress(*f.Progress))
	}
	if f.NotBefore != nil {
		set("not_before", *f.NotBefore)
	} else if f.ClearNotBefore {
		sets = append(sets, "not_before = NULL")
	}

	args = append(args, taskID, string(expected))
	query := fmt.Sprintf(`
		UPDATE tasks
		SET %s
		WHERE task_id = $%d AND status = $%d
		RETURNING task_id`, strings.Join(sets, ", "), len(args)-1, len(args))

	var id string
	err := c.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, c.ensureExists(ctx, taskID)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) ensureExists(ctx context.Context, taskID string) error {
	var exists bool
	if err := c.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE task_id = $1)`, taskID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

func (c *Client) AppendLogs(ctx context.Context, taskID string, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal log entries: %w", err)
	}

	result, err := c.db.ExecContext(ctx, `
		UPDATE tasks
		SET logs = logs || $2::jsonb, updated_at = NOW()
		WHERE task_id = $1`, taskID, string(data))
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (c *Client) UpdateHeartbeat(ctx context.Context, taskID string, progress float64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE tasks
		SET last_heartbeat = NOW(), progress = $2, updated_at = NOW()
		WHERE task_id = $1 AND status = $3`,
		taskID, models.ClampProgress(progress), string(models.TaskStatusRunning))
	return err
}

func (c *Client) ReapStale(ctx context.Context, defaultTimeout time.Duration) (int, error) {
	defaultSeconds := int(defaultTimeout / time.Second)

	// window = whole minutes of the task timeout (default when unset), at least one
	result, err := c.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT task_id,
				GREATEST(COALESCE(NULLIF(timeout, 0), $1) / 60, 1) AS window_minutes
			FROM tasks
			WHERE status = $2
		)
		UPDATE tasks t
		SET status = $3,
			error_message = 'stale heartbeat: task timed out after ' || s.window_minutes || ' minutes without a heartbeat',
			completed_at = NOW(),
			updated_at = NOW()
		FROM stale s
		WHERE t.task_id = s.task_id
			AND t.status = $2
			AND (
				t.last_heartbeat < NOW() - s.window_minutes * INTERVAL '1 minute'
				OR (t.last_heartbeat IS NULL AND t.started_at < NOW() - s.window_minutes * INTERVAL '1 minute')
			)`,
		defaultSeconds,
		string(models.TaskStatusRunning),
		string(models.TaskStatusFailed),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (c *Client) StatsByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[models.TaskStatus(status)] = count
	}
	return out, rows.Err()
}

func (c *Client) StatsByPlatform(ctx context.Context) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT platform, COUNT(*) FROM tasks GROUP BY platform ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var platform string
		var count int
		if err := rows.Scan(&platform, &count); err != nil {
			return nil, err
		}
		out[platform] = count
	}
	return out, rows.Err()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}
