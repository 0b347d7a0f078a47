// Package memory is an in-process TaskStore. It backs tests and the
// single-binary development mode; state is lost when the process exits.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/fawad-mazhar/ingestd/internal/storage"
)

type Store struct {
	mu    sync.Mutex
	tasks map[string]*models.Task

	// Now is the store clock; tests may replace it.
	Now func() time.Time
}

var _ storage.TaskStore = (*Store)(nil)

func New() *Store {
	return &Store{
		tasks: make(map[string]*models.Task),
		Now:   time.Now,
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Create(_ context.Context, task *models.Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return false, nil
	}
	s.put(task)
	return true, nil
}

func (s *Store) Upsert(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(task)
	return nil
}

func (s *Store) put(task *models.Task) {
	now := s.Now()
	cp := task.Clone()
	if existing, ok := s.tasks[cp.ID]; ok && cp.CreatedAt.IsZero() {
		cp.CreatedAt = existing.CreatedAt
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.Status == "" {
		cp.Status = models.TaskStatusPending
	}
	cp.Progress = models.ClampProgress(cp.Progress)
	cp.UpdatedAt = now
	s.tasks[cp.ID] = cp
}

func (s *Store) Get(_ context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *Store) List(_ context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Task
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FetchPending(_ context.Context, opts storage.FetchOptions) ([]*models.Task, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}
	now := opts.Now
	if now.IsZero() {
		now = s.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Task
	for _, t := range s.tasks {
		if t.Status != models.TaskStatusPending {
			continue
		}
		if opts.PriorityOnly && !t.IsUrgent() {
			continue
		}
		if t.NotBefore != nil && t.NotBefore.After(now) {
			continue
		}
		out = append(out, t.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Immediate != b.Immediate {
			return a.Immediate
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) Transition(_ context.Context, taskID string, expected, next models.TaskStatus, f storage.Fields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if t.Status != expected || !models.CanTransition(expected, next) {
		return false, nil
	}

	t.Status = next
	t.UpdatedAt = s.Now()
	if f.StartedAt != nil {
		v := *f.StartedAt
		t.StartedAt = &v
	}
	if f.CompletedAt != nil {
		v := *f.CompletedAt
		t.CompletedAt = &v
	}
	if f.WorkerID != nil {
		t.WorkerID = *f.WorkerID
	}
	if f.ErrorMessage != nil {
		t.ErrorMessage = *f.ErrorMessage
	}
	if f.ResultCount != nil {
		t.ResultCount = *f.ResultCount
	}
	if f.CurrentRetry != nil {
		t.CurrentRetry = *f.CurrentRetry
	}
	if f.Progress != nil {
		t.Progress = models.ClampProgress(*f.Progress)
	}
	if f.ClearNotBefore {
		t.NotBefore = nil
	}
	if f.NotBefore != nil {
		v := *f.NotBefore
		t.NotBefore = &v
	}
	return true, nil
}

func (s *Store) AppendLogs(_ context.Context, taskID string, entries []models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	t.Logs = append(t.Logs, entries...)
	t.UpdatedAt = s.Now()
	return nil
}

func (s *Store) UpdateHeartbeat(_ context.Context, taskID string, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	if t.Status != models.TaskStatusRunning {
		return nil
	}
	now := s.Now()
	t.LastHeartbeat = &now
	t.Progress = models.ClampProgress(progress)
	t.UpdatedAt = now
	return nil
}

func (s *Store) ReapStale(_ context.Context, defaultTimeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	reaped := 0
	for _, t := range s.tasks {
		if t.Status != models.TaskStatusRunning {
			continue
		}
		threshold := storage.StaleThreshold(t, defaultTimeout)
		cutoff := now.Add(-threshold)

		stale := false
		switch {
		case t.LastHeartbeat != nil:
			stale = t.LastHeartbeat.Before(cutoff)
		case t.StartedAt != nil:
			stale = t.StartedAt.Before(cutoff)
		}
		if !stale {
			continue
		}

		t.Status = models.TaskStatusFailed
		t.ErrorMessage = storage.StaleMessage(threshold)
		completed := now
		t.CompletedAt = &completed
		t.UpdatedAt = now
		reaped++
	}
	return reaped, nil
}

func (s *Store) StatsByStatus(_ context.Context) (map[models.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[models.TaskStatus]int)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out, nil
}

func (s *Store) StatsByPlatform(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int)
	for _, t := range s.tasks {
		out[t.Platform]++
	}
	return out, nil
}
