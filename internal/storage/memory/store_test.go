package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/fawad-mazhar/ingestd/internal/storage"
)

func put(t *testing.T, s *Store, mutate func(*models.Task)) *models.Task {
	t.Helper()
	task := models.NewTask("t", "jsonfeed", models.TaskTypeSearch)
	if mutate != nil {
		mutate(task)
	}
	if err := s.Upsert(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func names(tasks []*models.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Name
	}
	return out
}

func TestFetchPendingOrdering(t *testing.T) {
	s := New()
	base := time.Now().Add(-time.Hour)
	at := func(name string, prio int, immediate bool, offset time.Duration) {
		put(t, s, func(task *models.Task) {
			task.Name = name
			task.Priority = prio
			task.Immediate = immediate
			task.CreatedAt = base.Add(offset)
		})
	}
	at("low-old", 8, false, 0)
	at("high-new", 2, false, 3*time.Second)
	at("high-old", 2, false, time.Second)
	at("immediate", 9, true, 4*time.Second)
	put(t, s, func(task *models.Task) {
		task.Name = "running"
		task.Status = models.TaskStatusRunning
	})

	got, err := s.FetchPending(context.Background(), storage.FetchOptions{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"immediate", "high-old", "high-new", "low-old"}
	if strings.Join(names(got), ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", names(got), want)
	}

	got, _ = s.FetchPending(context.Background(), storage.FetchOptions{Limit: 2})
	if len(got) != 2 || got[0].Name != "immediate" {
		t.Errorf("limited fetch = %v", names(got))
	}

	got, _ = s.FetchPending(context.Background(), storage.FetchOptions{Limit: 10, PriorityOnly: true})
	if strings.Join(names(got), ",") != "immediate,high-old,high-new" {
		t.Errorf("priority fetch = %v", names(got))
	}
}

func TestFetchPendingRespectsNotBefore(t *testing.T) {
	s := New()
	now := time.Now()
	later := now.Add(time.Minute)
	put(t, s, func(task *models.Task) { task.NotBefore = &later })

	got, _ := s.FetchPending(context.Background(), storage.FetchOptions{Limit: 1, Now: now})
	if len(got) != 0 {
		t.Fatalf("fetched %d tasks still backing off", len(got))
	}
	got, _ = s.FetchPending(context.Background(), storage.FetchOptions{Limit: 1, Now: later})
	if len(got) != 1 {
		t.Fatalf("fetched %d tasks once eligible, want 1", len(got))
	}
}

func TestTransitionIsCompareAndSet(t *testing.T) {
	s := New()
	task := put(t, s, nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Transition(context.Background(), task.ID, models.TaskStatusPending, models.TaskStatusRunning, storage.Fields{})
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d claims succeeded, want exactly 1", wins)
	}
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := put(t, s, func(task *models.Task) { task.Status = models.TaskStatusCompleted })

	ok, err := s.Transition(ctx, task.ID, models.TaskStatusCompleted, models.TaskStatusRunning, storage.Fields{})
	if err != nil || ok {
		t.Errorf("COMPLETED -> RUNNING = %v, %v; want rejected", ok, err)
	}
	if _, err := s.Transition(ctx, "missing", models.TaskStatusPending, models.TaskStatusRunning, storage.Fields{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing task error = %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestProgressIsClamped(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := put(t, s, func(task *models.Task) { task.Status = models.TaskStatusRunning })

	for _, tc := range []struct{ in, want float64 }{{-0.5, 0}, {1.7, 1}, {0.4, 0.4}} {
		if err := s.UpdateHeartbeat(ctx, task.ID, tc.in); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, task.ID)
		if got.Progress != tc.want {
			t.Errorf("progress(%v) = %v, want %v", tc.in, got.Progress, tc.want)
		}
		if got.LastHeartbeat == nil {
			t.Error("heartbeat not recorded")
		}
	}
}

func TestHeartbeatIgnoredOutsideRunning(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := put(t, s, func(task *models.Task) { task.Status = models.TaskStatusFailed })

	if err := s.UpdateHeartbeat(ctx, task.ID, 0.5); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, task.ID)
	if got.LastHeartbeat != nil || got.Progress != 0 {
		t.Errorf("heartbeat touched a FAILED task: %+v", got)
	}
}

func TestReapStale(t *testing.T) {
	s := New()
	now := time.Now()
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	beat := now.Add(-3660 * time.Second)
	started := now.Add(-10 * time.Minute)
	stale := put(t, s, func(task *models.Task) {
		task.Status = models.TaskStatusRunning
		task.Timeout = 3600
		task.LastHeartbeat = &beat
	})
	// no heartbeat yet: started_at is the reference
	young := put(t, s, func(task *models.Task) {
		task.Status = models.TaskStatusRunning
		task.Timeout = 3600
		task.StartedAt = &started
	})
	// a short timeout still gets the one-minute floor
	quick := put(t, s, func(task *models.Task) {
		task.Status = models.TaskStatusRunning
		task.Timeout = 5
		task.StartedAt = &started
	})

	n, err := s.ReapStale(ctx, time.Hour)
	if err != nil || n != 2 {
		t.Fatalf("ReapStale() = %d, %v; want 2", n, err)
	}

	got, _ := s.Get(ctx, stale.ID)
	if got.Status != models.TaskStatusFailed || got.CompletedAt == nil || !strings.Contains(got.ErrorMessage, "60 minutes") {
		t.Errorf("stale task = %s %q", got.Status, got.ErrorMessage)
	}
	if got, _ := s.Get(ctx, young.ID); got.Status != models.TaskStatusRunning {
		t.Errorf("young task = %s, want RUNNING", got.Status)
	}
	if got, _ := s.Get(ctx, quick.ID); got.Status != models.TaskStatusFailed {
		t.Errorf("quick task = %s, want FAILED", got.Status)
	}
}

func TestAppendLogsKeepsOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := put(t, s, nil)

	for i, msg := range []string{"a", "b", "c"} {
		entry := models.LogEntry{Level: models.LogLevelInfo, Message: msg, Timestamp: time.Unix(int64(i), 0)}
		if err := s.AppendLogs(ctx, task.ID, []models.LogEntry{entry}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := s.Get(ctx, task.ID)
	if len(got.Logs) != 3 || got.Logs[0].Message != "a" || got.Logs[2].Message != "c" {
		t.Errorf("logs = %+v", got.Logs)
	}
}

func TestListAndStats(t *testing.T) {
	s := New()
	ctx := context.Background()
	put(t, s, nil)
	put(t, s, nil)
	put(t, s, func(task *models.Task) {
		task.Platform = "other"
		task.Status = models.TaskStatusRunning
	})

	pending, err := s.List(ctx, models.TaskStatusPending, 0)
	if err != nil || len(pending) != 2 {
		t.Errorf("List(PENDING) = %d, %v", len(pending), err)
	}
	if all, _ := s.List(ctx, "", 1); len(all) != 1 {
		t.Errorf("List(limit 1) = %d tasks", len(all))
	}

	byStatus, _ := s.StatsByStatus(ctx)
	if byStatus[models.TaskStatusPending] != 2 || byStatus[models.TaskStatusRunning] != 1 {
		t.Errorf("by status = %v", byStatus)
	}
	byPlatform, _ := s.StatsByPlatform(ctx)
	if byPlatform["jsonfeed"] != 2 || byPlatform["other"] != 1 {
		t.Errorf("by platform = %v", byPlatform)
	}
}

func TestReturnedTasksAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := put(t, s, nil)

	got, _ := s.Get(ctx, task.ID)
	got.Status = models.TaskStatusFailed
	again, _ := s.Get(ctx, task.ID)
	if again.Status != models.TaskStatusPending {
		t.Error("mutating a returned task changed the store")
	}
}

func TestCreateNeverOverwrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := put(t, s, func(task *models.Task) { task.Status = models.TaskStatusRunning })

	dup := task.Clone()
	dup.Status = models.TaskStatusPending
	ok, err := s.Create(ctx, dup)
	if err != nil || ok {
		t.Fatalf("Create(existing) = %v, %v; want false", ok, err)
	}
	if got, _ := s.Get(ctx, task.ID); got.Status != models.TaskStatusRunning {
		t.Errorf("existing task reset to %s", got.Status)
	}

	fresh := models.NewTask("n", "jsonfeed", models.TaskTypeSearch)
	if ok, err := s.Create(ctx, fresh); err != nil || !ok {
		t.Fatalf("Create(new) = %v, %v", ok, err)
	}
}
