package models

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusRunning, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusRunning, TaskStatusCompleted, true},
		{TaskStatusRunning, TaskStatusPending, true},
		{TaskStatusRunning, TaskStatusFailed, true},
		{TaskStatusRunning, TaskStatusCancelled, true},
		{TaskStatusCompleted, TaskStatusRunning, false},
		{TaskStatusFailed, TaskStatusPending, false},
		{TaskStatusCancelled, TaskStatusPending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskStatusPredicates(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if TaskStatusRunning.IsTerminal() || TaskStatusPending.IsTerminal() {
		t.Error("active statuses reported terminal")
	}
	if TaskStatus("PAUSED").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestIsUrgent(t *testing.T) {
	task := NewTask("t", "p", TaskTypeSearch)
	if task.IsUrgent() {
		t.Error("default priority task is urgent")
	}
	task.Priority = UrgentPriority
	if !task.IsUrgent() {
		t.Error("priority 3 task is not urgent")
	}
	task.Priority = 9
	task.Immediate = true
	if !task.IsUrgent() {
		t.Error("immediate task is not urgent")
	}
}

func TestTarget(t *testing.T) {
	search := NewTask("s", "p", TaskTypeSearch)
	monitor := NewTask("m", "p", TaskTypeMonitor)
	if search.Target() != DefaultSearchLimit || monitor.Target() != DefaultMonitorLimit {
		t.Errorf("defaults = %d, %d", search.Target(), monitor.Target())
	}
	monitor.Options.Limit = 7
	if monitor.Target() != 7 {
		t.Errorf("explicit limit = %d", monitor.Target())
	}
}

func TestTimeoutDuration(t *testing.T) {
	task := &Task{}
	if got := task.TimeoutDuration(time.Hour); got != time.Hour {
		t.Errorf("fallback = %v", got)
	}
	task.Timeout = 90
	if got := task.TimeoutDuration(time.Hour); got != 90*time.Second {
		t.Errorf("explicit = %v", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	task := NewTask("t", "p", TaskTypeSearch)
	task.Keywords = []string{"a"}
	task.Options.Filters = map[string]interface{}{"lang": "en"}
	task.NotBefore = &now
	task.Logs = []LogEntry{{Message: "x"}}

	cp := task.Clone()
	cp.Keywords[0] = "b"
	cp.Options.Filters["lang"] = "de"
	*cp.NotBefore = now.Add(time.Hour)
	cp.Logs[0].Message = "y"

	if task.Keywords[0] != "a" || task.Options.Filters["lang"] != "en" || !task.NotBefore.Equal(now) || task.Logs[0].Message != "x" {
		t.Errorf("clone shares state with the original: %+v", task)
	}
	if (*Task)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}

func TestClampProgress(t *testing.T) {
	tests := map[float64]float64{-0.5: 0, 0: 0, 0.25: 0.25, 1: 1, 1.7: 1}
	for in, want := range tests {
		if got := ClampProgress(in); got != want {
			t.Errorf("ClampProgress(%v) = %v, want %v", in, got, want)
		}
	}
	if got := ClampProgress(math.NaN()); got != 0 {
		t.Errorf("ClampProgress(NaN) = %v", got)
	}
}

func TestClampPriority(t *testing.T) {
	if ClampPriority(0) != MinPriority || ClampPriority(99) != MaxPriority || ClampPriority(4) != 4 {
		t.Error("priority not clamped to [1,10]")
	}
}

func TestDecodeAppliesDefaultsOnlyToAbsentFields(t *testing.T) {
	tests := []struct {
		name        string
		decode      func(*Task) error
		retry, prio int
	}{
		{"json absent", func(dst *Task) error { return json.Unmarshal([]byte(`{"platform":"p"}`), dst) }, DefaultRetryCount, DefaultPriority},
		{"json zero", func(dst *Task) error { return json.Unmarshal([]byte(`{"platform":"p","retryCount":0,"priority":2}`), dst) }, 0, 2},
		{"yaml absent", func(dst *Task) error { return yaml.Unmarshal([]byte("platform: p\n"), dst) }, DefaultRetryCount, DefaultPriority},
		{"yaml zero", func(dst *Task) error { return yaml.Unmarshal([]byte("platform: p\nretryCount: 0\n"), dst) }, 0, DefaultPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var task Task
			if err := tt.decode(&task); err != nil {
				t.Fatal(err)
			}
			if task.Platform != "p" || task.RetryCount != tt.retry || task.Priority != tt.prio {
				t.Errorf("decoded platform %q retry %d priority %d, want p/%d/%d", task.Platform, task.RetryCount, task.Priority, tt.retry, tt.prio)
			}
		})
	}
}
