package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fawad-mazhar/ingestd/internal/models"
)

func arrayValue(t *testing.T, v interface{}) driver.Value {
	t.Helper()
	valuer, ok := v.(driver.Valuer)
	if !ok {
		t.Fatalf("%T is not a driver.Valuer", v)
	}
	out, err := valuer.Value()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestTaskArgsBindEmptyArrays(t *testing.T) {
	monitor := models.NewTask("m", "jsonfeed", models.TaskTypeMonitor)
	monitor.Accounts = []string{"alice"}
	search := models.NewTask("s", "jsonfeed", models.TaskTypeSearch)
	search.Keywords = []string{"go", "sql"}

	tests := []struct {
		name               string
		task               *models.Task
		keywords, accounts string
	}{
		{"monitor", monitor.Clone(), "{}", `{"alice"}`},
		{"search", search.Clone(), `{"go","sql"}`, "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := taskArgs(tt.task)
			if err != nil {
				t.Fatal(err)
			}
			if got := arrayValue(t, args[4]); got != tt.keywords {
				t.Errorf("keywords bound as %#v, want %q", got, tt.keywords)
			}
			if got := arrayValue(t, args[5]); got != tt.accounts {
				t.Errorf("accounts bound as %#v, want %q", got, tt.accounts)
			}
		})
	}
}

func TestTaskArgsDefaults(t *testing.T) {
	args, err := taskArgs(&models.Task{ID: "t1", Platform: "jsonfeed", TaskType: models.TaskTypeSearch, Progress: 3})
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(insertTask, "$"); n != len(args) {
		t.Fatalf("insert has %d placeholders, taskArgs binds %d", n, len(args))
	}
	if args[10] != string(models.TaskStatusPending) {
		t.Errorf("status = %v, want PENDING", args[10])
	}
	if args[19] != 1.0 {
		t.Errorf("progress = %v, want clamped to 1", args[19])
	}
	var logs []models.LogEntry
	if err := json.Unmarshal([]byte(args[23].(string)), &logs); err != nil || logs == nil {
		t.Errorf("logs bound as %v, want an empty JSON array", args[23])
	}
}
