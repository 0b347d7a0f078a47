package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/fawad-mazhar/ingestd/internal/orchestrator"
	"github.com/fawad-mazhar/ingestd/internal/storage"
	"github.com/rs/zerolog"
)

type fakeService struct {
	tasks map[string]*models.Task
}

func (s *fakeService) Submit(_ context.Context, task *models.Task) (*models.Task, error) {
	if task.Platform == "" {
		return nil, fmt.Errorf("%w: platform is required", orchestrator.ErrInvalidTask)
	}
	if _, ok := s.tasks[task.ID]; ok {
		return nil, orchestrator.ErrTaskExists
	}
	if task.ID == "" {
		task.ID = "generated"
	}
	task.Status = models.TaskStatusPending
	s.tasks[task.ID] = task
	return task, nil
}

func (s *fakeService) Get(_ context.Context, id string) (*models.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func (s *fakeService) List(_ context.Context, status models.TaskStatus, _ int) ([]*models.Task, error) {
	if status != "" && !status.Valid() {
		return nil, orchestrator.ErrInvalidTask
	}
	var out []*models.Task
	for _, t := range s.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeService) Cancel(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case models.TaskStatusPending:
		t.Status = models.TaskStatusCancelled
	case models.TaskStatusRunning:
	default:
		return t, orchestrator.ErrTaskFinished
	}
	return t, nil
}

func (s *fakeService) Stats(context.Context) (*models.Stats, error) {
	return &models.Stats{Total: len(s.tasks)}, nil
}

func newServer(t *testing.T, ready bool) (*httptest.Server, *fakeService) {
	t.Helper()
	svc := &fakeService{tasks: map[string]*models.Task{
		"run":  {ID: "run", Platform: "jsonfeed", Status: models.TaskStatusRunning},
		"done": {ID: "done", Platform: "jsonfeed", Status: models.TaskStatusCompleted},
	}}
	srv := httptest.NewServer(SetupRouter(svc, func() bool { return ready }, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, svc
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTaskRoutes(t *testing.T) {
	srv, svc := newServer(t, true)
	base := srv.URL + "/api/v1/tasks"

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"submit", http.MethodPost, "/", `{"platform":"jsonfeed","taskType":"search","keywords":["go"]}`, http.StatusCreated},
		{"submit malformed", http.MethodPost, "/", `{`, http.StatusBadRequest},
		{"submit invalid", http.MethodPost, "/", `{"taskType":"search"}`, http.StatusBadRequest},
		{"submit duplicate", http.MethodPost, "/", `{"taskId":"done","platform":"jsonfeed"}`, http.StatusConflict},
		{"get", http.MethodGet, "/done", "", http.StatusOK},
		{"get missing", http.MethodGet, "/nope", "", http.StatusNotFound},
		{"list", http.MethodGet, "/?status=RUNNING", "", http.StatusOK},
		{"list bad status", http.MethodGet, "/?status=PAUSED", "", http.StatusBadRequest},
		{"list bad limit", http.MethodGet, "/?limit=x", "", http.StatusBadRequest},
		{"cancel running", http.MethodPost, "/run/cancel", "", http.StatusAccepted},
		{"cancel finished", http.MethodPost, "/done/cancel", "", http.StatusConflict},
		{"cancel missing", http.MethodPost, "/nope/cancel", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, base+tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}

	if _, ok := svc.tasks["generated"]; !ok {
		t.Error("submitted task was not stored")
	}
}

func TestListResponseShape(t *testing.T) {
	srv, _ := newServer(t, true)
	resp := do(t, http.MethodGet, srv.URL+"/api/v1/tasks/?status=COMPLETED", "")

	var body struct {
		Count int            `json:"count"`
		Tasks []*models.Task `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Tasks[0].ID != "done" {
		t.Errorf("body = %+v", body)
	}
}

func TestStatsAndHealth(t *testing.T) {
	srv, _ := newServer(t, true)
	resp := do(t, http.MethodGet, srv.URL+"/api/v1/stats", "")
	var stats models.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil || stats.Total != 2 {
		t.Errorf("stats = %+v, %v", stats, err)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/health", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}

	stopping, _ := newServer(t, false)
	if resp := do(t, http.MethodGet, stopping.URL+"/health", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health while stopping = %d", resp.StatusCode)
	}
}
