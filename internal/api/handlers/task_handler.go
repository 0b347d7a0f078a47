// internal/api/handlers/task_handler.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/fawad-mazhar/ingestd/internal/orchestrator"
	"github.com/fawad-mazhar/ingestd/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// TaskService is the part of the scheduler the API drives.
type TaskService interface {
	Submit(ctx context.Context, task *models.Task) (*models.Task, error)
	Get(ctx context.Context, taskID string) (*models.Task, error)
	List(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	Cancel(ctx context.Context, taskID string) (*models.Task, error)
	Stats(ctx context.Context) (*models.Stats, error)
}

type TaskHandler struct {
	tasks TaskService
	log   zerolog.Logger
}

func NewTaskHandler(tasks TaskService, log zerolog.Logger) *TaskHandler {
	return &TaskHandler{
		tasks: tasks,
		log:   log,
	}
}

func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var task models.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.tasks.Submit(r.Context(), &task)
	if err != nil {
		h.fail(w, err, "failed to submit task")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Task submitted successfully",
		"taskId":  created.ID,
		"task":    created,
	})
}

func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	status := models.TaskStatus(r.URL.Query().Get("status"))

	tasks, err := h.tasks.List(r.Context(), status, limit)
	if err != nil {
		h.fail(w, err, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(tasks),
		"tasks": tasks,
	})
}

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// CancelTask answers 202 while a running task winds down and 200 once the
// cancellation is recorded.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "failed to cancel task")
		return
	}

	code := http.StatusOK
	if task.Status == models.TaskStatusRunning {
		code = http.StatusAccepted
	}
	writeJSON(w, code, task)
}

func (h *TaskHandler) fail(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, orchestrator.ErrTaskExists), errors.Is(err, orchestrator.ErrTaskFinished), errors.Is(err, storage.ErrClaimConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
