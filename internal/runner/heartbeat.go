package runner

import (
	"context"
	"sync"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/models"
	"github.com/fawad-mazhar/ingestd/internal/storage"
	"github.com/fawad-mazhar/ingestd/internal/tasklog"
	"golang.org/x/time/rate"
)

// Progress bands of the pipeline stages.
const (
	progressResolved      = 0.1
	progressAuthenticated = 0.2
	progressCollected     = 0.6
	progressExtracted     = 0.8
	progressPersisted     = 0.9
)

// heartbeat writes progress for one execution. Reported progress never
// goes backwards; per-item reports are rate limited, band boundaries are not.
type heartbeat struct {
	store   storage.TaskStore
	taskID  string
	limiter *rate.Limiter
	tlog    *tasklog.Logger

	mu   sync.Mutex
	last float64
}

func newHeartbeat(store storage.TaskStore, taskID string, every time.Duration, tlog *tasklog.Logger) *heartbeat {
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	return &heartbeat{
		store:   store,
		taskID:  taskID,
		limiter: rate.NewLimiter(limit, 1),
		tlog:    tlog,
	}
}

// mark writes progress unconditionally.
func (h *heartbeat) mark(ctx context.Context, progress float64) {
	h.report(ctx, progress, true)
}

// tick writes progress if the rate limit allows.
func (h *heartbeat) tick(ctx context.Context, progress float64) {
	h.report(ctx, progress, false)
}

func (h *heartbeat) report(ctx context.Context, progress float64, force bool) {
	if ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	p := models.ClampProgress(progress)
	if p < h.last {
		p = h.last
	}
	if !force && !h.limiter.Allow() {
		h.mu.Unlock()
		return
	}
	h.last = p
	h.mu.Unlock()

	if err := h.store.UpdateHeartbeat(ctx, h.taskID, p); err != nil {
		h.tlog.Warn("heartbeat write failed: %v", err)
	}
}

func (h *heartbeat) progress() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// band maps done/total into [from, to].
func band(from, to float64, done, total int) float64 {
	if total <= 0 {
		return to
	}
	frac := float64(done) / float64(total)
	if frac > 1 {
		frac = 1
	}
	return from + (to-from)*frac
}
