package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"postpone/internal/job"
	"postpone/internal/queue"
)

// TaskHandler exposes the processing steps over HTTP for out-of-band
// delivery (ops tooling, external schedulers). The worker pool serves the
// same steps from the queue; both go through the processor's idempotent
// entry points. A non-nil step result answers 503 so the caller retries.
type TaskHandler struct {
	Processor *job.Processor
	Scheduler *job.Scheduler
	Log       *zap.Logger
}

type taskReq struct {
	JobID uint64 `json:"jobId"`
}

func (h *TaskHandler) step(kind job.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req taskReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == 0 {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		err := h.Processor.Handle(r.Context(), queue.Task{Kind: string(kind), JobID: req.JobID})
		if err != nil {
			h.Log.Warn("task step failed",
				zap.String("kind", string(kind)),
				zap.Uint64("job_id", req.JobID),
				zap.Error(err))
			http.Error(w, "retry later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (h *TaskHandler) Send() http.HandlerFunc       { return h.step(job.KindSend) }
func (h *TaskHandler) Remind() http.HandlerFunc     { return h.step(job.KindRemind) }
func (h *TaskHandler) CheckReply() http.HandlerFunc { return h.step(job.KindCheckReply) }

// Queue triggers a due scan immediately.
func (h *TaskHandler) Queue(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.RunDueScan(r.Context(), time.Now().UTC()); err != nil {
		h.Log.Warn("due scan failed", zap.Error(err))
		http.Error(w, "retry later", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
