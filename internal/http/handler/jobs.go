package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"postpone/internal/auth"
	"postpone/internal/job"
)

const maxSubjectLen = 255

// JobStore is the slice of the job store the HTTP layer needs.
type JobStore interface {
	CreateSend(ctx context.Context, j *job.SendJob) error
	CreateRemind(ctx context.Context, j *job.RemindJob) error
	GetSendOwned(ctx context.Context, userID, id uint64) (*job.SendJob, error)
	GetRemindOwned(ctx context.Context, userID, id uint64) (*job.RemindJob, error)
	PutSend(ctx context.Context, j *job.SendJob) error
	PutRemind(ctx context.Context, j *job.RemindJob) error
	SendJobsForDisplay(ctx context.Context, userID uint64) ([]*job.SendJob, error)
	RemindJobsForDisplay(ctx context.Context, userID uint64) ([]*job.RemindJob, error)
	DeleteSend(ctx context.Context, userID, id uint64) error
	DeleteRemind(ctx context.Context, userID, id uint64) error
	AddToQueue(ctx context.Context, kind job.Kind, jobID uint64, target job.State, countdown time.Duration) error
}

// JobHandler serves the send/remind job CRUD.
type JobHandler struct {
	Store JobStore
}

func pathID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

type sendJobReq struct {
	MessageID   string    `json:"messageId"`
	Subject     string    `json:"subject"`
	ScheduledAt time.Time `json:"scheduledAt"`
	UTCOffset   int       `json:"utcOffset"`
}

func (req *sendJobReq) valid() bool {
	req.Subject = strings.TrimSpace(req.Subject)
	return job.ValidHexID(req.MessageID) && !req.ScheduledAt.IsZero() && len(req.Subject) <= maxSubjectLen
}

func (h *JobHandler) CreateSend(w http.ResponseWriter, r *http.Request) {
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req sendJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if !req.valid() {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}

	j := &job.SendJob{
		Base: job.Base{
			UserID:      sess.UserID,
			UserEmail:   sess.Email,
			ScheduledAt: req.ScheduledAt.UTC(),
			UTCOffset:   req.UTCOffset,
			State:       job.StateScheduled,
		},
		MessageID: req.MessageID,
		Subject:   req.Subject,
	}
	if err := h.Store.CreateSend(r.Context(), j); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, j)
}

func (h *JobHandler) GetSend(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	j, err := h.Store.GetSendOwned(r.Context(), sess.UserID, id)
	if errors.Is(err, job.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, j)
}

// UpdateSend reschedules a send job. Only jobs still waiting for their due
// date can change; once the scan picked a job up its schedule is settled.
func (h *JobHandler) UpdateSend(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req sendJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if req.ScheduledAt.IsZero() || len(req.Subject) > maxSubjectLen {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}

	j, err := h.Store.GetSendOwned(r.Context(), sess.UserID, id)
	if errors.Is(err, job.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if j.State != job.StateScheduled {
		http.Error(w, "job no longer scheduled", http.StatusBadRequest)
		return
	}

	j.ScheduledAt = req.ScheduledAt.UTC()
	j.UTCOffset = req.UTCOffset
	if req.Subject != "" {
		j.Subject = req.Subject
	}
	if err := h.Store.PutSend(r.Context(), j); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, j)
}

func (h *JobHandler) ListSend(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	jobs, err := h.Store.SendJobsForDisplay(r.Context(), sess.UserID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*job.SendJob{}
	}
	writeJSON(w, jobs)
}

func (h *JobHandler) DeleteSend(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	err := h.Store.DeleteSend(r.Context(), sess.UserID, id)
	if errors.Is(err, job.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type remindJobReq struct {
	ThreadID        string    `json:"threadId"`
	Subject         string    `json:"subject"`
	ScheduledAt     time.Time `json:"scheduledAt"`
	UTCOffset       int       `json:"utcOffset"`
	OnlyIfNoreply   bool      `json:"onlyIfNoreply"`
	KnownMessageIDs []string  `json:"knownMessageIds"`
}

func (req *remindJobReq) validGuard() bool {
	// A reply-guarded reminder needs the message ids known at schedule time,
	// otherwise everything in the thread would count as a reply.
	if req.OnlyIfNoreply && len(req.KnownMessageIDs) == 0 {
		return false
	}
	for _, id := range req.KnownMessageIDs {
		if !job.ValidHexID(id) {
			return false
		}
	}
	return true
}

func (h *JobHandler) CreateRemind(w http.ResponseWriter, r *http.Request) {
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req remindJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if !job.ValidHexID(req.ThreadID) || req.ScheduledAt.IsZero() ||
		len(req.Subject) > maxSubjectLen || !req.validGuard() {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}

	j := &job.RemindJob{
		Base: job.Base{
			UserID:      sess.UserID,
			UserEmail:   sess.Email,
			ScheduledAt: req.ScheduledAt.UTC(),
			UTCOffset:   req.UTCOffset,
			State:       job.StateScheduled,
		},
		ThreadID:        req.ThreadID,
		Subject:         req.Subject,
		OnlyIfNoreply:   req.OnlyIfNoreply,
		KnownMessageIDs: req.KnownMessageIDs,
	}
	if err := h.Store.CreateRemind(r.Context(), j); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, j)
}

func (h *JobHandler) GetRemind(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	j, err := h.Store.GetRemindOwned(r.Context(), sess.UserID, id)
	if errors.Is(err, job.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, j)
}

// UpdateRemind reschedules a remind job or changes its reply guard, while
// the job is still scheduled.
func (h *JobHandler) UpdateRemind(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req remindJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if req.ScheduledAt.IsZero() || len(req.Subject) > maxSubjectLen || !req.validGuard() {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}

	j, err := h.Store.GetRemindOwned(r.Context(), sess.UserID, id)
	if errors.Is(err, job.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if j.State != job.StateScheduled {
		http.Error(w, "job no longer scheduled", http.StatusBadRequest)
		return
	}

	j.ScheduledAt = req.ScheduledAt.UTC()
	j.UTCOffset = req.UTCOffset
	j.OnlyIfNoreply = req.OnlyIfNoreply
	j.KnownMessageIDs = req.KnownMessageIDs
	if req.Subject != "" {
		j.Subject = req.Subject
	}
	if err := h.Store.PutRemind(r.Context(), j); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, j)
}

func (h *JobHandler) ListRemind(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	jobs, err := h.Store.RemindJobsForDisplay(r.Context(), sess.UserID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*job.RemindJob{}
	}
	writeJSON(w, jobs)
}

func (h *JobHandler) DeleteRemind(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	err := h.Store.DeleteRemind(r.Context(), sess.UserID, id)
	if errors.Is(err, job.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkReplyReq struct {
	MessageID string `json:"messageId"`
	FromName  string `json:"fromName"`
	FromEmail string `json:"fromEmail"`
}

// CheckReply is posted by the client when it spots a possible reply in the
// thread of a reply-guarded reminder. The reply details are recorded
// provisionally and a server-side check is queued to confirm them.
func (h *JobHandler) CheckReply(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req checkReplyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if !job.ValidHexID(req.MessageID) {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	j, err := h.Store.GetRemindOwned(r.Context(), sess.UserID, id)
	if errors.Is(err, job.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if j.State != job.StateScheduled || !j.OnlyIfNoreply {
		http.Error(w, "job not awaiting replies", http.StatusBadRequest)
		return
	}

	j.DisabledReply = &job.DisabledReply{
		MessageID: req.MessageID,
		FromName:  req.FromName,
		FromEmail: req.FromEmail,
	}
	if err := h.Store.PutRemind(r.Context(), j); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if err := h.Store.AddToQueue(r.Context(), job.KindCheckReply, j.ID, job.StateChecking, 0); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
