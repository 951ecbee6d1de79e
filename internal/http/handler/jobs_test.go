package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpone/internal/auth"
	"postpone/internal/job"
)

type enqueuedCall struct {
	Kind   job.Kind
	JobID  uint64
	Target job.State
}

type fakeJobStore struct {
	sends    map[uint64]*job.SendJob
	reminds  map[uint64]*job.RemindJob
	enqueued []enqueuedCall
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		sends:   map[uint64]*job.SendJob{},
		reminds: map[uint64]*job.RemindJob{},
	}
}

func (s *fakeJobStore) CreateSend(ctx context.Context, j *job.SendJob) error {
	j.ID = uint64(len(s.sends) + 1)
	s.sends[j.ID] = j
	return nil
}

func (s *fakeJobStore) CreateRemind(ctx context.Context, j *job.RemindJob) error {
	j.ID = uint64(len(s.reminds) + 1)
	s.reminds[j.ID] = j
	return nil
}

func (s *fakeJobStore) GetSendOwned(ctx context.Context, userID, id uint64) (*job.SendJob, error) {
	j, ok := s.sends[id]
	if !ok || j.UserID != userID {
		return nil, job.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) GetRemindOwned(ctx context.Context, userID, id uint64) (*job.RemindJob, error) {
	j, ok := s.reminds[id]
	if !ok || j.UserID != userID {
		return nil, job.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) PutSend(ctx context.Context, j *job.SendJob) error {
	cp := *j
	s.sends[j.ID] = &cp
	return nil
}

func (s *fakeJobStore) PutRemind(ctx context.Context, j *job.RemindJob) error {
	cp := *j
	s.reminds[j.ID] = &cp
	return nil
}

func (s *fakeJobStore) SendJobsForDisplay(ctx context.Context, userID uint64) ([]*job.SendJob, error) {
	var out []*job.SendJob
	for _, j := range s.sends {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fakeJobStore) RemindJobsForDisplay(ctx context.Context, userID uint64) ([]*job.RemindJob, error) {
	var out []*job.RemindJob
	for _, j := range s.reminds {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fakeJobStore) DeleteSend(ctx context.Context, userID, id uint64) error {
	j, ok := s.sends[id]
	if !ok || j.UserID != userID || j.DeleteDecision() != job.DeleteAllowed {
		return job.ErrNotFound
	}
	delete(s.sends, id)
	return nil
}

func (s *fakeJobStore) DeleteRemind(ctx context.Context, userID, id uint64) error {
	j, ok := s.reminds[id]
	if !ok || j.UserID != userID {
		return job.ErrNotFound
	}
	switch j.DeleteDecision() {
	case job.DeleteIgnored:
		return nil
	case job.DeleteAllowed:
		delete(s.reminds, id)
		return nil
	default:
		return job.ErrNotFound
	}
}

func (s *fakeJobStore) AddToQueue(ctx context.Context, kind job.Kind, jobID uint64, target job.State, countdown time.Duration) error {
	s.enqueued = append(s.enqueued, enqueuedCall{kind, jobID, target})
	return nil
}

var testSession = auth.Session{UserID: 7, Email: "user@example.com"}

func jobRequest(method, path, body string, id uint64) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	ctx := auth.WithSession(r.Context(), testSession)
	if id > 0 {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", strconv.FormatUint(id, 10))
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return r.WithContext(ctx)
}

func scheduledSendJob(id, userID uint64) *job.SendJob {
	return &job.SendJob{
		Base: job.Base{
			ID:          id,
			UserID:      userID,
			UserEmail:   "user@example.com",
			ScheduledAt: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
			State:       job.StateScheduled,
		},
		MessageID: "abc123",
		Subject:   "hello",
	}
}

func TestGetSendByID(t *testing.T) {
	store := newFakeJobStore()
	store.sends[1] = scheduledSendJob(1, testSession.UserID)
	h := &JobHandler{Store: store}

	rec := httptest.NewRecorder()
	h.GetSend(rec, jobRequest(http.MethodGet, "/api/send/1", "", 1))
	require.Equal(t, http.StatusOK, rec.Code)

	var got job.SendJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(1), got.ID)
	assert.Equal(t, "abc123", got.MessageID)
}

func TestGetSendOtherUsersJob(t *testing.T) {
	store := newFakeJobStore()
	store.sends[1] = scheduledSendJob(1, 999)
	h := &JobHandler{Store: store}

	rec := httptest.NewRecorder()
	h.GetSend(rec, jobRequest(http.MethodGet, "/api/send/1", "", 1))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateSendWhileScheduled(t *testing.T) {
	store := newFakeJobStore()
	store.sends[1] = scheduledSendJob(1, testSession.UserID)
	h := &JobHandler{Store: store}

	body := `{"subject":"later","scheduledAt":"2026-10-01T08:00:00Z","utcOffset":-60}`
	rec := httptest.NewRecorder()
	h.UpdateSend(rec, jobRequest(http.MethodPost, "/api/send/1", body, 1))
	require.Equal(t, http.StatusOK, rec.Code)

	got := store.sends[1]
	assert.Equal(t, "later", got.Subject)
	assert.Equal(t, -60, got.UTCOffset)
	assert.True(t, got.ScheduledAt.Equal(time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, job.StateScheduled, got.State)
}

func TestUpdateSendRefusedOncePickedUp(t *testing.T) {
	store := newFakeJobStore()
	j := scheduledSendJob(1, testSession.UserID)
	j.State = job.StateQueued
	store.sends[1] = j
	h := &JobHandler{Store: store}

	body := `{"scheduledAt":"2026-10-01T08:00:00Z"}`
	rec := httptest.NewRecorder()
	h.UpdateSend(rec, jobRequest(http.MethodPost, "/api/send/1", body, 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, store.sends[1].ScheduledAt.Equal(j.ScheduledAt))
}

func scheduledRemindJob(id, userID uint64) *job.RemindJob {
	return &job.RemindJob{
		Base: job.Base{
			ID:          id,
			UserID:      userID,
			UserEmail:   "user@example.com",
			ScheduledAt: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
			State:       job.StateScheduled,
		},
		ThreadID: "dead77",
		Subject:  "follow up",
	}
}

func TestGetRemindByID(t *testing.T) {
	store := newFakeJobStore()
	store.reminds[1] = scheduledRemindJob(1, testSession.UserID)
	h := &JobHandler{Store: store}

	rec := httptest.NewRecorder()
	h.GetRemind(rec, jobRequest(http.MethodGet, "/api/remind/1", "", 1))
	require.Equal(t, http.StatusOK, rec.Code)

	var got job.RemindJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "dead77", got.ThreadID)
}

func TestUpdateRemindChangesGuard(t *testing.T) {
	store := newFakeJobStore()
	store.reminds[1] = scheduledRemindJob(1, testSession.UserID)
	h := &JobHandler{Store: store}

	body := `{"scheduledAt":"2026-10-01T08:00:00Z","onlyIfNoreply":true,"knownMessageIds":["abc1","abc2"]}`
	rec := httptest.NewRecorder()
	h.UpdateRemind(rec, jobRequest(http.MethodPost, "/api/remind/1", body, 1))
	require.Equal(t, http.StatusOK, rec.Code)

	got := store.reminds[1]
	assert.True(t, got.OnlyIfNoreply)
	assert.Equal(t, []string{"abc1", "abc2"}, []string(got.KnownMessageIDs))
}

func TestUpdateRemindGuardNeedsKnownIDs(t *testing.T) {
	store := newFakeJobStore()
	store.reminds[1] = scheduledRemindJob(1, testSession.UserID)
	h := &JobHandler{Store: store}

	body := `{"scheduledAt":"2026-10-01T08:00:00Z","onlyIfNoreply":true}`
	rec := httptest.NewRecorder()
	h.UpdateRemind(rec, jobRequest(http.MethodPost, "/api/remind/1", body, 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, store.reminds[1].OnlyIfNoreply)
}

func TestUpdateRemindRefusedWhileChecking(t *testing.T) {
	store := newFakeJobStore()
	j := scheduledRemindJob(1, testSession.UserID)
	j.State = job.StateChecking
	store.reminds[1] = j
	h := &JobHandler{Store: store}

	body := `{"scheduledAt":"2026-10-01T08:00:00Z"}`
	rec := httptest.NewRecorder()
	h.UpdateRemind(rec, jobRequest(http.MethodPost, "/api/remind/1", body, 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckReplyQueuesConfirmation(t *testing.T) {
	store := newFakeJobStore()
	j := scheduledRemindJob(1, testSession.UserID)
	j.OnlyIfNoreply = true
	j.KnownMessageIDs = []string{"abc1"}
	store.reminds[1] = j
	h := &JobHandler{Store: store}

	body := `{"messageId":"abc2","fromName":"Bob","fromEmail":"bob@example.com"}`
	rec := httptest.NewRecorder()
	h.CheckReply(rec, jobRequest(http.MethodPost, "/api/remind/1/checkreply", body, 1))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, store.reminds[1].DisabledReply)
	assert.Equal(t, "abc2", store.reminds[1].DisabledReply.MessageID)
	require.Len(t, store.enqueued, 1)
	assert.Equal(t, enqueuedCall{job.KindCheckReply, 1, job.StateChecking}, store.enqueued[0])
}

func TestDeleteSendGuard(t *testing.T) {
	store := newFakeJobStore()
	scheduled := scheduledSendJob(1, testSession.UserID)
	queued := scheduledSendJob(2, testSession.UserID)
	queued.State = job.StateQueued
	store.sends[1] = scheduled
	store.sends[2] = queued
	h := &JobHandler{Store: store}

	rec := httptest.NewRecorder()
	h.DeleteSend(rec, jobRequest(http.MethodDelete, "/api/send/1", "", 1))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Already picked up: refused, job stays.
	rec = httptest.NewRecorder()
	h.DeleteSend(rec, jobRequest(http.MethodDelete, "/api/send/2", "", 2))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, store.sends, uint64(2))
}
