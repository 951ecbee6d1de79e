package job

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"postpone/internal/mail"
	"postpone/internal/queue"
)

func taskOf(k Kind, id uint64) queue.Task {
	return queue.Task{Kind: string(k), JobID: id}
}

type fakeStore struct {
	sends   map[uint64]*SendJob
	reminds map[uint64]*RemindJob
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sends:   map[uint64]*SendJob{},
		reminds: map[uint64]*RemindJob{},
	}
}

func (s *fakeStore) GetSend(ctx context.Context, id uint64) (*SendJob, error) {
	j, ok := s.sends[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) PutSend(ctx context.Context, j *SendJob) error {
	if s.putErr != nil {
		return s.putErr
	}
	cp := *j
	s.sends[j.ID] = &cp
	return nil
}

func (s *fakeStore) GetRemind(ctx context.Context, id uint64) (*RemindJob, error) {
	j, ok := s.reminds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) PutRemind(ctx context.Context, j *RemindJob) error {
	if s.putErr != nil {
		return s.putErr
	}
	cp := *j
	s.reminds[j.ID] = &cp
	return nil
}

type fakeGateway struct {
	sendDraftErr error
	markErr      error
	sendMailErr  error
	threadErr    error
	buildErr     error

	thread []mail.ThreadMessage

	draftsSent  []string
	marked      []string
	mailsSent   []*mail.Message
	threadCalls int
	quits       int
}

func (g *fakeGateway) SendDraft(ctx context.Context, messageID, rfcMessageID string) error {
	if g.sendDraftErr != nil {
		return g.sendDraftErr
	}
	g.draftsSent = append(g.draftsSent, messageID)
	return nil
}

func (g *fakeGateway) MarkAsSent(ctx context.Context, messageID, rfcMessageID string) error {
	if g.markErr != nil {
		return g.markErr
	}
	g.marked = append(g.marked, messageID)
	return nil
}

func (g *fakeGateway) SendMail(ctx context.Context, msg *mail.Message) error {
	if g.sendMailErr != nil {
		return g.sendMailErr
	}
	g.mailsSent = append(g.mailsSent, msg)
	return nil
}

func (g *fakeGateway) GetThread(ctx context.Context, threadID string) ([]mail.ThreadMessage, error) {
	g.threadCalls++
	if g.threadErr != nil {
		return nil, g.threadErr
	}
	return g.thread, nil
}

func (g *fakeGateway) BuildReply(ctx context.Context, threadID string, msg *mail.Message) (*mail.Message, error) {
	if g.buildErr != nil {
		return nil, g.buildErr
	}
	msg.Subject = "Re: something"
	msg.InReplyTo = "last@example.com"
	return msg, nil
}

func (g *fakeGateway) Quit() { g.quits++ }

type fakeDialer struct {
	gw    *fakeGateway
	err   error
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context, userID uint64, userEmail string) (Gateway, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.gw, nil
}

type fakeNotifier struct {
	sendFailed   []string
	remindFailed []string
}

func (n *fakeNotifier) SendFailed(ctx context.Context, j *SendJob, reason string) error {
	n.sendFailed = append(n.sendFailed, reason)
	return nil
}

func (n *fakeNotifier) RemindFailed(ctx context.Context, j *RemindJob, reason string) error {
	n.remindFailed = append(n.remindFailed, reason)
	return nil
}

func (n *fakeNotifier) ReminderMessage(j *RemindJob) *mail.Message {
	self := mail.Address{Email: j.UserEmail}
	return &mail.Message{From: self, To: []mail.Address{self}, TextBody: "reminder"}
}

func newTestProcessor(store *fakeStore, gw *fakeGateway) (*Processor, *fakeDialer, *fakeNotifier) {
	dialer := &fakeDialer{gw: gw}
	notifier := &fakeNotifier{}
	return NewProcessor(store, dialer, notifier, zap.NewNop()), dialer, notifier
}

func queuedSend(id uint64) *SendJob {
	return &SendJob{
		Base:      Base{ID: id, UserID: 7, UserEmail: "user@example.com", State: StateQueued},
		MessageID: "abc123",
		Subject:   "hello",
	}
}

func queuedRemind(id uint64) *RemindJob {
	return &RemindJob{
		Base:     Base{ID: id, UserID: 7, UserEmail: "user@example.com", State: StateQueued},
		ThreadID: "dead77",
		Subject:  "follow up",
	}
}

func TestProcessSendHappyPath(t *testing.T) {
	store := newFakeStore()
	store.sends[1] = queuedSend(1)
	gw := &fakeGateway{}
	p, _, _ := newTestProcessor(store, gw)

	require.NoError(t, p.ProcessSend(context.Background(), 1))

	got := store.sends[1]
	assert.Equal(t, StateDone, got.State)
	assert.NotEmpty(t, got.SentMailRfcID)
	assert.Equal(t, []string{"abc123"}, gw.draftsSent)
	assert.Equal(t, []string{"abc123"}, gw.marked)
	assert.Equal(t, 1, gw.quits)
}

func TestProcessSendResumesAfterCrash(t *testing.T) {
	// Crashed after the draft was submitted but before cleanup: the job is
	// in sent with a persisted rfc id. Redelivery must not submit again.
	store := newFakeStore()
	j := queuedSend(1)
	j.State = StateSent
	j.SentMailRfcID = "already@there"
	store.sends[1] = j
	gw := &fakeGateway{}
	p, _, _ := newTestProcessor(store, gw)

	require.NoError(t, p.ProcessSend(context.Background(), 1))

	assert.Empty(t, gw.draftsSent)
	assert.Equal(t, []string{"abc123"}, gw.marked)
	assert.Equal(t, StateDone, store.sends[1].State)
	assert.Equal(t, "already@there", store.sends[1].SentMailRfcID)
}

func TestProcessSendDraftGoneDuringCleanup(t *testing.T) {
	store := newFakeStore()
	store.sends[1] = queuedSend(1)
	gw := &fakeGateway{markErr: &mail.Error{Kind: mail.KindMailNotFound, Msg: "draft gone"}}
	p, _, notifier := newTestProcessor(store, gw)

	require.NoError(t, p.ProcessSend(context.Background(), 1))

	assert.Equal(t, StateDone, store.sends[1].State)
	assert.Empty(t, notifier.sendFailed)
}

func TestProcessSendAuthErrorRetries(t *testing.T) {
	store := newFakeStore()
	store.sends[1] = queuedSend(1)
	gw := &fakeGateway{sendDraftErr: &mail.Error{Kind: mail.KindAuth, Msg: "login rejected"}}
	p, _, notifier := newTestProcessor(store, gw)

	err := p.ProcessSend(context.Background(), 1)
	require.ErrorIs(t, err, ErrRetry)

	got := store.sends[1]
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, 1, got.ErrorCnt)
	assert.Empty(t, notifier.sendFailed)
}

func TestProcessSendRetryBudget(t *testing.T) {
	// One retry left: the failure spends it and asks for redelivery.
	store := newFakeStore()
	j := queuedSend(1)
	j.ErrorCnt = MaxRetries - 1
	store.sends[1] = j
	gw := &fakeGateway{sendDraftErr: &mail.Error{Kind: mail.KindAuth, Msg: "login rejected"}}
	p, _, notifier := newTestProcessor(store, gw)

	require.ErrorIs(t, p.ProcessSend(context.Background(), 1), ErrRetry)
	assert.Equal(t, MaxRetries, store.sends[1].ErrorCnt)
	assert.Equal(t, StateQueued, store.sends[1].State)

	// Budget exhausted: the next failure is terminal and the user is told.
	require.NoError(t, p.ProcessSend(context.Background(), 1))
	assert.Equal(t, StateFailed, store.sends[1].State)
	assert.Equal(t, []string{"auth"}, notifier.sendFailed)
}

func TestProcessSendMissingDraftFailsImmediately(t *testing.T) {
	store := newFakeStore()
	store.sends[1] = queuedSend(1)
	gw := &fakeGateway{sendDraftErr: &mail.Error{Kind: mail.KindMailNotFound, Msg: "no such draft"}}
	p, _, notifier := newTestProcessor(store, gw)

	require.NoError(t, p.ProcessSend(context.Background(), 1))

	assert.Equal(t, StateFailed, store.sends[1].State)
	assert.Equal(t, 1, store.sends[1].ErrorCnt)
	assert.Equal(t, []string{"notfound"}, notifier.sendFailed)
}

func TestProcessSendIgnoresFinishedJob(t *testing.T) {
	store := newFakeStore()
	j := queuedSend(1)
	j.State = StateDone
	store.sends[1] = j
	gw := &fakeGateway{}
	p, dialer, _ := newTestProcessor(store, gw)

	require.NoError(t, p.ProcessSend(context.Background(), 1))
	assert.Zero(t, dialer.calls)
	assert.Equal(t, StateDone, store.sends[1].State)
}

func TestProcessSendMissingJobAbsorbed(t *testing.T) {
	p, _, _ := newTestProcessor(newFakeStore(), &fakeGateway{})
	require.NoError(t, p.ProcessSend(context.Background(), 42))
}

func TestProcessSendNoAccountAbsorbed(t *testing.T) {
	store := newFakeStore()
	store.sends[1] = queuedSend(1)
	p, dialer, _ := newTestProcessor(store, nil)
	dialer.err = ErrNoGateway

	require.NoError(t, p.ProcessSend(context.Background(), 1))
	assert.Equal(t, StateQueued, store.sends[1].State)
	assert.Zero(t, store.sends[1].ErrorCnt)
}

func TestProcessRemindReplyDetected(t *testing.T) {
	store := newFakeStore()
	j := queuedRemind(1)
	j.OnlyIfNoreply = true
	j.KnownMessageIDs = []string{"abc1"}
	store.reminds[1] = j
	gw := &fakeGateway{thread: []mail.ThreadMessage{
		{MessageID: "abc1", Subject: "follow up"},
		{MessageID: "abc2", Subject: "Re: follow up", From: mail.Address{Name: "Bob", Email: "bob@example.com"}},
		{MessageID: "abc3", Subject: "Re: follow up"},
	}}
	p, _, _ := newTestProcessor(store, gw)

	require.NoError(t, p.ProcessRemind(context.Background(), 1))

	got := store.reminds[1]
	assert.Equal(t, StateDone, got.State)
	require.NotNil(t, got.DisabledReply)
	assert.Equal(t, "abc2", got.DisabledReply.MessageID)
	assert.Equal(t, "bob@example.com", got.DisabledReply.FromEmail)
	assert.Empty(t, gw.mailsSent)
}

func TestProcessRemindNoReplySends(t *testing.T) {
	store := newFakeStore()
	j := queuedRemind(1)
	j.OnlyIfNoreply = true
	j.KnownMessageIDs = []string{"abc1"}
	store.reminds[1] = j
	gw := &fakeGateway{thread: []mail.ThreadMessage{{MessageID: "abc1"}}}
	p, _, _ := newTestProcessor(store, gw)

	require.NoError(t, p.ProcessRemind(context.Background(), 1))

	assert.Equal(t, StateDone, store.reminds[1].State)
	require.Len(t, gw.mailsSent, 1)
	assert.Equal(t, "Re: something", gw.mailsSent[0].Subject)
	assert.Equal(t, "user@example.com", gw.mailsSent[0].To[0].Email)
}

func TestProcessRemindUnconditionalSkipsThreadCheck(t *testing.T) {
	store := newFakeStore()
	store.reminds[1] = queuedRemind(1)
	gw := &fakeGateway{}
	p, _, _ := newTestProcessor(store, gw)

	require.NoError(t, p.ProcessRemind(context.Background(), 1))

	assert.Equal(t, StateDone, store.reminds[1].State)
	assert.Zero(t, gw.threadCalls)
	assert.Len(t, gw.mailsSent, 1)
}

func TestProcessRemindMissingRfcIDTerminal(t *testing.T) {
	store := newFakeStore()
	store.reminds[1] = queuedRemind(1)
	gw := &fakeGateway{buildErr: &mail.Error{Kind: mail.KindRfcMsgIDMissing, Msg: "no rfc id"}}
	p, _, notifier := newTestProcessor(store, gw)

	require.NoError(t, p.ProcessRemind(context.Background(), 1))

	assert.Equal(t, StateFailed, store.reminds[1].State)
	assert.Equal(t, []string{"unknown"}, notifier.remindFailed)
}

func TestProcessRemindIgnoresUnqueuedJob(t *testing.T) {
	store := newFakeStore()
	j := queuedRemind(1)
	j.State = StateScheduled
	store.reminds[1] = j
	p, dialer, _ := newTestProcessor(store, &fakeGateway{})

	require.NoError(t, p.ProcessRemind(context.Background(), 1))
	assert.Zero(t, dialer.calls)
	assert.Equal(t, StateScheduled, store.reminds[1].State)
}

func checkingRemind(id uint64) *RemindJob {
	j := queuedRemind(id)
	j.State = StateChecking
	j.OnlyIfNoreply = true
	j.KnownMessageIDs = []string{"abc1"}
	return j
}

func TestProcessCheckReplyDisables(t *testing.T) {
	store := newFakeStore()
	store.reminds[1] = checkingRemind(1)
	gw := &fakeGateway{thread: []mail.ThreadMessage{
		{MessageID: "abc1"},
		{MessageID: "abc2", From: mail.Address{Email: "bob@example.com"}},
	}}
	p, _, _ := newTestProcessor(store, gw)

	require.NoError(t, p.ProcessCheckReply(context.Background(), 1))

	got := store.reminds[1]
	assert.Equal(t, StateDisabled, got.State)
	require.NotNil(t, got.DisabledReply)
	assert.Equal(t, "abc2", got.DisabledReply.MessageID)
}

func TestProcessCheckReplyReArmsWithoutReply(t *testing.T) {
	store := newFakeStore()
	store.reminds[1] = checkingRemind(1)
	gw := &fakeGateway{thread: []mail.ThreadMessage{{MessageID: "abc1"}}}
	p, _, _ := newTestProcessor(store, gw)

	require.NoError(t, p.ProcessCheckReply(context.Background(), 1))
	assert.Equal(t, StateScheduled, store.reminds[1].State)
	assert.Nil(t, store.reminds[1].DisabledReply)
}

func TestProcessCheckReplyWithoutGuardReArms(t *testing.T) {
	store := newFakeStore()
	j := checkingRemind(1)
	j.OnlyIfNoreply = false
	store.reminds[1] = j
	p, dialer, _ := newTestProcessor(store, &fakeGateway{})

	require.NoError(t, p.ProcessCheckReply(context.Background(), 1))
	assert.Zero(t, dialer.calls)
	assert.Equal(t, StateScheduled, store.reminds[1].State)
}

func TestProcessCheckReplySelfHeals(t *testing.T) {
	store := newFakeStore()
	store.reminds[1] = checkingRemind(1)
	gw := &fakeGateway{threadErr: errors.New("imap hiccup")}
	p, _, notifier := newTestProcessor(store, gw)

	// Two retries, then the job re-arms instead of failing.
	require.ErrorIs(t, p.ProcessCheckReply(context.Background(), 1), ErrRetry)
	assert.Equal(t, 1, store.reminds[1].ErrorCnt)
	require.ErrorIs(t, p.ProcessCheckReply(context.Background(), 1), ErrRetry)
	assert.Equal(t, 2, store.reminds[1].ErrorCnt)

	require.NoError(t, p.ProcessCheckReply(context.Background(), 1))
	got := store.reminds[1]
	assert.Equal(t, StateScheduled, got.State)
	assert.Zero(t, got.ErrorCnt)
	assert.Empty(t, notifier.remindFailed)
}

func TestHandleDispatch(t *testing.T) {
	store := newFakeStore()
	store.sends[1] = queuedSend(1)
	gw := &fakeGateway{}
	p, _, _ := newTestProcessor(store, gw)

	require.NoError(t, p.Handle(context.Background(), taskOf(KindSend, 1)))
	assert.Equal(t, StateDone, store.sends[1].State)

	// Unknown kinds are dropped, not retried forever.
	require.NoError(t, p.Handle(context.Background(), taskOf(Kind("bogus"), 1)))
}
