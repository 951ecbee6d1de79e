// Package job implements the scheduled-job lifecycle engine: the SendJob
// and RemindJob state machines, the due-job scanner with per-user
// spreading, and the retry policy around an unreliable mail provider.
package job

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"postpone/internal/mail"
	"postpone/internal/queue"
)

// Default retry budgets. Counts persist on the job row, so a consumer that
// crashes mid-retry continues the same budget.
const (
	MaxRetries        = 15
	CheckReplyRetries = 2
)

// ErrRetry signals the queue that the work item should be redelivered. Any
// other non-nil error from a processing entry point means the same; ErrRetry
// just marks the deliberate case.
var ErrRetry = errors.New("job: retry requested")

// ErrNoGateway is returned by a Dialer when the user has no mail account
// connected. The processor absorbs it: there is nothing a retry could fix
// until the user acts.
var ErrNoGateway = errors.New("job: no mail account connected")

// ProcessorStore is the slice of the job store the processor needs.
type ProcessorStore interface {
	GetSend(ctx context.Context, id uint64) (*SendJob, error)
	PutSend(ctx context.Context, j *SendJob) error
	GetRemind(ctx context.Context, id uint64) (*RemindJob, error)
	PutRemind(ctx context.Context, j *RemindJob) error
}

// Gateway is the mail-provider surface a processing step consumes. All
// calls are blocking and network bound; the processor never holds a store
// transaction across them.
type Gateway interface {
	SendDraft(ctx context.Context, messageID, rfcMessageID string) error
	MarkAsSent(ctx context.Context, messageID, rfcMessageID string) error
	SendMail(ctx context.Context, msg *mail.Message) error
	GetThread(ctx context.Context, threadID string) ([]mail.ThreadMessage, error)
	BuildReply(ctx context.Context, threadID string, msg *mail.Message) (*mail.Message, error)
	Quit()
}

// Dialer opens a gateway for a job's owner.
type Dialer interface {
	Dial(ctx context.Context, userID uint64, userEmail string) (Gateway, error)
}

// Notifier tells the user about terminal failures and builds reminder
// bodies. Notification failures are logged, never propagated: a broken
// notice must not wedge a job mid-transition.
type Notifier interface {
	SendFailed(ctx context.Context, j *SendJob, reason string) error
	RemindFailed(ctx context.Context, j *RemindJob, reason string) error
	ReminderMessage(j *RemindJob) *mail.Message
}

// Processor applies one processing step to a job. Steps are safe to re-run:
// each entry point reloads the job and returns harmlessly when the state
// does not match the step, which makes at-least-once delivery idempotent.
type Processor struct {
	Store        ProcessorStore
	Dialer       Dialer
	Notify       Notifier
	Log          *zap.Logger
	MaxRetries   int
	CheckRetries int
}

func NewProcessor(store ProcessorStore, dialer Dialer, notify Notifier, log *zap.Logger) *Processor {
	return &Processor{
		Store:        store,
		Dialer:       dialer,
		Notify:       notify,
		Log:          log,
		MaxRetries:   MaxRetries,
		CheckRetries: CheckReplyRetries,
	}
}

// Handle dispatches a queue task to the matching processing step.
func (p *Processor) Handle(ctx context.Context, t queue.Task) error {
	switch Kind(t.Kind) {
	case KindSend:
		return p.ProcessSend(ctx, t.JobID)
	case KindRemind:
		return p.ProcessRemind(ctx, t.JobID)
	case KindCheckReply:
		return p.ProcessCheckReply(ctx, t.JobID)
	default:
		p.Log.Warn("unknown task kind, dropping", zap.String("kind", t.Kind))
		return nil
	}
}

// ProcessSend runs the two-phase send: submit the draft (queued -> sent),
// then clean up the draft copy (sent -> done). Each phase persists before
// the next so a crash in between resumes at the right phase, and a draft
// whose rfc id is already persisted is never submitted twice.
func (p *Processor) ProcessSend(ctx context.Context, id uint64) error {
	j, err := p.Store.GetSend(ctx, id)
	if errors.Is(err, ErrNotFound) {
		p.Log.Warn("send job gone, dropping", zap.Uint64("job_id", id))
		return nil
	}
	if err != nil {
		return err
	}
	if j.State != StateQueued && j.State != StateSent {
		p.Log.Warn("ignoring send for job not in queued/sent state",
			zap.Uint64("job_id", id), zap.String("state", string(j.State)))
		return nil
	}

	gw, err := p.dial(ctx, &j.Base)
	if err != nil {
		if errors.Is(err, ErrNoGateway) {
			return nil
		}
		return p.failSend(ctx, j, err)
	}
	defer gw.Quit()

	if err := p.sendSteps(ctx, gw, j); err != nil {
		return p.failSend(ctx, j, err)
	}
	return nil
}

func (p *Processor) sendSteps(ctx context.Context, gw Gateway, j *SendJob) error {
	if j.State == StateQueued {
		rfcID := mail.MakeMessageID()
		if err := gw.SendDraft(ctx, j.MessageID, rfcID); err != nil {
			return err
		}
		j.SentMailRfcID = rfcID
		j.State = StateSent
		if err := p.Store.PutSend(ctx, j); err != nil {
			return err
		}
		p.Log.Info("mail sent", zap.Uint64("job_id", j.ID), zap.String("rfc_message_id", rfcID))
	}

	if j.State == StateSent {
		if err := gw.MarkAsSent(ctx, j.MessageID, j.SentMailRfcID); err != nil {
			if mail.Classify(err) != mail.KindMailNotFound {
				return err
			}
			// The draft may already have been moved; not an error.
			p.Log.Info("draft not found during mark-as-sent, ignoring",
				zap.Uint64("job_id", j.ID))
		}
		j.State = StateDone
		return p.Store.PutSend(ctx, j)
	}
	return nil
}

// ProcessRemind sends the reminder, unless the job is reply-guarded and a
// reply turned up, in which case it records the reply and finishes without
// sending.
func (p *Processor) ProcessRemind(ctx context.Context, id uint64) error {
	j, err := p.Store.GetRemind(ctx, id)
	if errors.Is(err, ErrNotFound) {
		p.Log.Warn("remind job gone, dropping", zap.Uint64("job_id", id))
		return nil
	}
	if err != nil {
		return err
	}
	if j.State != StateQueued {
		p.Log.Warn("ignoring remind for un-queued job",
			zap.Uint64("job_id", id), zap.String("state", string(j.State)))
		return nil
	}

	gw, err := p.dial(ctx, &j.Base)
	if err != nil {
		if errors.Is(err, ErrNoGateway) {
			return nil
		}
		return p.failRemind(ctx, j, err)
	}
	defer gw.Quit()

	if j.OnlyIfNoreply {
		reply, err := p.findReply(ctx, gw, j)
		if err != nil {
			return p.failRemind(ctx, j, err)
		}
		if reply != nil {
			p.Log.Info("reply detected, not sending reminder", zap.Uint64("job_id", j.ID))
			j.DisabledReply = reply
			j.State = StateDone
			return p.Store.PutRemind(ctx, j)
		}
	}

	msg, err := gw.BuildReply(ctx, j.ThreadID, p.Notify.ReminderMessage(j))
	if err != nil {
		return p.failRemind(ctx, j, err)
	}
	if err := gw.SendMail(ctx, msg); err != nil {
		return p.failRemind(ctx, j, err)
	}
	p.Log.Info("reminder sent", zap.Uint64("job_id", j.ID))
	j.State = StateDone
	return p.Store.PutRemind(ctx, j)
}

// ProcessCheckReply checks whether the thread got a reply and disables the
// reminder if so; otherwise the job re-arms for the next due scan.
func (p *Processor) ProcessCheckReply(ctx context.Context, id uint64) error {
	j, err := p.Store.GetRemind(ctx, id)
	if errors.Is(err, ErrNotFound) {
		p.Log.Warn("remind job gone, dropping", zap.Uint64("job_id", id))
		return nil
	}
	if err != nil {
		return err
	}
	if j.State != StateChecking {
		p.Log.Warn("ignoring check-reply for job not in checking state",
			zap.Uint64("job_id", id), zap.String("state", string(j.State)))
		return nil
	}
	if !j.OnlyIfNoreply {
		// Misconfigured check; re-arm without treating it as an error.
		p.Log.Warn("check-reply on job without only_if_noreply, re-arming",
			zap.Uint64("job_id", id))
		j.State = StateScheduled
		return p.Store.PutRemind(ctx, j)
	}

	gw, err := p.dial(ctx, &j.Base)
	if err != nil {
		if errors.Is(err, ErrNoGateway) {
			return nil
		}
		return p.failCheckReply(ctx, j, err)
	}
	defer gw.Quit()

	reply, err := p.findReply(ctx, gw, j)
	if err != nil {
		return p.failCheckReply(ctx, j, err)
	}
	if reply != nil {
		p.Log.Info("reply found, disabling reminder", zap.Uint64("job_id", j.ID))
		j.DisabledReply = reply
		j.State = StateDisabled
	} else {
		j.State = StateScheduled
	}
	return p.Store.PutRemind(ctx, j)
}

// findReply compares the thread's current messages against the ids known
// when the reminder was scheduled and returns the first unknown one, in
// thread order, or nil if every message is known.
func (p *Processor) findReply(ctx context.Context, gw Gateway, j *RemindJob) (*DisabledReply, error) {
	msgs, err := gw.GetThread(ctx, j.ThreadID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(j.KnownMessageIDs))
	for _, id := range j.KnownMessageIDs {
		known[id] = true
	}
	for _, m := range msgs {
		if !known[m.MessageID] {
			p.Log.Debug("reply found",
				zap.Uint64("job_id", j.ID), zap.String("message_id", m.MessageID))
			return DisabledReplyFrom(m), nil
		}
	}
	return nil, nil
}

func (p *Processor) dial(ctx context.Context, base *Base) (Gateway, error) {
	gw, err := p.Dialer.Dial(ctx, base.UserID, base.UserEmail)
	if errors.Is(err, ErrNoGateway) {
		p.Log.Error("no mail account for user, dropping task", zap.Uint64("user_id", base.UserID))
		return nil, ErrNoGateway
	}
	if err != nil {
		return nil, err
	}
	return gw, nil
}

// failSend classifies a send failure, spends the retry budget if the kind
// allows it, and otherwise terminates the job with a notification. Exactly
// one persisted final state per invocation.
func (p *Processor) failSend(ctx context.Context, j *SendJob, cause error) error {
	j.ErrorCnt++
	kind := mail.Classify(cause)
	p.Log.Warn("send step failed",
		zap.Uint64("job_id", j.ID),
		zap.Stringer("kind", kind),
		zap.Int("error_cnt", j.ErrorCnt),
		zap.Error(cause))

	if kind.Retryable() && j.ErrorCnt <= p.MaxRetries {
		if err := p.Store.PutSend(ctx, j); err != nil {
			return err
		}
		return fmt.Errorf("%w: %w", ErrRetry, cause)
	}

	if err := p.Notify.SendFailed(ctx, j, kind.Reason()); err != nil {
		p.Log.Error("failure notice not sent", zap.Uint64("job_id", j.ID), zap.Error(err))
	}
	j.State = StateFailed
	return p.Store.PutSend(ctx, j)
}

func (p *Processor) failRemind(ctx context.Context, j *RemindJob, cause error) error {
	j.ErrorCnt++
	kind := mail.Classify(cause)
	p.Log.Warn("remind step failed",
		zap.Uint64("job_id", j.ID),
		zap.Stringer("kind", kind),
		zap.Int("error_cnt", j.ErrorCnt),
		zap.Error(cause))

	if kind.Retryable() && j.ErrorCnt <= p.MaxRetries {
		if err := p.Store.PutRemind(ctx, j); err != nil {
			return err
		}
		return fmt.Errorf("%w: %w", ErrRetry, cause)
	}

	if err := p.Notify.RemindFailed(ctx, j, kind.Reason()); err != nil {
		p.Log.Error("failure notice not sent", zap.Uint64("job_id", j.ID), zap.Error(err))
	}
	j.State = StateFailed
	return p.Store.PutRemind(ctx, j)
}

// failCheckReply retries any failure up to the check budget, then self
// heals: the job re-arms as scheduled with a reset error count. A flaky
// reply check must never permanently break a reminder, so this path can
// not reach failed.
func (p *Processor) failCheckReply(ctx context.Context, j *RemindJob, cause error) error {
	j.ErrorCnt++
	p.Log.Warn("check-reply step failed",
		zap.Uint64("job_id", j.ID),
		zap.Int("error_cnt", j.ErrorCnt),
		zap.Error(cause))

	if j.ErrorCnt <= p.CheckRetries {
		if err := p.Store.PutRemind(ctx, j); err != nil {
			return err
		}
		return fmt.Errorf("%w: %w", ErrRetry, cause)
	}

	p.Log.Warn("check-reply retries exhausted, re-arming", zap.Uint64("job_id", j.ID))
	j.State = StateScheduled
	j.ErrorCnt = 0
	return p.Store.PutRemind(ctx, j)
}
