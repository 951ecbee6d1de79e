package job

import (
	"regexp"
	"slices"
	"time"

	"github.com/lib/pq"

	"postpone/internal/mail"
)

// State is the lifecycle state of a scheduled job.
type State string

const (
	StateScheduled State = "scheduled"
	StateQueued    State = "queued"
	StateSent      State = "sent"
	StateChecking  State = "checking"
	StateDisabled  State = "disabled"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Kind names a processing step as carried on queue payloads and outbox rows.
type Kind string

const (
	KindSend       Kind = "send"
	KindRemind     Kind = "remind"
	KindCheckReply Kind = "check_reply"
)

var hexIDRe = regexp.MustCompile(`^[0-9a-f]{1,16}$`)

// ValidHexID reports whether s is a hex encoded 64 bit provider id.
func ValidHexID(s string) bool { return hexIDRe.MatchString(s) }

// Base carries the fields shared by both job kinds. UserID, UserEmail and
// the provider ids are immutable after creation; State, ErrorCnt and the
// kind-specific result fields are mutated only by the scheduler and the
// processor.
type Base struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	UserID      uint64    `gorm:"index;not null" json:"-"`
	UserEmail   string    `gorm:"type:text;not null" json:"-"`
	ScheduledAt time.Time `gorm:"index;not null" json:"scheduledAt"`
	// Minutes west of UTC, display only (javascript getTimezoneOffset
	// convention). Does not affect ScheduledAt semantics.
	UTCOffset int       `gorm:"not null;default:0" json:"utcOffset"`
	State     State     `gorm:"type:text;index;not null;default:'scheduled'" json:"state"`
	ErrorCnt  int       `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"-"`
}

// LocalScheduledAt renders ScheduledAt in the user's display timezone.
func (b *Base) LocalScheduledAt() time.Time {
	return b.ScheduledAt.In(time.FixedZone("local", -b.UTCOffset*60))
}

// SendJob schedules an existing draft to be sent at ScheduledAt.
//
// States: scheduled -> queued -> sent -> done, with failed reachable from
// queued or sent. SentMailRfcID is set exactly when the send step has
// completed (state sent, done, or failed after sent).
type SendJob struct {
	Base
	// Provider id of the draft, hex encoded 64 bit. Immutable.
	MessageID string `gorm:"type:text;not null" json:"messageId"`
	// Display only.
	Subject       string `gorm:"type:text" json:"subject"`
	SentMailRfcID string `gorm:"type:text" json:"-"`
}

// DeleteDecision says how a user's delete request is handled in the job's
// current state: performed, silently skipped, or refused.
type DeleteDecision int

const (
	DeleteRefused DeleteDecision = iota
	DeleteAllowed
	DeleteIgnored
)

func decideDelete(deletable, ignorable []State, s State) DeleteDecision {
	if slices.Contains(ignorable, s) {
		return DeleteIgnored
	}
	if slices.Contains(deletable, s) {
		return DeleteAllowed
	}
	return DeleteRefused
}

// DeletableStates lists the states a user may delete a send job in.
func (SendJob) DeletableStates() []State { return []State{StateScheduled} }

// DeleteDecision for a send job: only still-scheduled jobs may go; anything
// already picked up or finished is refused.
func (j *SendJob) DeleteDecision() DeleteDecision {
	return decideDelete(j.DeletableStates(), nil, j.State)
}

// DisabledReply records the reply that caused a reminder to be disabled.
type DisabledReply struct {
	MessageID    string     `json:"messageId"`
	RfcMessageID string     `json:"rfcMessageId,omitempty"`
	Subject      string     `json:"subject,omitempty"`
	Date         *time.Time `json:"date,omitempty"`
	FromName     string     `json:"fromName"`
	FromEmail    string     `json:"fromEmail"`
}

// DisabledReplyFrom builds a DisabledReply from a thread message.
func DisabledReplyFrom(m mail.ThreadMessage) *DisabledReply {
	reply := &DisabledReply{
		MessageID:    m.MessageID,
		RfcMessageID: m.RfcMessageID,
		Subject:      m.Subject,
		FromName:     m.From.Name,
		FromEmail:    m.From.Email,
	}
	if !m.Date.IsZero() {
		d := m.Date
		reply.Date = &d
	}
	return reply
}

// RemindJob re-sends a reply to a thread at ScheduledAt unless a reply was
// detected in the meantime.
//
// States: scheduled -> queued -> done (reminder sent, or reply found at
// send time), scheduled -> checking -> {disabled | scheduled} for the
// periodic reply check, with failed reachable from queued.
type RemindJob struct {
	Base
	// Provider thread id, hex encoded 64 bit. Immutable.
	ThreadID string `gorm:"type:text;not null" json:"threadId"`
	Subject  string `gorm:"type:text" json:"subject"`
	// When true the reminder is only sent if no reply was detected;
	// KnownMessageIDs must be non-empty in that case.
	OnlyIfNoreply   bool           `gorm:"not null;default:false" json:"onlyIfNoreply"`
	KnownMessageIDs pq.StringArray `gorm:"type:text[]" json:"knownMessageIds"`
	DisabledReply   *DisabledReply `gorm:"type:jsonb;serializer:json" json:"disabledReply,omitempty"`
}

// DeletableStates lists the states a user may delete a remind job in.
func (RemindJob) DeletableStates() []State { return []State{StateScheduled, StateDisabled} }

// IgnoreDeleteStates lists states where a delete succeeds without effect.
func (RemindJob) IgnoreDeleteStates() []State {
	return []State{StateQueued, StateChecking, StateDone}
}

// DeleteDecision for a remind job: scheduled and disabled jobs may go;
// deletes racing a transition in flight succeed without effect so the client
// never errors on a job it legitimately held.
func (j *RemindJob) DeleteDecision() DeleteDecision {
	return decideDelete(j.DeletableStates(), j.IgnoreDeleteStates(), j.State)
}
