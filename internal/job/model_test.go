package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpone/internal/mail"
)

func TestValidHexID(t *testing.T) {
	assert.True(t, ValidHexID("abc123"))
	assert.True(t, ValidHexID("0"))
	assert.True(t, ValidHexID("ffffffffffffffff"))
	assert.False(t, ValidHexID(""))
	assert.False(t, ValidHexID("ABC123"))
	assert.False(t, ValidHexID("xyz"))
	assert.False(t, ValidHexID("ffffffffffffffff0"))
	assert.False(t, ValidHexID("abc 123"))
}

func TestLocalScheduledAt(t *testing.T) {
	b := &Base{
		ScheduledAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		UTCOffset:   -120, // two hours east of UTC
	}
	local := b.LocalScheduledAt()
	assert.Equal(t, 14, local.Hour())
	assert.True(t, local.Equal(b.ScheduledAt))
}

func TestSendJobDeleteDecision(t *testing.T) {
	cases := map[State]DeleteDecision{
		StateScheduled: DeleteAllowed,
		StateQueued:    DeleteRefused,
		StateSent:      DeleteRefused,
		StateChecking:  DeleteRefused,
		StateDisabled:  DeleteRefused,
		StateDone:      DeleteRefused,
		StateFailed:    DeleteRefused,
	}
	for state, want := range cases {
		j := &SendJob{Base: Base{State: state}}
		assert.Equal(t, want, j.DeleteDecision(), "state %s", state)
	}
}

func TestRemindJobDeleteDecision(t *testing.T) {
	cases := map[State]DeleteDecision{
		StateScheduled: DeleteAllowed,
		StateDisabled:  DeleteAllowed,
		// Transitions in flight: the delete succeeds without effect.
		StateQueued:   DeleteIgnored,
		StateChecking: DeleteIgnored,
		StateDone:     DeleteIgnored,
		// Never reached by remind jobs via queueing, still refused.
		StateSent:   DeleteRefused,
		StateFailed: DeleteRefused,
	}
	for state, want := range cases {
		j := &RemindJob{Base: Base{State: state}}
		assert.Equal(t, want, j.DeleteDecision(), "state %s", state)
	}
}

func TestDisabledReplyFrom(t *testing.T) {
	d := time.Date(2026, 2, 2, 9, 30, 0, 0, time.UTC)
	m := mail.ThreadMessage{
		MessageID:    "abc2",
		RfcMessageID: "reply@example.com",
		Subject:      "Re: hi",
		From:         mail.Address{Name: "Bob", Email: "bob@example.com"},
		Date:         d,
	}
	r := DisabledReplyFrom(m)
	assert.Equal(t, "abc2", r.MessageID)
	assert.Equal(t, "Bob", r.FromName)
	assert.Equal(t, "bob@example.com", r.FromEmail)
	require.NotNil(t, r.Date)
	assert.True(t, r.Date.Equal(d))

	r = DisabledReplyFrom(mail.ThreadMessage{MessageID: "abc3"})
	assert.Nil(t, r.Date)
}
