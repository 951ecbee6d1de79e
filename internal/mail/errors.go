package mail

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure classes a gateway call can produce.
// Every error returned by the gateway wraps one of these, so callers can
// switch exhaustively instead of matching on concrete error types.
type Kind int

const (
	// KindUnknown covers transport/IO failures and anything unclassified.
	KindUnknown Kind = iota
	// KindAuth is an authentication or connection-limit failure. Often
	// temporary (expired token, too many IMAP connections).
	KindAuth
	// KindMailNotFound means the referenced draft or mail does not exist.
	KindMailNotFound
	// KindInvalidEmail means the message cannot be sent as addressed.
	KindInvalidEmail
	// KindMailboxNotFound means a mailbox expected to exist was missing.
	KindMailboxNotFound
	// KindRfcMsgIDMissing means the last message of a thread carries no
	// RFC message id, so a reply cannot be threaded onto it.
	KindRfcMsgIDMissing
)

// Retryable reports whether a failure of this kind may succeed on a later
// attempt. Unknown failures are treated as retryable since the cause is
// unclear.
func (k Kind) Retryable() bool {
	return k == KindAuth || k == KindUnknown
}

// Reason returns the notification reason code for this kind.
func (k Kind) Reason() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindMailNotFound:
		return "notfound"
	case KindInvalidEmail:
		return "invalid_mail"
	case KindMailboxNotFound:
		return "mailbox_not_found"
	default:
		// RfcMsgIDMissing has no notice template of its own.
		return "unknown"
	}
}

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindMailNotFound:
		return "mail_not_found"
	case KindInvalidEmail:
		return "invalid_email"
	case KindMailboxNotFound:
		return "mailbox_not_found"
	case KindRfcMsgIDMissing:
		return "rfc_msgid_missing"
	default:
		return "unknown"
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mail: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("mail: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Classify maps an arbitrary error to its failure kind. Errors that do not
// wrap a *mail.Error classify as KindUnknown.
func Classify(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}
