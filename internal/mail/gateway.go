// Package mail talks to the user's mail provider over IMAP and SMTP and
// classifies every failure into a closed set of kinds the job engine can
// act on.
package mail

import (
	"context"

	"go.uber.org/zap"
)

// Mailman performs the send/reply/reply-check operations for one user. The
// IMAP session is opened lazily and reused across calls; SMTP sessions are
// opened per send. Callers must Quit when done.
type Mailman struct {
	cfg  Config
	log  *zap.Logger
	imap *imapSession
}

func NewMailman(cfg Config, log *zap.Logger) *Mailman {
	return &Mailman{cfg: cfg, log: log}
}

func (m *Mailman) session() (*imapSession, error) {
	if m.imap != nil {
		return m.imap, nil
	}
	s, err := dialIMAP(m.cfg)
	if err != nil {
		return nil, err
	}
	m.imap = s
	return s, nil
}

// Quit closes the IMAP session if one was opened.
func (m *Mailman) Quit() {
	if m.imap != nil {
		m.imap.quit()
		m.imap = nil
	}
}

// SendDraft fetches the draft with the given provider id, stamps it with
// rfcMessageID and submits it over SMTP. The draft itself is left in place;
// MarkAsSent cleans it up afterwards.
func (m *Mailman) SendDraft(ctx context.Context, messageID, rfcMessageID string) error {
	s, err := m.session()
	if err != nil {
		return err
	}
	raw, err := s.draftBytes(m.cfg, messageID)
	if err != nil {
		return err
	}
	out, from, rcpts, err := RewriteDraft(raw, rfcMessageID)
	if err != nil {
		return err
	}

	smtp, err := dialSMTP(m.cfg)
	if err != nil {
		return err
	}
	defer smtp.quit()
	if err := smtp.send(from, rcpts, out); err != nil {
		return err
	}
	m.log.Debug("draft submitted",
		zap.String("message_id", messageID),
		zap.String("rfc_message_id", rfcMessageID))
	return nil
}

// MarkAsSent removes the draft copy of a mail that was already submitted.
// Returns MailNotFound when the draft is already gone, which callers treat
// as success.
func (m *Mailman) MarkAsSent(ctx context.Context, messageID, rfcMessageID string) error {
	s, err := m.session()
	if err != nil {
		return err
	}

	// The sent copy is located by its RFC message id purely to log when the
	// provider has not stored one; its absence is not an error.
	if err := s.selectBox(m.cfg.allBox()); err != nil {
		return err
	}
	if uids, err := s.searchHeader("<"+NormalizeMsgID(rfcMessageID)+">", "Message-Id"); err == nil && len(uids) == 0 {
		m.log.Warn("sent copy not found", zap.String("rfc_message_id", rfcMessageID))
	}

	uid, err := parseHexID(messageID)
	if err != nil {
		return err
	}
	if err := s.selectBox(m.cfg.draftsBox()); err != nil {
		return err
	}
	exists, err := s.messageExists(uid)
	if err != nil {
		return err
	}
	if !exists {
		return newError(KindMailNotFound, nil, "draft %s already gone", messageID)
	}
	return s.deleteMessage(uid)
}

// SendMail submits a message built by this service.
func (m *Mailman) SendMail(ctx context.Context, msg *Message) error {
	raw, err := msg.Bytes()
	if err != nil {
		return newError(KindUnknown, err, "building message")
	}
	rcpts := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		rcpts = append(rcpts, to.Email)
	}
	if msg.From.Email == "" || len(rcpts) == 0 {
		return newError(KindInvalidEmail, nil, "message has no sender or recipients")
	}

	smtp, err := dialSMTP(m.cfg)
	if err != nil {
		return err
	}
	defer smtp.quit()
	return smtp.send(msg.From.Email, rcpts, raw)
}

// ServiceSender submits service mail (failure notices) through a fixed
// SMTP account rather than the user's own.
type ServiceSender struct {
	cfg Config
}

func NewServiceSender(cfg Config) *ServiceSender { return &ServiceSender{cfg: cfg} }

func (s *ServiceSender) SendMail(ctx context.Context, msg *Message) error {
	raw, err := msg.Bytes()
	if err != nil {
		return newError(KindUnknown, err, "building message")
	}
	rcpts := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		rcpts = append(rcpts, to.Email)
	}
	if msg.From.Email == "" || len(rcpts) == 0 {
		return newError(KindInvalidEmail, nil, "message has no sender or recipients")
	}
	smtp, err := dialSMTP(s.cfg)
	if err != nil {
		return err
	}
	defer smtp.quit()
	return smtp.send(msg.From.Email, rcpts, raw)
}

// GetThread lists metadata of the messages in the given thread, oldest
// first. An empty result means the thread root no longer exists.
func (m *Mailman) GetThread(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	s, err := m.session()
	if err != nil {
		return nil, err
	}
	return s.thread(m.cfg, threadID)
}

// BuildReply turns msg into a reply to the last message of the given
// thread: References, In-Reply-To and Subject are taken from that message
// (RFC 2822 3.6.4).
func (m *Mailman) BuildReply(ctx context.Context, threadID string, msg *Message) (*Message, error) {
	msgs, err := m.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, newError(KindMailNotFound, nil, "thread %s not found", threadID)
	}
	last := msgs[len(msgs)-1]
	if last.RfcMessageID == "" {
		return nil, newError(KindRfcMsgIDMissing, nil, "last mail in thread %s has no rfc message id", threadID)
	}

	refs := last.References
	if len(refs) == 0 && last.InReplyTo != "" {
		refs = []string{last.InReplyTo}
	}
	msg.References = append(refs, last.RfcMessageID)
	msg.InReplyTo = last.RfcMessageID
	msg.Subject = last.Subject
	return msg, nil
}
