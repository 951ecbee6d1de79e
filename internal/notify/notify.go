// Package notify emails users about terminally failed jobs and builds the
// reminder message bodies.
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"io"
	texttemplate "text/template"

	"go.uber.org/zap"

	"postpone/internal/job"
	"postpone/internal/mail"
)

//go:embed templates/*
var templatesFS embed.FS

var sendReasons = map[string]string{
	"auth":              "We could not sign in to your mail account. Please reconnect it and schedule the mail again.",
	"notfound":          "The draft could not be found. It may have been deleted or already sent.",
	"invalid_mail":      "The draft could not be sent as addressed. Please check its recipients.",
	"mailbox_not_found": "A mailbox we expected to exist was missing from your account.",
	"unknown":           "An unexpected error occurred while sending it.",
}

var remindReasons = map[string]string{
	"auth":              "We could not sign in to your mail account. Please reconnect it.",
	"notfound":          "The conversation could not be found. It may have been deleted.",
	"invalid_mail":      "The reminder could not be sent as addressed.",
	"mailbox_not_found": "A mailbox we expected to exist was missing from your account.",
	"unknown":           "An unexpected error occurred while processing it.",
}

const dateFormat = "Mon 02.01.2006 15:04 -0700"

// Sender delivers a finished notice.
type Sender interface {
	SendMail(ctx context.Context, msg *mail.Message) error
}

type Notifier struct {
	sender Sender
	from   mail.Address
	log    *zap.Logger
	text   *texttemplate.Template
	html   *htmltemplate.Template
}

func New(sender Sender, from mail.Address, log *zap.Logger) (*Notifier, error) {
	text, err := texttemplate.ParseFS(templatesFS, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parsing text templates: %w", err)
	}
	html, err := htmltemplate.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing html templates: %w", err)
	}
	return &Notifier{sender: sender, from: from, log: log, text: text, html: html}, nil
}

type noticeData struct {
	Subject     string
	ScheduledAt string
	ReasonText  string
}

// SendFailed mails the user that their scheduled email was not sent.
func (n *Notifier) SendFailed(ctx context.Context, j *job.SendJob, reason string) error {
	text, ok := sendReasons[reason]
	if !ok {
		return fmt.Errorf("notify: invalid reason %q", reason)
	}
	n.log.Info("sending failure notice",
		zap.Uint64("job_id", j.ID), zap.String("reason", reason))
	return n.sendNotice(ctx, j.UserEmail,
		fmt.Sprintf("Your scheduled email was NOT sent: %s", j.Subject),
		"send_failed", noticeData{
			Subject:     j.Subject,
			ScheduledAt: j.LocalScheduledAt().Format(dateFormat),
			ReasonText:  text,
		})
}

// RemindFailed mails the user that their reminder could not be processed.
func (n *Notifier) RemindFailed(ctx context.Context, j *job.RemindJob, reason string) error {
	text, ok := remindReasons[reason]
	if !ok {
		return fmt.Errorf("notify: invalid reason %q", reason)
	}
	n.log.Info("sending failure notice",
		zap.Uint64("job_id", j.ID), zap.String("reason", reason))
	return n.sendNotice(ctx, j.UserEmail,
		fmt.Sprintf("We failed to process your reminder for: %s", j.Subject),
		"remind_failed", noticeData{
			Subject:     j.Subject,
			ScheduledAt: j.LocalScheduledAt().Format(dateFormat),
			ReasonText:  text,
		})
}

// ReminderMessage builds the body of a reminder mail. The thread headers
// and subject are filled in later by the gateway's BuildReply.
func (n *Notifier) ReminderMessage(j *job.RemindJob) *mail.Message {
	self := mail.Address{Email: j.UserEmail}
	msg := &mail.Message{From: self, To: []mail.Address{self}}
	data := noticeData{ScheduledAt: j.LocalScheduledAt().Format(dateFormat)}
	msg.TextBody = n.render(n.text, "reminder.txt", data)
	msg.HTMLBody = n.render(n.html, "reminder.html", data)
	return msg
}

func (n *Notifier) sendNotice(ctx context.Context, to, subject, base string, data noticeData) error {
	msg := &mail.Message{
		From:     n.from,
		To:       []mail.Address{{Email: to}},
		Subject:  subject,
		TextBody: n.render(n.text, base+".txt", data),
		HTMLBody: n.render(n.html, base+".html", data),
	}
	return n.sender.SendMail(ctx, msg)
}

// executor is satisfied by both text and html template sets.
type executor interface {
	ExecuteTemplate(w io.Writer, name string, data any) error
}

func (n *Notifier) render(t executor, name string, data noticeData) string {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		n.log.Error("rendering notice template failed",
			zap.String("template", name), zap.Error(err))
		return ""
	}
	return buf.String()
}
