package mail

import (
	"bytes"
	"errors"
	"strings"

	"github.com/emersion/go-smtp"
)

type smtpSession struct {
	client *smtp.Client
}

func dialSMTP(cfg Config) (*smtpSession, error) {
	var client *smtp.Client
	var err error
	if strings.HasSuffix(cfg.SMTPAddr, ":465") {
		client, err = smtp.DialTLS(cfg.SMTPAddr, nil)
	} else {
		client, err = smtp.DialStartTLS(cfg.SMTPAddr, nil)
	}
	if err != nil {
		return nil, newError(KindUnknown, err, "connecting to smtp %s", cfg.SMTPAddr)
	}

	saslClient, err := cfg.saslClient(cfg.SMTPAddr)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Auth(saslClient); err != nil {
		_ = client.Close()
		return nil, newError(KindAuth, err, "smtp auth failed for %s", cfg.Username)
	}
	return &smtpSession{client: client}, nil
}

func (s *smtpSession) send(from string, rcpts []string, raw []byte) error {
	err := s.client.SendMail(from, rcpts, bytes.NewReader(raw))
	if err == nil {
		return nil
	}
	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		switch serr.Code {
		case 550, 551, 552, 553:
			return newError(KindInvalidEmail, err, "server rejected recipients")
		case 530, 534, 535:
			return newError(KindAuth, err, "smtp session not authenticated")
		}
	}
	return newError(KindUnknown, err, "sending mail")
}

func (s *smtpSession) quit() {
	// Best effort; the mail either went out or it didn't.
	_ = s.client.Quit()
}
