package mail

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// Address is a display name plus email address.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ThreadMessage is the metadata of one message in a thread, as returned by
// Gateway.GetThread. MessageID is the provider-internal id (hex); the
// Rfc* and header fields come from the message itself.
type ThreadMessage struct {
	MessageID    string
	RfcMessageID string
	Subject      string
	From         Address
	Date         time.Time
	InReplyTo    string
	References   []string
}

// Message is an outgoing mail built by this service (reminders, failure
// notices). Drafts are never represented as a Message; they travel as raw
// RFC 822 bytes.
type Message struct {
	From       Address
	To         []Address
	Subject    string
	TextBody   string
	HTMLBody   string
	MessageID  string
	InReplyTo  string
	References []string
}

// MakeMessageID generates a fresh RFC message id (without angle brackets).
func MakeMessageID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "postpone.local"
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), host)
}

// NormalizeMsgID strips angle brackets and surrounding whitespace so ids
// from different header sources compare equal.
func NormalizeMsgID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

func toGomailAddrs(addrs []Address) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &gomail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}

// Bytes renders the message as RFC 822 bytes. Messages with both a text and
// an html body become multipart/alternative.
func (m *Message) Bytes() ([]byte, error) {
	var h gomail.Header
	h.SetDate(time.Now().UTC())
	h.SetAddressList("From", toGomailAddrs([]Address{m.From}))
	h.SetAddressList("To", toGomailAddrs(m.To))
	h.SetSubject(m.Subject)
	if m.MessageID != "" {
		h.SetMessageID(NormalizeMsgID(m.MessageID))
	}
	if m.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{NormalizeMsgID(m.InReplyTo)})
	}
	if len(m.References) > 0 {
		refs := make([]string, 0, len(m.References))
		for _, r := range m.References {
			refs = append(refs, NormalizeMsgID(r))
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating mail writer: %w", err)
	}

	var th gomail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")

	if m.HTMLBody == "" {
		pw, err := mw.CreateSingleInline(th)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(pw, m.TextBody); err != nil {
			return nil, err
		}
		if err := pw.Close(); err != nil {
			return nil, err
		}
	} else {
		iw, err := mw.CreateInline()
		if err != nil {
			return nil, err
		}
		pw, err := iw.CreatePart(th)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(pw, m.TextBody); err != nil {
			return nil, err
		}
		if err := pw.Close(); err != nil {
			return nil, err
		}

		var hh gomail.InlineHeader
		hh.Set("Content-Type", "text/html; charset=utf-8")
		pw, err = iw.CreatePart(hh)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(pw, m.HTMLBody); err != nil {
			return nil, err
		}
		if err := pw.Close(); err != nil {
			return nil, err
		}
		if err := iw.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RewriteDraft prepares a draft fetched over IMAP for SMTP submission:
// the Message-Id is replaced with rfcID, the Date is refreshed and the Bcc
// header is dropped (its recipients still go on the envelope). It returns
// the rewritten bytes together with the envelope sender and recipients.
func RewriteDraft(raw []byte, rfcID string) (out []byte, from string, rcpts []string, err error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, "", nil, newError(KindUnknown, err, "parsing draft")
	}

	h := gomail.Header{Header: ent.Header}
	fromList, err := h.AddressList("From")
	if err != nil || len(fromList) == 0 {
		return nil, "", nil, newError(KindInvalidEmail, err, "draft has no from address")
	}
	from = fromList[0].Address

	for _, key := range []string{"To", "Cc", "Bcc"} {
		addrs, err := h.AddressList(key)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			rcpts = append(rcpts, a.Address)
		}
	}
	if len(rcpts) == 0 {
		return nil, "", nil, newError(KindInvalidEmail, nil, "draft has no recipients")
	}

	ent.Header.Del("Bcc")
	ent.Header.Set("Message-Id", "<"+NormalizeMsgID(rfcID)+">")
	ent.Header.Del("Date")
	ent.Header.Set("Date", time.Now().UTC().Format(time.RFC1123Z))

	var buf bytes.Buffer
	if err := ent.WriteTo(&buf); err != nil {
		return nil, "", nil, newError(KindUnknown, err, "serializing draft")
	}
	return buf.Bytes(), from, rcpts, nil
}
