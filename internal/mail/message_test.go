package mail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeMessageID(t *testing.T) {
	a, b := MakeMessageID(), MakeMessageID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "@")
	assert.NotContains(t, a, "<")
	assert.NotContains(t, a, ">")
}

func TestNormalizeMsgID(t *testing.T) {
	assert.Equal(t, "abc@host", NormalizeMsgID("<abc@host>"))
	assert.Equal(t, "abc@host", NormalizeMsgID("  abc@host "))
	assert.Equal(t, "abc@host", NormalizeMsgID("abc@host"))
}

func TestMessageBytes(t *testing.T) {
	m := &Message{
		From:      Address{Name: "Notifier", Email: "notify@example.com"},
		To:        []Address{{Email: "user@example.com"}},
		Subject:   "hello",
		TextBody:  "plain body",
		HTMLBody:  "<p>html body</p>",
		MessageID: "id1@example.com",
		InReplyTo: "<parent@example.com>",
	}
	raw, err := m.Bytes()
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, "From:")
	assert.Contains(t, s, "notify@example.com")
	assert.Contains(t, s, "user@example.com")
	assert.Contains(t, s, "Subject: hello")
	assert.Contains(t, s, "<id1@example.com>")
	assert.Contains(t, s, "<parent@example.com>")
	assert.Contains(t, s, "plain body")
	assert.Contains(t, s, "html body")
}

func TestMessageBytesTextOnly(t *testing.T) {
	m := &Message{
		From:     Address{Email: "a@example.com"},
		To:       []Address{{Email: "b@example.com"}},
		Subject:  "plain",
		TextBody: "just text",
	}
	raw, err := m.Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "just text")
	assert.NotContains(t, string(raw), "text/html")
}

const draftFixture = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Cc: carol@example.com\r\n" +
	"Bcc: dave@example.com\r\n" +
	"Subject: a draft\r\n" +
	"Message-Id: <old-id@example.com>\r\n" +
	"Date: Mon, 01 Jan 2024 10:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"draft body\r\n"

func TestRewriteDraft(t *testing.T) {
	out, from, rcpts, err := RewriteDraft([]byte(draftFixture), "new-id@example.com")
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", from)
	assert.ElementsMatch(t, []string{"bob@example.com", "carol@example.com", "dave@example.com"}, rcpts)

	s := string(out)
	assert.Contains(t, s, "<new-id@example.com>")
	assert.NotContains(t, s, "old-id@example.com")
	// Bcc recipients ride the envelope only.
	assert.NotContains(t, s, "dave@example.com")
	assert.Contains(t, s, "draft body")
}

func TestRewriteDraftNoFrom(t *testing.T) {
	raw := strings.Replace(draftFixture, "From: Alice <alice@example.com>\r\n", "", 1)
	_, _, _, err := RewriteDraft([]byte(raw), "new-id@example.com")
	require.Error(t, err)
	assert.Equal(t, KindInvalidEmail, Classify(err))
}

func TestRewriteDraftNoRecipients(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"Subject: lonely\r\n" +
		"\r\n" +
		"body\r\n"
	_, _, _, err := RewriteDraft([]byte(raw), "new-id@example.com")
	require.Error(t, err)
	assert.Equal(t, KindInvalidEmail, Classify(err))
}
