package inbound

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/extract"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

const replyMail = "From: Alice <Alice@Example.com>\r\n" +
	"To: support@example.com\r\n" +
	"Subject: Re: [TKT-000123] Login issue\r\n" +
	"Message-ID: <reply-1@example.com>\r\n" +
	"In-Reply-To: <out-1@helpdesk.example.com>\r\n" +
	"Date: Mon, 06 May 2024 07:08:09 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Thanks!\r\n\r\nOn Jan 1, 2024, Bob wrote:\r\n> old content\r\n"

func TestDecodeFillsRecord(t *testing.T) {
	d := NewDecoder(nil, nil)
	msg, err := d.Decode(7, []byte(replyMail), time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 7, msg.MailboxAccountID)
	assert.Equal(t, "reply-1@example.com", msg.MessageID)
	assert.Equal(t, "alice@example.com", msg.FromAddress)
	assert.Equal(t, "Re: [TKT-000123] Login issue", msg.Subject)
	assert.Equal(t, "Thanks!", msg.BodyPlain)
	assert.Equal(t, []string{"out-1@helpdesk.example.com"}, msg.Headers.ThreadIDs())
	assert.Equal(t, time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC), msg.ReceivedAt)
	assert.Equal(t, models.MessageStatusPending, msg.Status)
	assert.True(t, msg.Extracted)
}

func TestDecodeKeepsFetchTime(t *testing.T) {
	fetched := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	msg, err := NewDecoder(nil, nil).Decode(1, []byte(replyMail), fetched)
	require.NoError(t, err)
	assert.Equal(t, fetched, msg.ReceivedAt)
}

func TestDecodeHTMLOnlyDerivesPlain(t *testing.T) {
	raw := "From: a@example.com\r\nMessage-ID: <h@x>\r\nContent-Type: text/html\r\n\r\n<p>Hello</p><blockquote>old</blockquote>"
	msg, err := NewDecoder(nil, nil).Decode(1, []byte(raw), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "<p>Hello</p>", msg.BodyHTML)
	assert.Equal(t, "Hello", msg.BodyPlain)
}

func TestDecodeFailureKeepsDedupKey(t *testing.T) {
	var b strings.Builder
	b.WriteString("From: a@example.com\r\nMessage-ID: <many@x>\r\nContent-Type: multipart/mixed; boundary=B\r\n\r\n")
	for i := 0; i < 3; i++ {
		b.WriteString("--B\r\nContent-Type: application/pdf\r\nContent-Disposition: attachment; filename=f.pdf\r\n\r\n%PDF\r\n")
	}
	b.WriteString("--B--\r\n")

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	d := NewDecoder(extract.New(extract.Limits{MaxAttachments: 2}), nil, WithDecoderClock(func() time.Time { return now }))
	msg, err := d.Decode(3, []byte(b.String()), time.Time{})
	require.ErrorIs(t, err, extract.ErrTooManyAttachments)
	require.NotNil(t, msg)
	assert.Equal(t, "many@x", msg.MessageID)
	assert.False(t, msg.Extracted)
	assert.NotEmpty(t, msg.LastError)
	assert.Equal(t, now, msg.ReceivedAt)
}

func TestFillKeepsStoredMessageID(t *testing.T) {
	msg := &models.InboundMessage{MessageID: "stored@x", Raw: []byte(replyMail)}
	require.NoError(t, NewDecoder(nil, nil).Fill(msg))
	assert.Equal(t, "stored@x", msg.MessageID)
	assert.Equal(t, "stored@x", msg.Headers.MessageID)
}
