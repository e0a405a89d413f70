package extract

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/attachments"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const multipartMessage = `From: "Alice Example" <Alice@Example.com>
To: support@example.com, Bob <bob@example.com>
Cc: carol@example.com
Subject: =?UTF-8?B?UGFzc3dvcmQgcmVzZXQ=?=
Date: Mon, 01 Jan 2024 10:00:00 +0000
Message-ID: <msg-1@example.com>
In-Reply-To: <parent@example.com>
References: <root@example.com> <parent@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="alt"

--alt
Content-Type: text/plain; charset=utf-8

Plain body
--alt
Content-Type: multipart/related; boundary="rel"

--rel
Content-Type: text/html; charset=utf-8

<p>HTML body <img src="cid:logo@example.com"></p>
--rel
Content-Type: image/png
Content-ID: <logo@example.com>
Content-Disposition: inline
Content-Transfer-Encoding: base64

iVBORw0KGgo=
--rel--
--alt--
--outer
Content-Type: application/pdf; name="invoice.pdf"
Content-Disposition: attachment; filename="invoice.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQ=
--outer
Content-Type: application/x-msdownload; name="setup.exe"
Content-Disposition: attachment; filename="setup.exe"

MZ
--outer--
`

func TestExtractMultipart(t *testing.T) {
	e := New(Limits{AllowedExtensions: []string{"pdf", "png", ".JPG"}})
	c, err := e.Extract(crlf(multipartMessage))
	require.NoError(t, err)

	assert.Equal(t, "msg-1@example.com", c.MessageID)
	assert.False(t, c.Synthetic)
	assert.Equal(t, "alice@example.com", c.FromAddress)
	assert.Equal(t, "Alice Example", c.FromName)
	assert.Equal(t, []string{"support@example.com", "bob@example.com"}, c.To)
	assert.Equal(t, []string{"carol@example.com"}, c.Cc)
	assert.Equal(t, "Password reset", c.Subject)
	assert.Equal(t, 2024, c.Date.Year())
	assert.Equal(t, []string{"parent@example.com"}, c.Headers.InReplyTo)
	assert.Equal(t, []string{"root@example.com", "parent@example.com"}, c.Headers.References)

	assert.Equal(t, "Plain body", strings.TrimSpace(c.PlainBody))
	assert.Contains(t, c.HTMLBody, "HTML body")

	require.Len(t, c.Attachments, 2)
	logo := c.Attachments[0]
	assert.True(t, logo.Inline)
	assert.Equal(t, "logo@example.com", logo.ContentID)
	assert.Equal(t, "image/png", logo.MimeType)
	assert.Equal(t, "png", logo.Extension)
	assert.Equal(t, "logo.png", logo.Filename)

	invoice := c.Attachments[1]
	assert.False(t, invoice.Inline)
	assert.Equal(t, "invoice.pdf", invoice.Filename)
	assert.Equal(t, "pdf", invoice.Extension)
	assert.Equal(t, []byte("%PDF-1.4"), invoice.Content)
	assert.EqualValues(t, 8, invoice.Size)

	require.Len(t, c.Dropped, 1)
	assert.Equal(t, "setup.exe", c.Dropped[0].Filename)
	assert.Contains(t, c.Dropped[0].Reason, "not allowed")
}

func TestExtractSinglePartWithoutMessageID(t *testing.T) {
	raw := crlf("From: bob@example.com\nSubject: hello\nContent-Type: text/plain; charset=iso-8859-1\nContent-Transfer-Encoding: quoted-printable\n\nCaf=E9 ouvert\n")
	c, err := New(Limits{}).Extract(raw)
	require.NoError(t, err)
	assert.True(t, c.Synthetic)
	assert.True(t, strings.HasPrefix(c.MessageID, "sha256:"))
	assert.Len(t, c.MessageID, len("sha256:")+64)
	assert.Equal(t, "Café ouvert", strings.TrimSpace(c.PlainBody))
	assert.Empty(t, c.Attachments)

	again, err := New(Limits{}).Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, c.MessageID, again.MessageID)
}

func TestExtractDropsOversizedAttachment(t *testing.T) {
	e := New(Limits{MaxAttachmentBytes: 4})
	c, err := e.Extract(crlf(multipartMessage))
	require.NoError(t, err)
	require.Len(t, c.Attachments, 1)
	assert.Equal(t, "setup.exe", c.Attachments[0].Filename)
	assert.Len(t, c.Dropped, 2)
	for _, d := range c.Dropped {
		assert.Contains(t, d.Reason, "exceeds")
	}
}

func TestExtractTooManyAttachments(t *testing.T) {
	e := New(Limits{MaxAttachments: 1})
	_, err := e.Extract(crlf(multipartMessage))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyAttachments))
}

func TestExtractRejectsEmpty(t *testing.T) {
	_, err := New(Limits{}).Extract([]byte("  \r\n"))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestNamedTextPartAfterBodyIsAttachment(t *testing.T) {
	raw := crlf(`From: a@example.com
Message-ID: <x@example.com>
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

body
--b
Content-Type: text/plain; name="notes.txt"

notes
--b--
`)
	c, err := New(Limits{}).Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "body", strings.TrimSpace(c.PlainBody))
	require.Len(t, c.Attachments, 1)
	assert.Equal(t, "notes.txt", c.Attachments[0].Filename)
	assert.False(t, c.Attachments[0].Inline)
}

func TestParseMessageIDs(t *testing.T) {
	assert.Equal(t, []string{"a@x", "b@x"}, parseMessageIDs("<a@x> <b@x>\r\n <a@x>"))
	assert.Equal(t, []string{"bare@x"}, parseMessageIDs("bare@x"))
	assert.Nil(t, parseMessageIDs(""))
}

func TestMessageIDFromHeaderOnly(t *testing.T) {
	id, synthetic := MessageID(crlf("Message-ID: <abc@example.com>\nContent-Type: multipart/mixed\n\nnot really multipart"))
	assert.False(t, synthetic)
	assert.Equal(t, "abc@example.com", id)

	raw := crlf("Subject: none\n\nbody")
	id, synthetic = MessageID(raw)
	assert.True(t, synthetic)
	assert.Equal(t, SyntheticMessageID(raw), id)
}

func TestContentIDPartWithoutDispositionIsInline(t *testing.T) {
	raw := crlf(`From: a@example.com
Message-ID: <rel@example.com>
MIME-Version: 1.0
Content-Type: multipart/related; boundary="rel"

--rel
Content-Type: text/html; charset=utf-8

<p><img src="cid:logo@example.com"></p>
--rel
Content-Type: image/png
Content-ID: <logo@example.com>
Content-Transfer-Encoding: base64

iVBORw0KGgo=
--rel
Content-Type: image/png; name="chart.png"
Content-Transfer-Encoding: base64

iVBORw0KGgo=
--rel--
`)
	c, err := New(Limits{}).Extract(raw)
	require.NoError(t, err)
	require.Len(t, c.Attachments, 2)

	logo := c.Attachments[0]
	assert.Equal(t, "logo@example.com", logo.ContentID)
	assert.True(t, logo.Inline)
	assert.False(t, c.Attachments[1].Inline, "no content-id means a regular attachment")

	embedded := attachments.EmbedInline(c.HTMLBody, c.Attachments)
	assert.NotContains(t, embedded, "cid:")
	assert.Contains(t, embedded, `src="data:image/png;base64,`)
}

func TestOversizedBodyIsCutOnRuneBoundary(t *testing.T) {
	raw := crlf("From: a@example.com\nMessage-ID: <long@example.com>\nContent-Type: text/plain; charset=utf-8\n\nabcé\n")
	c, err := New(Limits{MaxBodyBytes: 4}).Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", c.PlainBody)
}
