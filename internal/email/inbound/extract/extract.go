// Package extract decodes raw RFC 5322 messages into bodies and attachment parts.
package extract

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

var (
	// ErrMalformed marks messages whose MIME structure cannot be read.
	ErrMalformed = errors.New("malformed message")
	// ErrTooManyAttachments aborts extraction of the whole message.
	ErrTooManyAttachments = errors.New("too many attachments")
)

func init() {
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
	charset.RegisterEncoding("iso-8859-2", charmap.ISO8859_2)
	gomessage.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		if r, err := charset.Reader(label, input); err == nil {
			return r, nil
		}
		return htmlcharset.NewReaderLabel(label, input)
	}
}

const (
	defaultMaxBodyBytes       = 1024 * 1024
	defaultMaxAttachmentBytes = 10 * 1024 * 1024
	defaultMaxAttachments     = 10
)

// Limits bound what a single message may carry.
type Limits struct {
	MaxAttachments     int
	MaxAttachmentBytes int64
	AllowedExtensions  []string
	MaxBodyBytes       int
}

// Dropped records an attachment skipped by validation.
type Dropped struct {
	Filename string
	Size     int64
	Reason   string
}

// Content is the decoded form of one message.
type Content struct {
	MessageID string
	// Synthetic is set when the message had no Message-ID header.
	Synthetic   bool
	FromAddress string
	FromName    string
	To          []string
	Cc          []string
	Subject     string
	Date        time.Time
	Headers     models.MessageHeaders
	PlainBody   string
	HTMLBody    string
	Attachments []models.Attachment
	Dropped     []Dropped
}

// Extractor walks MIME trees. It is safe for concurrent use.
type Extractor struct {
	limits  Limits
	allowed map[string]struct{}
	logger  *log.Logger
	decoder *mime.WordDecoder
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New builds an extractor enforcing limits. An empty allow-list permits every extension.
func New(limits Limits, opts ...Option) *Extractor {
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = defaultMaxBodyBytes
	}
	if limits.MaxAttachmentBytes <= 0 {
		limits.MaxAttachmentBytes = defaultMaxAttachmentBytes
	}
	if limits.MaxAttachments <= 0 {
		limits.MaxAttachments = defaultMaxAttachments
	}
	e := &Extractor{
		limits:  limits,
		allowed: make(map[string]struct{}, len(limits.AllowedExtensions)),
		logger:  log.Default(),
		decoder: &mime.WordDecoder{CharsetReader: gomessage.CharsetReader},
	}
	for _, ext := range limits.AllowedExtensions {
		e.allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Extract decodes raw. Oversized or disallowed attachments are dropped and
// reported in Content.Dropped; exceeding the attachment count fails the message.
func (e *Extractor) Extract(raw []byte) (*Content, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err != nil {
		e.logf("extract: %v", err)
	}
	defer reader.Close()

	c := &Content{}
	e.readHeader(&reader.Header, c)
	if c.MessageID == "" {
		c.MessageID = SyntheticMessageID(raw)
		c.Synthetic = true
	}
	if err := e.readParts(reader, c); err != nil {
		return nil, err
	}
	return c, nil
}

// SyntheticMessageID derives a stable id for messages without a Message-ID header.
func SyntheticMessageID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// MessageID reads only the header block of raw, so it also works for messages
// whose body cannot be parsed. It falls back to SyntheticMessageID.
func MessageID(raw []byte) (id string, synthetic bool) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err == nil {
		if id := models.NormalizeMessageID(h.Get("Message-Id")); id != "" {
			return id, false
		}
	}
	return SyntheticMessageID(raw), true
}

func (e *Extractor) readHeader(h *gomail.Header, c *Content) {
	c.MessageID = models.NormalizeMessageID(h.Get("Message-Id"))
	c.Subject = e.subject(h)
	if list, err := h.AddressList("From"); err == nil && len(list) > 0 {
		c.FromAddress = strings.ToLower(strings.TrimSpace(list[0].Address))
		c.FromName = strings.TrimSpace(list[0].Name)
	}
	c.To = addresses(h, "To")
	c.Cc = addresses(h, "Cc")
	if date, err := h.Date(); err == nil {
		c.Date = date
	}
	c.Headers = models.MessageHeaders{
		MessageID:     c.MessageID,
		InReplyTo:     parseMessageIDs(h.Get("In-Reply-To")),
		References:    parseMessageIDs(h.Get("References")),
		Date:          h.Get("Date"),
		AutoSubmitted: h.Get("Auto-Submitted"),
		Precedence:    h.Get("Precedence"),
	}
}

func (e *Extractor) subject(h *gomail.Header) string {
	if s, err := h.Subject(); err == nil {
		return strings.TrimSpace(s)
	}
	raw := strings.TrimSpace(h.Get("Subject"))
	if decoded, err := e.decoder.DecodeHeader(raw); err == nil {
		return strings.TrimSpace(decoded)
	}
	return raw
}

func addresses(h *gomail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if addr := strings.ToLower(strings.TrimSpace(a.Address)); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// readParts walks every leaf; the mail reader descends nested multiparts itself.
func (e *Extractor) readParts(reader *gomail.Reader, c *Content) error {
	index := 0
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if gomessage.IsUnknownCharset(err) && part != nil {
				e.logf("extract: %s: %v", c.MessageID, err)
			} else {
				return fmt.Errorf("%w: read part: %v", ErrMalformed, err)
			}
		}
		index++

		var p leaf
		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			p = inlineLeaf(h)
		case *gomail.AttachmentHeader:
			p = attachmentLeaf(h)
		default:
			continue
		}

		if !p.isAttachment(c) {
			body, err := readLimited(part.Body, int64(e.limits.MaxBodyBytes)+1)
			if err != nil {
				return fmt.Errorf("%w: read body: %v", ErrMalformed, err)
			}
			text := string(body)
			if len(body) > e.limits.MaxBodyBytes {
				text = truncateUTF8(text, e.limits.MaxBodyBytes)
				e.logf("extract: %s: %s body truncated to %d bytes", c.MessageID, p.mimeType, len(text))
			}
			if p.mimeType == "text/html" {
				c.HTMLBody = text
			} else {
				c.PlainBody = text
			}
			continue
		}

		data, err := readLimited(part.Body, e.limits.MaxAttachmentBytes+1)
		if err != nil {
			return fmt.Errorf("%w: read attachment %q: %v", ErrMalformed, p.filename, err)
		}
		if len(data) == 0 {
			continue
		}
		att := p.attachment(index, data)
		if reason := e.reject(att); reason != "" {
			e.logf("extract: %s: dropping attachment %q (%d bytes): %s", c.MessageID, att.Filename, att.Size, reason)
			c.Dropped = append(c.Dropped, Dropped{Filename: att.Filename, Size: att.Size, Reason: reason})
			continue
		}
		if e.limits.MaxAttachments > 0 && len(c.Attachments) >= e.limits.MaxAttachments {
			return fmt.Errorf("%w: more than %d in %s", ErrTooManyAttachments, e.limits.MaxAttachments, c.MessageID)
		}
		c.Attachments = append(c.Attachments, att)
	}
}

func (e *Extractor) reject(att models.Attachment) string {
	if att.Size > e.limits.MaxAttachmentBytes {
		return fmt.Sprintf("exceeds %d bytes", e.limits.MaxAttachmentBytes)
	}
	if len(e.allowed) == 0 {
		return ""
	}
	if _, ok := e.allowed[att.Extension]; !ok {
		if att.Extension == "" {
			return "no file extension"
		}
		return fmt.Sprintf("extension %q not allowed", att.Extension)
	}
	return ""
}

func (e *Extractor) logf(format string, args ...any) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

// leaf is the classification-relevant view of one MIME part.
type leaf struct {
	mimeType    string
	filename    string
	contentID   string
	disposition string
}

func inlineLeaf(h *gomail.InlineHeader) leaf {
	mt, params, _ := h.ContentType()
	disp, dparams, _ := h.ContentDisposition()
	return newLeaf(h.Header.Get("Content-Id"), mt, params, disp, dparams)
}

func attachmentLeaf(h *gomail.AttachmentHeader) leaf {
	mt, params, _ := h.ContentType()
	disp, dparams, _ := h.ContentDisposition()
	l := newLeaf(h.Header.Get("Content-Id"), mt, params, disp, dparams)
	if name, err := h.Filename(); err == nil && name != "" {
		l.filename = name
	}
	// A Content-ID without a disposition is an embedded part of multipart/related.
	if l.disposition == "" && l.contentID == "" {
		l.disposition = "attachment"
	}
	return l
}

func newLeaf(contentID, mt string, params map[string]string, disp string, dparams map[string]string) leaf {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if mt == "" {
		mt = "text/plain"
	}
	name := strings.TrimSpace(dparams["filename"])
	if name == "" {
		name = strings.TrimSpace(params["name"])
	}
	return leaf{
		mimeType:    mt,
		filename:    name,
		contentID:   models.NormalizeMessageID(contentID),
		disposition: strings.ToLower(strings.TrimSpace(disp)),
	}
}

// isAttachment: disposition attachment, or a named or non-text part that is not
// the first text/plain or text/html body.
func (p leaf) isAttachment(c *Content) bool {
	if p.disposition == "attachment" {
		return true
	}
	switch p.mimeType {
	case "text/plain":
		return c.PlainBody != "" || (p.filename != "" && c.HTMLBody != "")
	case "text/html":
		return c.HTMLBody != "" || (p.filename != "" && c.PlainBody != "")
	}
	return true
}

func (p leaf) attachment(index int, data []byte) models.Attachment {
	name := p.filename
	if name == "" {
		name = p.syntheticName(index)
	}
	att := models.NewAttachment(name, p.mimeType, data)
	att.ContentID = p.contentID
	att.Inline = p.contentID != "" && p.disposition != "attachment"
	if att.Extension == "" {
		att.Extension = extensionFor(p.mimeType)
	}
	return att
}

func (p leaf) syntheticName(index int) string {
	base := fmt.Sprintf("part-%d", index)
	if p.contentID != "" {
		base = sanitizeName(strings.SplitN(p.contentID, "@", 2)[0])
	}
	if ext := extensionFor(p.mimeType); ext != "" {
		return base + "." + ext
	}
	return base
}

var preferredExtensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"application/pdf": "pdf",
	"text/plain":      "txt",
	"text/html":       "html",
	"message/rfc822":  "eml",
}

func extensionFor(mimeType string) string {
	if ext, ok := preferredExtensions[mimeType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return ""
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeName(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	if s == "" {
		return "inline"
	}
	return s
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func readLimited(src io.Reader, limit int64) ([]byte, error) {
	if src == nil {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(src, limit))
}

var messageIDPattern = regexp.MustCompile(`<([^<>]+)>`)

// parseMessageIDs returns bracketed ids in order, or whitespace separated tokens
// when a client omitted the brackets.
func parseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	add := func(id string) {
		id = models.NormalizeMessageID(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	matches := messageIDPattern.FindAllStringSubmatch(raw, -1)
	for _, m := range matches {
		add(m[1])
	}
	if len(matches) == 0 {
		for _, field := range strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' }) {
			if strings.Contains(field, "@") {
				add(field)
			}
		}
	}
	return out
}
