// Package attachments validates, persists and uploads inbound attachments.
package attachments

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
	"github.com/gotrs-io/gotrs-inbound/internal/storage"
	"github.com/gotrs-io/gotrs-inbound/internal/tickets"
)

var (
	ErrDisallowedExtension = errors.New("attachment extension not allowed")
	ErrTooLarge            = errors.New("attachment too large")
	ErrEmpty               = errors.New("attachment is empty")
)

// Uploader hands stored attachments to the ticket service.
type Uploader interface {
	UploadAttachment(ctx context.Context, up tickets.AttachmentUpload) (*tickets.UploadedAttachment, error)
}

// StoredAttachment is the result of a successful Store.
type StoredAttachment struct {
	Attachment models.Attachment
	TicketID   int64
	CommentID  *int64
	StoredName string
	Checksum   string
	Reference  *storage.Reference
	UploadID   int64
	// Existing is set when the ticket service already held this upload.
	Existing bool
}

// Processor applies the attachment policy and persists accepted files.
type Processor struct {
	backend  storage.Backend
	uploader Uploader
	allowed  map[string]struct{}
	maxBytes int64
	now      func() time.Time
	suffix   func() string
	logger   *log.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithAllowedExtensions restricts stored files to exts. An empty list allows all.
func WithAllowedExtensions(exts []string) Option {
	return func(p *Processor) {
		p.allowed = make(map[string]struct{}, len(exts))
		for _, ext := range exts {
			ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
			if ext != "" {
				p.allowed[ext] = struct{}{}
			}
		}
	}
}

// WithMaxBytes sets the per-file size ceiling.
func WithMaxBytes(n int64) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxBytes = n
		}
	}
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source used for names and directories.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func withSuffix(fn func() string) Option {
	return func(p *Processor) { p.suffix = fn }
}

// NewProcessor stores through backend and uploads through uploader; either may be nil.
func NewProcessor(backend storage.Backend, uploader Uploader, opts ...Option) *Processor {
	p := &Processor{
		backend:  backend,
		uploader: uploader,
		allowed:  map[string]struct{}{},
		maxBytes: 10 * 1024 * 1024,
		now:      func() time.Time { return time.Now().UTC() },
		suffix:   func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] },
		logger:   log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Validate checks size and extension.
func (p *Processor) Validate(att models.Attachment) error {
	size := att.Size
	if n := int64(len(att.Content)); n > size {
		size = n
	}
	if size == 0 {
		return fmt.Errorf("%w: %s", ErrEmpty, att.Filename)
	}
	if size > p.maxBytes {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, att.Filename, size, p.maxBytes)
	}
	if len(p.allowed) == 0 {
		return nil
	}
	ext := att.Extension
	if ext == "" {
		ext = models.FileExtension(att.Filename)
	}
	if _, ok := p.allowed[ext]; !ok {
		return fmt.Errorf("%w: %s", ErrDisallowedExtension, att.Filename)
	}
	return nil
}

// IsRejected reports whether err is a policy rejection from Validate rather than
// a storage or upload failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrDisallowedExtension) || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrEmpty)
}

// Store validates att, writes it under the ticket's dated directory and uploads it.
func (p *Processor) Store(ctx context.Context, att models.Attachment, ticketID int64, commentID *int64) (*StoredAttachment, error) {
	return p.StoreForMessage(ctx, "", att, ticketID, commentID)
}

// StoreForMessage is Store with the uploads keyed on messageID, so storing the
// same message's attachments again does not duplicate them on the ticket.
func (p *Processor) StoreForMessage(ctx context.Context, messageID string, att models.Attachment, ticketID int64, commentID *int64) (*StoredAttachment, error) {
	if err := p.Validate(att); err != nil {
		return nil, err
	}
	now := p.now()
	stored := &StoredAttachment{
		Attachment: att,
		TicketID:   ticketID,
		CommentID:  commentID,
		StoredName: p.storedName(att, ticketID, now),
	}
	stored.Attachment.Size = int64(len(att.Content))

	if p.backend != nil {
		meta := map[string]string{"original_name": att.Filename}
		if att.ContentID != "" {
			meta["content_id"] = att.ContentID
		}
		ref, err := p.backend.Store(ctx, ticketID, &storage.Content{
			TicketID:    ticketID,
			CommentID:   commentID,
			ContentType: att.MimeType,
			FileName:    stored.StoredName,
			FileSize:    stored.Attachment.Size,
			Content:     att.Content,
			Metadata:    meta,
			CreatedTime: now,
		})
		if err != nil {
			return nil, fmt.Errorf("store attachment %s: %w", att.Filename, err)
		}
		stored.Reference = ref
		stored.Checksum = ref.Checksum
	}
	if stored.Checksum == "" {
		sum := sha256.Sum256(att.Content)
		stored.Checksum = hex.EncodeToString(sum[:])
	}

	if p.uploader != nil {
		up := tickets.AttachmentUpload{
			TicketID:  ticketID,
			CommentID: commentID,
			MessageID: messageID,
			FileName:  att.Filename,
			FileType:  att.Extension,
			FileSize:  stored.Attachment.Size,
			MimeType:  att.MimeType,
			IsInline:  att.Inline,
			Content:   att.Content,
			Checksum:  stored.Checksum,
		}
		if stored.Reference != nil {
			up.StoragePath = stored.Reference.Location
		}
		res, err := p.uploader.UploadAttachment(ctx, up)
		if err != nil {
			if stored.Reference != nil {
				if derr := p.backend.Delete(ctx, stored.Reference); derr != nil {
					p.logf("attachments: cleanup %s: %v", stored.Reference.Location, derr)
				}
			}
			return nil, fmt.Errorf("upload attachment %s: %w", att.Filename, err)
		}
		if res != nil {
			stored.UploadID = res.ID
			stored.Existing = res.Existing
		}
		if stored.Existing && stored.Reference != nil {
			// the earlier attempt kept its own copy
			if err := p.backend.Delete(ctx, stored.Reference); err != nil {
				p.logf("attachments: remove duplicate %s: %v", stored.Reference.Location, err)
			}
			stored.Reference = nil
		}
	}
	return stored, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// storedName is original name + ticket id + timestamp + random suffix.
func (p *Processor) storedName(att models.Attachment, ticketID int64, now time.Time) string {
	ext := att.Extension
	if ext == "" {
		ext = models.FileExtension(att.Filename)
	}
	base := att.Filename
	if ext != "" && strings.HasSuffix(strings.ToLower(base), "."+ext) {
		base = base[:len(base)-len(ext)-1]
	}
	base = strings.Trim(unsafeChars.ReplaceAllString(base, "_"), "._")
	if base == "" {
		base = "attachment"
	}
	if len(base) > 80 {
		base = base[:80]
	}
	name := base + "_" + strconv.FormatInt(ticketID, 10) + "_" + now.Format("20060102T150405") + "_" + p.suffix()
	if ext != "" {
		name += "." + ext
	}
	return name
}

func (p *Processor) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

// EmbedInline rewrites src="cid:<id>" references of inline attachments to data
// URIs. A trailing @domain on either the reference or the content id is ignored.
func EmbedInline(html string, atts []models.Attachment) string {
	for _, att := range atts {
		if !att.Inline || att.ContentID == "" || len(att.Content) == 0 {
			continue
		}
		base := strings.SplitN(att.ContentID, "@", 2)[0]
		if base == "" {
			continue
		}
		mimeType := att.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		uri := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(att.Content)
		id := regexp.QuoteMeta(base)
		for _, q := range []string{`"`, `'`} {
			re := regexp.MustCompile(`(?i)(src\s*=\s*)` + q + `cid:` + id + `(?:@[^` + q + `]*)?` + q)
			html = re.ReplaceAllString(html, "${1}"+q+uri+q)
		}
	}
	return html
}
