// Package inbound turns raw fetched mail into queue records.
package inbound

import (
	"fmt"
	"log"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/extract"
	"github.com/gotrs-io/gotrs-inbound/internal/email/inbound/sanitize"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

// Decoder combines extraction and sanitation.
type Decoder struct {
	extractor *extract.Extractor
	sanitizer *sanitize.Sanitizer
	logger    *log.Logger
	now       func() time.Time
}

// DecoderOption customizes a Decoder.
type DecoderOption func(*Decoder)

// WithDecoderLogger overrides the logger used for diagnostics.
func WithDecoderLogger(logger *log.Logger) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDecoderClock overrides the time source used when a message carries no date.
func WithDecoderClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDecoder builds a decoder. Nil collaborators get defaults.
func NewDecoder(extractor *extract.Extractor, sanitizer *sanitize.Sanitizer, opts ...DecoderOption) *Decoder {
	if extractor == nil {
		extractor = extract.New(extract.Limits{})
	}
	if sanitizer == nil {
		sanitizer = sanitize.New()
	}
	d := &Decoder{extractor: extractor, sanitizer: sanitizer, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Decode builds a pending queue record for raw. The returned message always
// carries the dedup key, even when err is non-nil; in that case Extracted is
// false and the record can be stored for a later retry.
func (d *Decoder) Decode(accountID int, raw []byte, receivedAt time.Time) (*models.InboundMessage, error) {
	id, _ := extract.MessageID(raw)
	msg := &models.InboundMessage{
		MailboxAccountID: accountID,
		MessageID:        id,
		Headers:          models.MessageHeaders{MessageID: id},
		Raw:              raw,
		ReceivedAt:       receivedAt,
		Status:           models.MessageStatusPending,
	}
	if err := d.Fill(msg); err != nil {
		msg.LastError = err.Error()
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = d.now().UTC()
		}
		return msg, err
	}
	return msg, nil
}

// Fill re-extracts msg.Raw into msg. The message-id already on msg is kept so
// the dedup key never changes after insert.
func (d *Decoder) Fill(msg *models.InboundMessage) error {
	if msg == nil {
		return fmt.Errorf("decode: nil message")
	}
	content, err := d.extractor.Extract(msg.Raw)
	if err != nil {
		msg.Extracted = false
		return fmt.Errorf("decode message %q: %w", msg.MessageID, err)
	}
	for _, dropped := range content.Dropped {
		d.logf("decoder: message %s: dropped attachment %q (%d bytes): %s", content.MessageID, dropped.Filename, dropped.Size, dropped.Reason)
	}

	if msg.MessageID == "" {
		msg.MessageID = content.MessageID
	}
	msg.FromAddress = content.FromAddress
	msg.FromName = content.FromName
	msg.ToAddresses = content.To
	msg.CcAddresses = content.Cc
	msg.Subject = content.Subject
	msg.Headers = content.Headers
	msg.Headers.MessageID = msg.MessageID
	msg.BodyHTML = d.sanitizer.Sanitize(content.HTMLBody, true)
	msg.BodyPlain = d.sanitizer.Sanitize(content.PlainBody, false)
	if msg.BodyPlain == "" && content.HTMLBody != "" {
		msg.BodyPlain = d.sanitizer.HTMLToText(content.HTMLBody)
	}
	msg.Attachments = content.Attachments
	switch {
	case !msg.ReceivedAt.IsZero():
	case !content.Date.IsZero():
		msg.ReceivedAt = content.Date.UTC()
	default:
		msg.ReceivedAt = d.now().UTC()
	}
	msg.Extracted = true
	msg.LastError = ""
	return nil
}

func (d *Decoder) logf(format string, args ...any) {
	if d == nil || d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
