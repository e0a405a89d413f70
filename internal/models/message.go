package models

import (
	"strings"
	"time"
)

// MessageStatus is the processing state of an inbound message.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusProcessed  MessageStatus = "processed"
	MessageStatusFailed     MessageStatus = "failed"
)

// InboundMessage is the normalized representation of one fetched mail.
type InboundMessage struct {
	ID               int64          `json:"id" db:"id"`
	MailboxAccountID int            `json:"mailbox_account_id" db:"mailbox_account_id"`
	MessageID        string         `json:"message_id" db:"message_id"`
	RemoteID         string         `json:"remote_id,omitempty" db:"remote_id"`
	FromAddress      string         `json:"from_address" db:"from_address"`
	FromName         string         `json:"from_name,omitempty" db:"from_name"`
	ToAddresses      []string       `json:"to_addresses" db:"-"`
	CcAddresses      []string       `json:"cc_addresses" db:"-"`
	Subject          string         `json:"subject" db:"subject"`
	BodyPlain        string         `json:"body_plain" db:"body_plain"`
	BodyHTML         string         `json:"body_html" db:"body_html"`
	Headers          MessageHeaders `json:"headers" db:"-"`
	Attachments      []Attachment   `json:"attachments" db:"-"`
	Raw              []byte         `json:"-" db:"raw_message"`
	Extracted        bool           `json:"extracted" db:"extracted"`
	ReceivedAt       time.Time      `json:"received_at" db:"received_at"`
	Status           MessageStatus  `json:"status" db:"status"`
	RetryCount       int            `json:"retry_count" db:"retry_count"`
	Terminal         bool           `json:"terminal" db:"is_terminal"`
	LastError        string         `json:"last_error,omitempty" db:"last_error"`
	TicketID         *int64         `json:"ticket_id,omitempty" db:"ticket_id"`
	CommentID        *int64         `json:"comment_id,omitempty" db:"comment_id"`
	Action           string         `json:"action,omitempty" db:"action"`
	ClaimedAt        *time.Time     `json:"claimed_at,omitempty" db:"claimed_at"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// MessageHeaders holds the threading-relevant headers of a message.
type MessageHeaders struct {
	MessageID     string   `json:"message-id"`
	InReplyTo     []string `json:"in-reply-to,omitempty"`
	References    []string `json:"references,omitempty"`
	Date          string   `json:"date,omitempty"`
	AutoSubmitted string   `json:"auto-submitted,omitempty"`
	Precedence    string   `json:"precedence,omitempty"`
}

// ThreadIDs returns In-Reply-To and References values, newest first, without duplicates.
func (h MessageHeaders) ThreadIDs() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(h.InReplyTo)+len(h.References))
	add := func(id string) {
		id = NormalizeMessageID(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range h.InReplyTo {
		add(id)
	}
	for i := len(h.References) - 1; i >= 0; i-- {
		add(h.References[i])
	}
	return out
}

// IsAutoGenerated reports whether the message declares itself as machine generated.
func (h MessageHeaders) IsAutoGenerated() bool {
	v := strings.ToLower(strings.TrimSpace(h.AutoSubmitted))
	if v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(h.Precedence)) {
	case "bulk", "junk", "auto_reply":
		return true
	}
	return false
}

// Retryable reports whether a failed message may be picked up again.
func (m *InboundMessage) Retryable() bool {
	return m.Status == MessageStatusFailed && !m.Terminal
}

// HasAttachments reports whether any non-inline attachment is present.
func (m *InboundMessage) HasAttachments() bool {
	for _, att := range m.Attachments {
		if !att.Inline {
			return true
		}
	}
	return false
}

// NormalizeMessageID strips whitespace, quotes and angle brackets from a message-id.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.Trim(id, "\"'")
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}
