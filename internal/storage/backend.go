// Package storage persists attachment bytes outside the ticket service.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrChecksumMismatch is returned by Verify when stored bytes changed.
var ErrChecksumMismatch = errors.New("storage: checksum mismatch")

// Backend stores attachment content keyed by ticket.
type Backend interface {
	// Store saves content and returns a reference to it.
	Store(ctx context.Context, ticketID int64, content *Content) (*Reference, error)

	// Retrieve gets stored content by reference.
	Retrieve(ctx context.Context, ref *Reference) (*Content, error)

	// Delete removes stored content.
	Delete(ctx context.Context, ref *Reference) error

	// Exists checks if stored content exists.
	Exists(ctx context.Context, ref *Reference) (bool, error)

	// Verify recomputes the checksum of stored content.
	Verify(ctx context.Context, ref *Reference) error

	// HealthCheck verifies the backend is writable.
	HealthCheck(ctx context.Context) error
}

// Content is one object to store.
type Content struct {
	TicketID    int64
	CommentID   *int64
	ContentType string
	FileName    string
	FileSize    int64
	Content     []byte
	Metadata    map[string]string
	CreatedTime time.Time
}

// Reference points to stored content.
type Reference struct {
	TicketID    int64     `json:"ticket_id"`
	Backend     string    `json:"backend"`
	Location    string    `json:"location"`
	ContentType string    `json:"content_type"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	Checksum    string    `json:"checksum"`
	CreatedTime time.Time `json:"created_time"`
}
