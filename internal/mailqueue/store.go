// Package mailqueue is the durable queue of inbound messages and their processing state.
//
// State machine:
//
//	pending -> processing -> processed
//	                      -> failed (retryable) -> processing ...
//	                      -> failed (terminal)  -> pending (operator requeue)
package mailqueue

import (
	"context"
	"errors"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

var (
	// ErrDuplicate is returned when (account, message-id) is already stored.
	ErrDuplicate = errors.New("inbound message already stored")
	// ErrNotFound is returned for unknown message ids.
	ErrNotFound = errors.New("inbound message not found")
	// ErrConflict is returned when a transition's source state no longer holds.
	ErrConflict = errors.New("inbound message state changed concurrently")
)

// Outcome is what processing did with a message.
type Outcome struct {
	Action    string
	TicketID  *int64
	CommentID *int64
}

// Failure describes a failed processing attempt.
type Failure struct {
	Reason string
	// Permanent failures go straight to the operator queue.
	Permanent bool
	// MaxRetries is the retry ceiling; reaching it makes the failure terminal.
	MaxRetries int
}

// Store persists inbound messages.
type Store interface {
	// Insert stores a new message; ErrDuplicate when the dedup key exists.
	Insert(ctx context.Context, msg *models.InboundMessage) error
	Exists(ctx context.Context, accountID int, messageID string) (bool, error)
	// ExistsRemote reports whether a message with this mailbox-side id was stored.
	ExistsRemote(ctx context.Context, accountID int, remoteID string) (bool, error)
	Get(ctx context.Context, id int64) (*models.InboundMessage, error)
	// ListProcessable returns pending and retryable failed messages, oldest first.
	ListProcessable(ctx context.Context, limit int) ([]*models.InboundMessage, error)
	// Claim moves a pending or retryable message to processing. ErrConflict if another worker won.
	Claim(ctx context.Context, id int64, now time.Time) error
	// SaveContent stores re-extracted content of a claimed message.
	SaveContent(ctx context.Context, msg *models.InboundMessage) error
	MarkProcessed(ctx context.Context, id int64, outcome Outcome, now time.Time) error
	// MarkFailed records a failure and returns whether it is now terminal.
	MarkFailed(ctx context.Context, id int64, failure Failure, now time.Time) (bool, error)
	// ReclaimStale returns processing messages claimed before cutoff to pending.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	// ListFailed returns terminally failed messages (the operator queue).
	ListFailed(ctx context.Context, limit int) ([]*models.InboundMessage, error)
	// Requeue resets a terminal message to pending with a zero retry count.
	Requeue(ctx context.Context, id int64, now time.Time) error
	CountByStatus(ctx context.Context) (map[models.MessageStatus]int, error)
}

func terminalAfter(retryCount int, failure Failure) bool {
	if failure.Permanent {
		return true
	}
	max := failure.MaxRetries
	if max <= 0 {
		max = 1
	}
	return retryCount >= max
}
