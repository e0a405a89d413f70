// Package postmaster turns stored inbound messages into tickets and replies.
//
// Each tick claims processable messages from the queue, re-extracts content
// when needed, runs the filter chain, resolves the thread and then either
// appends a comment or creates (and assigns) a ticket.
package postmaster

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotrs-io/gotrs-inbound/internal/assignment"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
	"github.com/gotrs-io/gotrs-inbound/internal/tickets"
)

// Actions recorded on processed messages.
const (
	ActionNewTicket = "new_ticket"
	ActionFollowUp  = "follow_up"
	ActionAdopted   = "adopted"
	ActionIgnored   = "ignored"
	ActionSkipped   = "skipped"
	ActionFailed    = "failed"
)

// Resolver matches a message to an existing ticket.
type Resolver interface {
	Resolve(ctx context.Context, msg *models.InboundMessage) (models.ThreadMatch, error)
}

// Assigner picks an agent for a newly created ticket.
type Assigner interface {
	Assign(ctx context.Context, ticket models.Ticket, strategy assignment.Strategy) (*models.AssignmentDecision, error)
}

// Accounts resolves the mailbox a message was fetched from.
type Accounts interface {
	Account(ctx context.Context, id int) (*models.MailboxAccount, error)
}

// TicketService is the part of the ticket service the processor writes to.
type TicketService interface {
	FindByMessageID(ctx context.Context, ids []string) (*models.Ticket, error)
	CreateTicket(ctx context.Context, req tickets.CreateTicketRequest) (*models.Ticket, error)
	AppendComment(ctx context.Context, req tickets.CommentRequest) (*tickets.Comment, error)
}

// Result tracks what happened to one message.
type Result struct {
	MessageID   int64               `json:"message_id"`
	Action      string              `json:"action"`
	TicketID    *int64              `json:"ticket_id,omitempty"`
	CommentID   *int64              `json:"comment_id,omitempty"`
	AgentID     *int                `json:"agent_id,omitempty"`
	Method      models.ThreadMethod `json:"thread_method,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Attachments int                 `json:"attachments"`
	Terminal    bool                `json:"terminal,omitempty"`
	Err         error               `json:"-"`
}

// BatchResult summarises one ProcessPending tick.
type BatchResult struct {
	Reclaimed int64    `json:"reclaimed"`
	Listed    int      `json:"listed"`
	Processed int      `json:"processed"`
	Ignored   int      `json:"ignored"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Terminal  int      `json:"terminal"`
	Results   []Result `json:"results,omitempty"`
}

func (b *BatchResult) add(r Result) {
	b.Results = append(b.Results, r)
	switch r.Action {
	case ActionSkipped:
		b.Skipped++
	case ActionFailed:
		b.Failed++
		if r.Terminal {
			b.Terminal++
		}
	case ActionIgnored:
		b.Ignored++
	default:
		b.Processed++
	}
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the message goes straight to the operator queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func leaseKey(msg *models.InboundMessage) string {
	return fmt.Sprintf("process:%d:%s", msg.MailboxAccountID, msg.MessageID)
}
