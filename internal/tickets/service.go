// Package tickets is the contract with the external ticket service.
package tickets

import (
	"context"
	"errors"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

// ErrNotFound is returned by lookups that matched nothing.
var ErrNotFound = errors.New("tickets: not found")

// SourceEmail marks tickets created from inbound mail.
const SourceEmail = "email"

// CreateTicketRequest is the "create ticket" event. The service creates the
// client for ClientEmail when it does not exist yet.
type CreateTicketRequest struct {
	Subject         string         `json:"subject"`
	Description     string         `json:"description"`
	ClientEmail     string         `json:"client_email"`
	ClientName      string         `json:"client_name,omitempty"`
	Source          string         `json:"source"`
	Priority        string         `json:"priority"`
	CategoryID      *int           `json:"category_id,omitempty"`
	DepartmentID    *int           `json:"department_id,omitempty"`
	AssignedAgentID *int           `json:"assigned_agent_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// CommentRequest is the "append comment" event. The service treats MessageID
// as an idempotency key for the ticket.
type CommentRequest struct {
	TicketID       int64                 `json:"-"`
	MessageID      string                `json:"message_id"`
	Content        string                `json:"content"`
	IsInternalNote bool                  `json:"is_internal_note"`
	FromAddress    string                `json:"from_address"`
	ToAddresses    []string              `json:"to_addresses,omitempty"`
	CcAddresses    []string              `json:"cc_addresses,omitempty"`
	Subject        string                `json:"subject"`
	BodyHTML       string                `json:"body_html,omitempty"`
	BodyPlain      string                `json:"body_plain,omitempty"`
	Headers        models.MessageHeaders `json:"headers"`
}

// Comment is an appended reply.
type Comment struct {
	ID        int64     `json:"id"`
	TicketID  int64     `json:"ticket_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AttachmentUpload describes one stored attachment handed to the service.
type AttachmentUpload struct {
	TicketID    int64  `json:"ticket_id"`
	CommentID   *int64 `json:"comment_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	FileName    string `json:"file_name"`
	FileType    string `json:"file_type"`
	FileSize    int64  `json:"file_size"`
	MimeType    string `json:"mime_type"`
	IsInline    bool   `json:"is_inline"`
	Content     []byte `json:"content"`
	Checksum    string `json:"checksum,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

// UploadedAttachment is the service's record of an upload.
type UploadedAttachment struct {
	ID  int64  `json:"id"`
	URL string `json:"url,omitempty"`
	// Existing is set when the upload matched an earlier one.
	Existing bool `json:"existing,omitempty"`
}

// Lookup resolves existing tickets and clients without creating anything.
type Lookup interface {
	// FindByMessageID returns the ticket whose inbound or outbound messages
	// recorded any of ids.
	FindByMessageID(ctx context.Context, ids []string) (*models.Ticket, error)
	FindByNumber(ctx context.Context, number string) (*models.Ticket, error)
	FindClientByEmail(ctx context.Context, email string) (*models.Client, error)
	// ListClientTickets returns the client's tickets in statuses created after since, newest first.
	ListClientTickets(ctx context.Context, clientID int64, statuses []string, since time.Time, limit int) ([]models.Ticket, error)
}

// Writer creates and updates tickets.
type Writer interface {
	CreateTicket(ctx context.Context, req CreateTicketRequest) (*models.Ticket, error)
	AppendComment(ctx context.Context, req CommentRequest) (*Comment, error)
	// UploadAttachment is idempotent on (ticket, message id, file name, checksum)
	// when the message id is set.
	UploadAttachment(ctx context.Context, up AttachmentUpload) (*UploadedAttachment, error)
	AssignTicket(ctx context.Context, ticketID int64, agentID int) error
}

// Directory exposes agents and their workload.
type Directory interface {
	ListAgents(ctx context.Context) ([]models.Agent, error)
	// CountWorkload counts open, pending and in-progress tickets per agent.
	CountWorkload(ctx context.Context, agentIDs []int) (map[int]models.Workload, error)
	ListOpenTicketsForAgent(ctx context.Context, agentID int) ([]models.Ticket, error)
}

// Service is the full ticket service surface.
type Service interface {
	Lookup
	Writer
	Directory
}

// WorkloadStatuses are the statuses counted as agent workload.
var WorkloadStatuses = []string{models.TicketStatusOpen, models.TicketStatusPending, models.TicketStatusInProgress}

// IsWorkloadStatus reports whether status counts toward workload.
func IsWorkloadStatus(status string) bool {
	for _, s := range WorkloadStatuses {
		if s == status {
			return true
		}
	}
	return false
}
