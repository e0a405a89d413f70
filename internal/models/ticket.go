package models

import (
	"strings"
	"time"
)

// Ticket statuses the pipeline needs to reason about.
const (
	TicketStatusOpen       = "open"
	TicketStatusPending    = "pending"
	TicketStatusInProgress = "in_progress"
	TicketStatusResolved   = "resolved"
	TicketStatusClosed     = "closed"
)

// Ticket priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Ticket is the subset of the external ticket record the pipeline reads and writes.
type Ticket struct {
	ID              int64     `json:"id"`
	TicketNumber    string    `json:"ticket_number"`
	Subject         string    `json:"subject"`
	Status          string    `json:"status"`
	Priority        string    `json:"priority"`
	ClientID        int64     `json:"client_id"`
	CustomerName    string    `json:"customer_name,omitempty"`
	AssignedAgentID *int      `json:"assigned_agent_id,omitempty"`
	DepartmentID    *int      `json:"department_id,omitempty"`
	CategoryID      *int      `json:"category_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// IsOpenish reports whether the ticket counts as open for threading.
func (t Ticket) IsOpenish() bool {
	switch t.Status {
	case TicketStatusOpen, TicketStatusPending:
		return true
	}
	return false
}

// IsHighPriority reports whether the ticket is urgent or high.
func (t Ticket) IsHighPriority() bool {
	return IsHighPriority(t.Priority)
}

// Client is a customer known to the ticket service.
type Client struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// NormalizePriority lowercases and validates a priority name.
func NormalizePriority(p string) string {
	switch v := strings.ToLower(strings.TrimSpace(p)); v {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return v
	case "medium":
		return PriorityNormal
	}
	return ""
}

// IsHighPriority reports whether p is urgent or high.
func IsHighPriority(p string) bool {
	switch NormalizePriority(p) {
	case PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// PriorityRank orders priorities from low (0) to urgent (3).
func PriorityRank(p string) int {
	switch NormalizePriority(p) {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return 1
}
