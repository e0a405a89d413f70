package models

import "time"

// Agent roles eligible for assignment.
const (
	RoleAgent   = "agent"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// Agent is a human agent that can receive tickets.
type Agent struct {
	ID              int        `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	Role            string     `json:"role"`
	DepartmentID    *int       `json:"department_id,omitempty"`
	IsActive        bool       `json:"is_active"`
	IsAvailable     bool       `json:"is_available"`
	LastActiveAt    *time.Time `json:"last_active_at,omitempty"`
	MaxHighPriority int        `json:"max_high_priority_tickets"`
}

// IsAssignable reports whether the agent holds an assignable role and is on duty.
func (a Agent) IsAssignable() bool {
	if !a.IsActive || !a.IsAvailable {
		return false
	}
	switch a.Role {
	case RoleAgent, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// InDepartment reports whether the agent belongs to department id.
func (a Agent) InDepartment(id int) bool {
	return a.DepartmentID != nil && *a.DepartmentID == id
}

// Workload is the open-ticket load of an agent at a point in time.
type Workload struct {
	AgentID      int       `json:"agent_id"`
	Open         int       `json:"open"`
	HighPriority int       `json:"high_priority"`
	ComputedAt   time.Time `json:"computed_at"`
}

// AssignmentDecision records the outcome of an assignment call.
type AssignmentDecision struct {
	TicketID  int64            `json:"ticket_id"`
	AgentID   int              `json:"agent_id"`
	Agent     Agent            `json:"agent"`
	Strategy  string           `json:"strategy"`
	Snapshot  map[int]Workload `json:"snapshot"`
	DecidedAt time.Time        `json:"decided_at"`
}

// ThreadMethod names how a message was matched to an existing ticket.
type ThreadMethod string

const (
	ThreadMethodNone         ThreadMethod = "none"
	ThreadMethodMessageID    ThreadMethod = "message-id"
	ThreadMethodTicketNumber ThreadMethod = "ticket-number"
	ThreadMethodSimilarity   ThreadMethod = "similarity"
)

// ThreadMatch is the result of thread resolution.
type ThreadMatch struct {
	TicketID int64        `json:"ticket_id,omitempty"`
	Ticket   *Ticket      `json:"ticket,omitempty"`
	Method   ThreadMethod `json:"method"`
	Score    float64      `json:"score,omitempty"`
}

// Matched reports whether an existing ticket was found.
func (m ThreadMatch) Matched() bool {
	return m.Method != ThreadMethodNone && m.Method != "" && m.TicketID > 0
}
