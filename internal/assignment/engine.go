// Package assignment selects the agent that receives a new ticket.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/metrics"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
	"github.com/gotrs-io/gotrs-inbound/internal/notifications"
	"github.com/gotrs-io/gotrs-inbound/internal/tickets"
)

// ErrNoEligibleAgent means every candidate is inactive, unavailable or at capacity.
var ErrNoEligibleAgent = errors.New("assignment: no eligible agent")

const (
	DefaultCapacity             = 20
	DefaultHighPriorityCapacity = 5
	defaultAssignedBy           = "system"
)

// Assigner records an assignment on the ticket.
type Assigner interface {
	AssignTicket(ctx context.Context, ticketID int64, agentID int) error
}

// Engine runs assignment strategies against the agent directory.
type Engine struct {
	directory    tickets.Directory
	assigner     Assigner
	notifier     notifications.Notifier
	state        *State
	metrics      *metrics.Collectors
	strategy     Strategy
	capacity     int
	highCapacity int
	assignedBy   string
	logger       *log.Logger
	now          func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithState shares cursor and workload state between engines.
func WithState(s *State) Option {
	return func(e *Engine) {
		if s != nil {
			e.state = s
		}
	}
}

// WithDefaultStrategy is used when Assign gets an empty strategy.
func WithDefaultStrategy(s Strategy) Option {
	return func(e *Engine) {
		if s != "" {
			e.strategy = s
		}
	}
}

// WithCapacity sets the open-ticket ceiling per agent.
func WithCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// WithHighPriorityCapacity sets the high-priority ceiling for agents without their own.
func WithHighPriorityCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.highCapacity = n
		}
	}
}

// WithNotifier sends an event for every successful assignment.
func WithNotifier(n notifications.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.Collectors) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAssignedBy names the actor reported in notifications.
func WithAssignedBy(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.assignedBy = name
		}
	}
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an engine reading agents from directory and writing through assigner.
func New(directory tickets.Directory, assigner Assigner, opts ...Option) *Engine {
	e := &Engine{
		directory:    directory,
		assigner:     assigner,
		strategy:     LeastBusy,
		capacity:     DefaultCapacity,
		highCapacity: DefaultHighPriorityCapacity,
		assignedBy:   defaultAssignedBy,
		logger:       log.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.state == nil {
		e.state = NewState(DefaultWorkloadTTL)
	}
	return e
}

// State exposes the engine's shared state.
func (e *Engine) State() *State { return e.state }

// Assign picks an agent for ticket and records the assignment. When the
// ticket's department has no selectable agent the search is repeated across
// all departments. ErrNoEligibleAgent leaves the ticket unassigned.
func (e *Engine) Assign(ctx context.Context, ticket models.Ticket, strategy Strategy) (*models.AssignmentDecision, error) {
	if strategy == "" {
		strategy = e.strategy
	}
	agents, err := e.directory.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("assignment: list agents: %w", err)
	}
	eligible := assignable(agents)
	loads, err := e.workloads(ctx, eligible)
	if err != nil {
		return nil, err
	}
	cands := withLoads(eligible, loads)

	chosen := e.choose(strategy, ticket, cands)
	if chosen == nil {
		e.metrics.Assignment(string(strategy), "unassigned")
		e.logf("assignment: ticket %d left unassigned: %d eligible agent(s), none under capacity %d", ticket.ID, len(eligible), e.capacity)
		return nil, ErrNoEligibleAgent
	}

	if err := e.assigner.AssignTicket(ctx, ticket.ID, chosen.agent.ID); err != nil {
		e.metrics.Assignment(string(strategy), "error")
		return nil, fmt.Errorf("assignment: assign ticket %d to agent %d: %w", ticket.ID, chosen.agent.ID, err)
	}
	e.state.Invalidate(chosen.agent.ID)
	e.metrics.Assignment(string(strategy), "assigned")
	e.notify(ctx, ticket, chosen.agent, e.assignedBy)

	return &models.AssignmentDecision{
		TicketID:  ticket.ID,
		AgentID:   chosen.agent.ID,
		Agent:     chosen.agent,
		Strategy:  string(strategy),
		Snapshot:  loads,
		DecidedAt: e.now().UTC(),
	}, nil
}

func (e *Engine) choose(strategy Strategy, ticket models.Ticket, cands []candidate) *candidate {
	if ticket.DepartmentID != nil {
		dept := *ticket.DepartmentID
		var inDept []candidate
		for _, c := range cands {
			if c.agent.InDepartment(dept) {
				inDept = append(inDept, c)
			}
		}
		if chosen := e.pick(strategy, ticket, inDept, dept); chosen != nil {
			return chosen
		}
	}
	return e.pick(strategy, ticket, cands, 0)
}

// workloads returns counts for agents, serving fresh cache entries and
// counting the rest in one call.
func (e *Engine) workloads(ctx context.Context, agents []models.Agent) (map[int]models.Workload, error) {
	out := make(map[int]models.Workload, len(agents))
	var missing []int
	for _, a := range agents {
		if w, ok := e.state.Workload(a.ID); ok {
			out[a.ID] = w
			continue
		}
		missing = append(missing, a.ID)
	}
	if len(missing) == 0 {
		return out, nil
	}
	counted, err := e.directory.CountWorkload(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("assignment: count workload: %w", err)
	}
	for _, id := range missing {
		w := counted[id]
		w.AgentID = id
		if w.ComputedAt.IsZero() {
			w.ComputedAt = e.now().UTC()
		}
		e.state.StoreWorkload(w)
		out[id] = w
	}
	return out, nil
}

func (e *Engine) notify(ctx context.Context, ticket models.Ticket, agent models.Agent, by string) {
	if e.notifier == nil {
		return
	}
	event := notifications.AssignmentEvent{
		TicketID:        ticket.ID,
		TicketNumber:    ticket.TicketNumber,
		Subject:         ticket.Subject,
		Priority:        ticket.Priority,
		CustomerName:    ticket.CustomerName,
		AssignedToID:    agent.ID,
		AssignedToName:  agent.Name,
		AssignedToEmail: agent.Email,
		AssignedBy:      by,
	}
	if err := e.notifier.NotifyAssignment(ctx, event); err != nil {
		e.logf("assignment: notify ticket %d: %v", ticket.ID, err)
	}
}

func assignable(agents []models.Agent) []models.Agent {
	out := make([]models.Agent, 0, len(agents))
	for _, a := range agents {
		if a.IsAssignable() {
			out = append(out, a)
		}
	}
	return out
}

func withLoads(agents []models.Agent, loads map[int]models.Workload) []candidate {
	out := make([]candidate, 0, len(agents))
	for _, a := range agents {
		out = append(out, candidate{agent: a, load: loads[a.ID]})
	}
	return out
}

func (e *Engine) logf(format string, args ...any) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
