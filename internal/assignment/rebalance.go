package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

// Move is one ticket reassigned by Rebalance.
type Move struct {
	TicketID  int64 `json:"ticket_id"`
	FromAgent int   `json:"from_agent_id"`
	ToAgent   int   `json:"to_agent_id"`
}

// RebalanceReport summarises a rebalancing run.
type RebalanceReport struct {
	AgentsChecked    int    `json:"agents_checked"`
	AgentsOverloaded int    `json:"agents_overloaded"`
	Moved            int    `json:"moved"`
	Unmoved          int    `json:"unmoved"`
	Moves            []Move `json:"moves,omitempty"`
}

// Rebalance moves tickets away from agents above capacity. For each such agent
// the lowest-priority, oldest open tickets up to the overage are reassigned to
// the least busy other agent. Counts are recomputed, not served from cache.
func (e *Engine) Rebalance(ctx context.Context) (RebalanceReport, error) {
	var report RebalanceReport
	agents, err := e.directory.ListAgents(ctx)
	if err != nil {
		return report, fmt.Errorf("assignment: list agents: %w", err)
	}
	eligible := assignable(agents)
	report.AgentsChecked = len(eligible)
	if len(eligible) == 0 {
		return report, nil
	}
	ids := make([]int, len(eligible))
	for i, a := range eligible {
		ids[i] = a.ID
	}
	e.state.Invalidate(ids...)
	loads, err := e.workloads(ctx, eligible)
	if err != nil {
		return report, err
	}

	var errs []error
	for _, agent := range eligible {
		over := loads[agent.ID].Open - e.capacity
		if over <= 0 {
			continue
		}
		report.AgentsOverloaded++
		owned, err := e.directory.ListOpenTicketsForAgent(ctx, agent.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("list tickets of agent %d: %w", agent.ID, err))
			continue
		}
		sortForRebalance(owned)
		if len(owned) > over {
			owned = owned[:over]
		}
		for _, ticket := range owned {
			target := e.rebalanceTarget(ticket, agent.ID, eligible, loads)
			if target == nil {
				report.Unmoved++
				continue
			}
			if err := e.assigner.AssignTicket(ctx, ticket.ID, target.agent.ID); err != nil {
				report.Unmoved++
				errs = append(errs, fmt.Errorf("move ticket %d: %w", ticket.ID, err))
				continue
			}
			moveLoad(loads, agent.ID, target.agent.ID, ticket)
			report.Moved++
			report.Moves = append(report.Moves, Move{TicketID: ticket.ID, FromAgent: agent.ID, ToAgent: target.agent.ID})
			e.notify(ctx, ticket, target.agent, "rebalance")
		}
	}
	for id, w := range loads {
		w.AgentID = id
		e.state.StoreWorkload(w)
	}
	e.metrics.Rebalanced(report.Moved)
	e.logf("assignment: rebalance checked=%d overloaded=%d moved=%d unmoved=%d", report.AgentsChecked, report.AgentsOverloaded, report.Moved, report.Unmoved)
	return report, errors.Join(errs...)
}

func (e *Engine) rebalanceTarget(ticket models.Ticket, from int, agents []models.Agent, loads map[int]models.Workload) *candidate {
	others := make([]models.Agent, 0, len(agents))
	for _, a := range agents {
		if a.ID != from {
			others = append(others, a)
		}
	}
	return e.choose(LeastBusy, ticket, withLoads(others, loads))
}

func moveLoad(loads map[int]models.Workload, from, to int, ticket models.Ticket) {
	src, dst := loads[from], loads[to]
	src.Open--
	dst.Open++
	if ticket.IsHighPriority() {
		src.HighPriority--
		dst.HighPriority++
	}
	loads[from], loads[to] = src, dst
}

// sortForRebalance orders lowest priority first, then oldest.
func sortForRebalance(ts []models.Ticket) {
	sort.SliceStable(ts, func(i, j int) bool {
		pi, pj := models.PriorityRank(ts[i].Priority), models.PriorityRank(ts[j].Priority)
		if pi != pj {
			return pi < pj
		}
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
