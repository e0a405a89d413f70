package assignment

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

// Strategy names an agent selection algorithm.
type Strategy string

const (
	LeastBusy     Strategy = "least_busy"
	RoundRobin    Strategy = "round_robin"
	PriorityBased Strategy = "priority_based"
	// SkillBased has no skill matrix yet and selects like LeastBusy.
	SkillBased Strategy = "skill_based"
)

// ParseStrategy validates a configured strategy name. Empty means LeastBusy.
func ParseStrategy(s string) (Strategy, error) {
	switch v := Strategy(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return LeastBusy, nil
	case LeastBusy, RoundRobin, PriorityBased, SkillBased:
		return v, nil
	}
	return "", fmt.Errorf("assignment: unknown strategy %q", s)
}

// candidate is an assignable agent with its current load.
type candidate struct {
	agent models.Agent
	load  models.Workload
}

func lastActive(a models.Agent) time.Time {
	if a.LastActiveAt == nil {
		return time.Time{}
	}
	return *a.LastActiveAt
}

// lessBusy orders by open count, then most recently active, then id.
func lessBusy(a, b candidate) bool {
	if a.load.Open != b.load.Open {
		return a.load.Open < b.load.Open
	}
	la, lb := lastActive(a.agent), lastActive(b.agent)
	if !la.Equal(lb) {
		return la.After(lb)
	}
	return a.agent.ID < b.agent.ID
}

func roleRank(role string) int {
	switch role {
	case models.RoleAdmin, models.RoleManager:
		return 1
	}
	return 0
}

func (e *Engine) underCapacity(cands []candidate) []candidate {
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.load.Open < e.capacity {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) pickLeastBusy(cands []candidate) *candidate {
	open := e.underCapacity(cands)
	if len(open) == 0 {
		return nil
	}
	best := open[0]
	for _, c := range open[1:] {
		if lessBusy(c, best) {
			best = c
		}
	}
	return &best
}

// pickRoundRobin takes the first agent after the department cursor in id
// order, wrapping around and skipping agents at capacity.
func (e *Engine) pickRoundRobin(cands []candidate, department int) *candidate {
	ordered := append([]candidate(nil), cands...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].agent.ID < ordered[j].agent.ID })
	if len(ordered) == 0 {
		return nil
	}
	cursor := e.state.Cursor(department)
	start := 0
	for i, c := range ordered {
		if c.agent.ID > cursor {
			start = i
			break
		}
	}
	for n := 0; n < len(ordered); n++ {
		c := ordered[(start+n)%len(ordered)]
		if c.load.Open < e.capacity {
			e.state.Advance(department, c.agent.ID)
			return &c
		}
	}
	return nil
}

// pickPriority prefers managers and admins with spare high-priority capacity
// for urgent and high tickets. Other tickets, or no such agent, use LeastBusy.
func (e *Engine) pickPriority(ticket models.Ticket, cands []candidate) *candidate {
	if !ticket.IsHighPriority() {
		return e.pickLeastBusy(cands)
	}
	var pool []candidate
	for _, c := range e.underCapacity(cands) {
		limit := c.agent.MaxHighPriority
		if limit <= 0 {
			limit = e.highCapacity
		}
		if c.load.HighPriority < limit {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return e.pickLeastBusy(cands)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if ra, rb := roleRank(a.agent.Role), roleRank(b.agent.Role); ra != rb {
			return ra > rb
		}
		if a.load.HighPriority != b.load.HighPriority {
			return a.load.HighPriority < b.load.HighPriority
		}
		return lessBusy(a, b)
	})
	return &pool[0]
}

func (e *Engine) pick(strategy Strategy, ticket models.Ticket, cands []candidate, department int) *candidate {
	switch strategy {
	case RoundRobin:
		return e.pickRoundRobin(cands, department)
	case PriorityBased:
		return e.pickPriority(ticket, cands)
	default:
		return e.pickLeastBusy(cands)
	}
}
