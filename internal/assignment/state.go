package assignment

import (
	"strconv"
	"sync"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/cache"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

// DefaultWorkloadTTL bounds how stale a cached workload count may be.
const DefaultWorkloadTTL = 30 * time.Second

// State is the mutable state shared by assignment calls: the round-robin
// cursor per department and a short-lived workload cache. Cursor updates are
// last-writer-wins.
type State struct {
	mu        sync.Mutex
	cursors   map[int]int
	workloads *cache.Local[models.Workload]
}

// NewState returns empty state caching workloads for ttl.
func NewState(ttl time.Duration) *State {
	if ttl <= 0 {
		ttl = DefaultWorkloadTTL
	}
	return &State{
		cursors:   make(map[int]int),
		workloads: cache.NewLocal[models.Workload](0, ttl),
	}
}

// WithClock replaces the cache time source; it is meant for tests.
func (s *State) WithClock(now func() time.Time) *State {
	s.workloads.WithClock(now)
	return s
}

// Cursor returns the id of the last agent assigned in department (0 for none).
func (s *State) Cursor(department int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[department]
}

// Advance records agentID as the last round-robin pick for department.
func (s *State) Advance(department, agentID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[department] = agentID
}

// Workload returns a cached count for agentID.
func (s *State) Workload(agentID int) (models.Workload, bool) {
	return s.workloads.Get(workloadKey(agentID))
}

// StoreWorkload caches w.
func (s *State) StoreWorkload(w models.Workload) {
	s.workloads.Set(workloadKey(w.AgentID), w, 0)
}

// Invalidate drops cached counts for the given agents.
func (s *State) Invalidate(agentIDs ...int) {
	for _, id := range agentIDs {
		s.workloads.Delete(workloadKey(id))
	}
}

// Reset drops every cached count.
func (s *State) Reset() {
	s.workloads.Clear()
}

func workloadKey(agentID int) string {
	return strconv.Itoa(agentID)
}
