// Package notifications delivers assignment events to the notification service.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventAssigned is the envelope type of assignment events.
const EventAssigned = "ticket.assigned"

// AssignmentEvent is sent whenever a ticket receives an agent.
type AssignmentEvent struct {
	TicketID        int64  `json:"ticket_id"`
	TicketNumber    string `json:"ticket_number"`
	Subject         string `json:"subject"`
	Priority        string `json:"priority"`
	CustomerName    string `json:"customer_name"`
	AssignedToID    int    `json:"assigned_to_id"`
	AssignedToName  string `json:"assigned_to_name"`
	AssignedToEmail string `json:"assigned_to_email"`
	AssignedBy      string `json:"assigned_by"`
}

// Notifier delivers assignment events.
type Notifier interface {
	NotifyAssignment(ctx context.Context, event AssignmentEvent) error
}

// envelope wraps an event for queue transport.
type envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type pusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisPublisher pushes JSON envelopes onto a Redis list consumed by the
// notification workers.
type RedisPublisher struct {
	rdb    pusher
	queue  string
	logger *log.Logger
	now    func() time.Time
}

// NewRedisPublisher targets the list named queue.
func NewRedisPublisher(rdb pusher, queue string, logger *log.Logger) *RedisPublisher {
	if logger == nil {
		logger = log.Default()
	}
	return &RedisPublisher{rdb: rdb, queue: queue, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (p *RedisPublisher) NotifyAssignment(ctx context.Context, event AssignmentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal assignment event: %w", err)
	}
	msg, err := json.Marshal(envelope{
		ID:         uuid.NewString(),
		Type:       EventAssigned,
		OccurredAt: p.now(),
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.queue, string(msg)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}
	p.logger.Printf("notifications: queued assignment of ticket %s to agent %d on %s", event.TicketNumber, event.AssignedToID, p.queue)
	return nil
}

// LogNotifier only logs events.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) NotifyAssignment(ctx context.Context, event AssignmentEvent) error {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notifications: ticket %s assigned to %s <%s> by %s", event.TicketNumber, event.AssignedToName, event.AssignedToEmail, event.AssignedBy)
	return nil
}

// Hub keeps delivered events per agent in memory until consumed.
type Hub struct {
	mu     sync.Mutex
	events map[int][]AssignmentEvent
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{events: make(map[int][]AssignmentEvent)}
}

// NotifyAssignment records event for its agent, replacing an older event for the same ticket.
func (h *Hub) NotifyAssignment(_ context.Context, event AssignmentEvent) error {
	if event.AssignedToID <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.events[event.AssignedToID]
	for i := range list {
		if list[i].TicketID == event.TicketID {
			list[i] = event
			return nil
		}
	}
	h.events[event.AssignedToID] = append(list, event)
	return nil
}

// Consume returns and clears the events for agentID.
func (h *Hub) Consume(agentID int) []AssignmentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.events[agentID]
	delete(h.events, agentID)
	return list
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyAssignment(ctx context.Context, event AssignmentEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyAssignment(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
