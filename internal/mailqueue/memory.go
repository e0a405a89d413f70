package mailqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

type dedupKey struct {
	account   int
	messageID string
}

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*models.InboundMessage
	byKey  map[dedupKey]int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[int64]*models.InboundMessage),
		byKey: make(map[dedupKey]int64),
	}
}

func (s *MemoryStore) Insert(_ context.Context, msg *models.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey{msg.MailboxAccountID, msg.MessageID}
	if _, ok := s.byKey[key]; ok {
		return ErrDuplicate
	}
	s.nextID++
	msg.ID = s.nextID
	if msg.Status == "" {
		msg.Status = models.MessageStatusPending
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	cp := *msg
	s.byID[cp.ID] = &cp
	s.byKey[key] = cp.ID
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, accountID int, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[dedupKey{accountID, messageID}]
	return ok, nil
}

func (s *MemoryStore) ExistsRemote(_ context.Context, accountID int, remoteID string) (bool, error) {
	if remoteID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.byID {
		if msg.MailboxAccountID == accountID && msg.RemoteID == remoteID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*models.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *MemoryStore) ListProcessable(_ context.Context, limit int) ([]*models.InboundMessage, error) {
	return s.list(limit, func(m *models.InboundMessage) bool {
		return m.Status == models.MessageStatusPending || m.Retryable()
	}), nil
}

func (s *MemoryStore) ListFailed(_ context.Context, limit int) ([]*models.InboundMessage, error) {
	return s.list(limit, func(m *models.InboundMessage) bool {
		return m.Status == models.MessageStatusFailed && m.Terminal
	}), nil
}

func (s *MemoryStore) list(limit int, keep func(*models.InboundMessage) bool) []*models.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.InboundMessage
	for _, m := range s.byID {
		if keep(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) Claim(_ context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != models.MessageStatusPending && !m.Retryable() {
		return ErrConflict
	}
	m.Status = models.MessageStatusProcessing
	m.ClaimedAt = &now
	m.UpdatedAt = now
	return nil
}

func (s *MemoryStore) SaveContent(_ context.Context, msg *models.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[msg.ID]
	if !ok {
		return ErrNotFound
	}
	m.FromAddress, m.FromName = msg.FromAddress, msg.FromName
	m.ToAddresses, m.CcAddresses = msg.ToAddresses, msg.CcAddresses
	m.Subject, m.BodyPlain, m.BodyHTML = msg.Subject, msg.BodyPlain, msg.BodyHTML
	m.Headers, m.Attachments = msg.Headers, msg.Attachments
	m.Extracted = msg.Extracted
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, id int64, outcome Outcome, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != models.MessageStatusProcessing {
		return ErrConflict
	}
	m.Status = models.MessageStatusProcessed
	m.Action = outcome.Action
	m.TicketID, m.CommentID = outcome.TicketID, outcome.CommentID
	m.LastError = ""
	m.ProcessedAt = &now
	m.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id int64, failure Failure, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	m.RetryCount++
	m.Status = models.MessageStatusFailed
	m.Terminal = terminalAfter(m.RetryCount, failure)
	m.LastError = failure.Reason
	m.ClaimedAt = nil
	m.UpdatedAt = now
	return m.Terminal, nil
}

func (s *MemoryStore) ReclaimStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.byID {
		if m.Status == models.MessageStatusProcessing && m.ClaimedAt != nil && m.ClaimedAt.Before(cutoff) {
			m.Status = models.MessageStatusPending
			m.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Requeue(_ context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != models.MessageStatusFailed {
		return ErrConflict
	}
	m.Status = models.MessageStatusPending
	m.Terminal = false
	m.RetryCount = 0
	m.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[models.MessageStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.MessageStatus]int)
	for _, m := range s.byID {
		out[m.Status]++
	}
	return out, nil
}
