package tickets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
	"github.com/gotrs-io/gotrs-inbound/internal/ticketnumber"
)

// MemoryService is an in-process ticket service for tests and local runs.
type MemoryService struct {
	mu          sync.Mutex
	format      *ticketnumber.Format
	now         func() time.Time
	nextTicket  int64
	nextClient  int64
	nextComment int64
	nextUpload  int64
	tickets     map[int64]*models.Ticket
	messageIDs  map[string]int64
	comments    map[int64][]CommentRequest
	commentIDs  map[string]int64
	clients     map[string]*models.Client
	agents      []models.Agent
	uploads     []AttachmentUpload
	uploadIDs   map[string]int64
	created     []CreateTicketRequest
}

// NewMemoryService numbers tickets with format.
func NewMemoryService(format *ticketnumber.Format) *MemoryService {
	if format == nil {
		format = ticketnumber.MustNew("TKT-", 6)
	}
	return &MemoryService{
		format:     format,
		now:        func() time.Time { return time.Now().UTC() },
		tickets:    make(map[int64]*models.Ticket),
		messageIDs: make(map[string]int64),
		comments:   make(map[int64][]CommentRequest),
		commentIDs: make(map[string]int64),
		uploadIDs:  make(map[string]int64),
		clients:    make(map[string]*models.Client),
	}
}

// AddClient seeds a client and returns it.
func (m *MemoryService) AddClient(email, name string) models.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.ensureClient(email, name)
}

// AddTicket seeds a ticket. A zero ID is allocated; an empty number is rendered.
// messageIDs are recorded as messages that belong to the ticket.
func (m *MemoryService) AddTicket(t models.Ticket, messageIDs ...string) models.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		m.nextTicket++
		t.ID = m.nextTicket
	} else if t.ID > m.nextTicket {
		m.nextTicket = t.ID
	}
	if t.TicketNumber == "" {
		t.TicketNumber = m.format.Render(t.ID)
	}
	if t.Status == "" {
		t.Status = models.TicketStatusOpen
	}
	if t.Priority == "" {
		t.Priority = models.PriorityNormal
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	stored := t
	m.tickets[t.ID] = &stored
	for _, id := range messageIDs {
		m.messageIDs[models.NormalizeMessageID(id)] = t.ID
	}
	return t
}

// RecordOutbound records a message id sent from the ticket, as replies reference it.
func (m *MemoryService) RecordOutbound(ticketID int64, messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageIDs[models.NormalizeMessageID(messageID)] = ticketID
}

// SetAgents replaces the agent directory.
func (m *MemoryService) SetAgents(agents []models.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = append([]models.Agent(nil), agents...)
}

// Ticket returns a copy of ticket id.
func (m *MemoryService) Ticket(id int64) (models.Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return models.Ticket{}, false
	}
	return *t, true
}

// Tickets returns every ticket ordered by id.
func (m *MemoryService) Tickets() []models.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Comments returns the comments appended to ticket id.
func (m *MemoryService) Comments(ticketID int64) []CommentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CommentRequest(nil), m.comments[ticketID]...)
}

// Uploads returns every attachment upload.
func (m *MemoryService) Uploads() []AttachmentUpload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AttachmentUpload(nil), m.uploads...)
}

// Created returns every create request received.
func (m *MemoryService) Created() []CreateTicketRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CreateTicketRequest(nil), m.created...)
}

// Clients returns the number of known clients.
func (m *MemoryService) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *MemoryService) FindByMessageID(ctx context.Context, ids []string) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if ticketID, ok := m.messageIDs[models.NormalizeMessageID(id)]; ok {
			if t, ok := m.tickets[ticketID]; ok {
				cp := *t
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryService) FindByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if strings.EqualFold(t.TicketNumber, number) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryService) FindClientByEmail(ctx context.Context, email string) (*models.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryService) ListClientTickets(ctx context.Context, clientID int64, statuses []string, since time.Time, limit int) ([]models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Ticket
	for _, t := range m.tickets {
		if t.ClientID != clientID || t.CreatedAt.Before(since) || !containsStatus(statuses, t.Status) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryService) CreateTicket(ctx context.Context, req CreateTicketRequest) (*models.Ticket, error) {
	if strings.TrimSpace(req.ClientEmail) == "" {
		return nil, fmt.Errorf("tickets: client email is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	client := m.ensureClient(req.ClientEmail, req.ClientName)
	m.nextTicket++
	priority := models.NormalizePriority(req.Priority)
	if priority == "" {
		priority = models.PriorityNormal
	}
	t := &models.Ticket{
		ID:              m.nextTicket,
		TicketNumber:    m.format.Render(m.nextTicket),
		Subject:         req.Subject,
		Status:          models.TicketStatusOpen,
		Priority:        priority,
		ClientID:        client.ID,
		CustomerName:    client.Name,
		AssignedAgentID: req.AssignedAgentID,
		DepartmentID:    req.DepartmentID,
		CategoryID:      req.CategoryID,
		CreatedAt:       m.now(),
	}
	m.tickets[t.ID] = t
	if id, ok := req.Metadata["message_id"].(string); ok && id != "" {
		m.messageIDs[models.NormalizeMessageID(id)] = t.ID
	}
	m.created = append(m.created, req)
	cp := *t
	return &cp, nil
}

func (m *MemoryService) AppendComment(ctx context.Context, req CommentRequest) (*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[req.TicketID]; !ok {
		return nil, fmt.Errorf("%w: ticket %d", ErrNotFound, req.TicketID)
	}
	key := fmt.Sprintf("%d|%s", req.TicketID, models.NormalizeMessageID(req.MessageID))
	if req.MessageID != "" {
		if id, ok := m.commentIDs[key]; ok {
			return &Comment{ID: id, TicketID: req.TicketID, CreatedAt: m.now()}, nil
		}
	}
	m.nextComment++
	m.comments[req.TicketID] = append(m.comments[req.TicketID], req)
	if req.MessageID != "" {
		m.commentIDs[key] = m.nextComment
		m.messageIDs[models.NormalizeMessageID(req.MessageID)] = req.TicketID
	}
	return &Comment{ID: m.nextComment, TicketID: req.TicketID, CreatedAt: m.now()}, nil
}

func (m *MemoryService) UploadAttachment(ctx context.Context, up AttachmentUpload) (*UploadedAttachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[up.TicketID]; !ok {
		return nil, fmt.Errorf("%w: ticket %d", ErrNotFound, up.TicketID)
	}
	key := ""
	if up.MessageID != "" {
		key = fmt.Sprintf("%d|%s|%s|%s", up.TicketID, models.NormalizeMessageID(up.MessageID), up.FileName, up.Checksum)
		if id, ok := m.uploadIDs[key]; ok {
			return &UploadedAttachment{ID: id, Existing: true}, nil
		}
	}
	m.nextUpload++
	m.uploads = append(m.uploads, up)
	if key != "" {
		m.uploadIDs[key] = m.nextUpload
	}
	return &UploadedAttachment{ID: m.nextUpload}, nil
}

func (m *MemoryService) AssignTicket(ctx context.Context, ticketID int64, agentID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return fmt.Errorf("%w: ticket %d", ErrNotFound, ticketID)
	}
	id := agentID
	t.AssignedAgentID = &id
	return nil
}

func (m *MemoryService) ListAgents(ctx context.Context) ([]models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Agent(nil), m.agents...), nil
}

func (m *MemoryService) CountWorkload(ctx context.Context, agentIDs []int) (map[int]models.Workload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[int]models.Workload, len(agentIDs))
	for _, id := range agentIDs {
		out[id] = models.Workload{AgentID: id, ComputedAt: now}
	}
	for _, t := range m.tickets {
		if t.AssignedAgentID == nil || !IsWorkloadStatus(t.Status) {
			continue
		}
		w, ok := out[*t.AssignedAgentID]
		if !ok {
			continue
		}
		w.Open++
		if t.IsHighPriority() {
			w.HighPriority++
		}
		out[*t.AssignedAgentID] = w
	}
	return out, nil
}

func (m *MemoryService) ListOpenTicketsForAgent(ctx context.Context, agentID int) ([]models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Ticket
	for _, t := range m.tickets {
		if t.AssignedAgentID != nil && *t.AssignedAgentID == agentID && IsWorkloadStatus(t.Status) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryService) ensureClient(email, name string) *models.Client {
	key := strings.ToLower(strings.TrimSpace(email))
	if c, ok := m.clients[key]; ok {
		return c
	}
	m.nextClient++
	c := &models.Client{ID: m.nextClient, Email: key, Name: name}
	m.clients[key] = c
	return c
}

func containsStatus(statuses []string, status string) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
