// Package api serves the operator HTTP surface: health, metrics, the failed
// message queue and manual task triggers.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gotrs-io/gotrs-inbound/internal/cache"
	"github.com/gotrs-io/gotrs-inbound/internal/mailqueue"
	"github.com/gotrs-io/gotrs-inbound/internal/metrics"
	"github.com/gotrs-io/gotrs-inbound/internal/models"
	"github.com/gotrs-io/gotrs-inbound/internal/version"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
)

// Queue is the part of the message store operators act on.
type Queue interface {
	ListFailed(ctx context.Context, limit int) ([]*models.InboundMessage, error)
	Requeue(ctx context.Context, id int64, now time.Time) error
	CountByStatus(ctx context.Context) (map[models.MessageStatus]int, error)
}

// AccountLister lists configured mailbox accounts.
type AccountLister interface {
	List(ctx context.Context) ([]models.MailboxAccount, error)
}

// TaskTrigger runs a scheduled task immediately.
type TaskTrigger interface {
	RunOnce(ctx context.Context, name string) error
}

// Server wires handlers to their collaborators.
type Server struct {
	queue    Queue
	accounts AccountLister
	status   cache.StatusStore
	tasks    TaskTrigger
	gatherer prometheus.Gatherer
	ping     func(ctx context.Context) error
	allowed  map[string]bool
	logger   *log.Logger
	now      func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithAccounts enables the poll status endpoint.
func WithAccounts(a AccountLister, status cache.StatusStore) Option {
	return func(s *Server) {
		s.accounts = a
		s.status = status
	}
}

// WithTasks enables manual triggers for the named tasks.
func WithTasks(t TaskTrigger, names ...string) Option {
	return func(s *Server) {
		s.tasks = t
		for _, n := range names {
			s.allowed[n] = true
		}
	}
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithPing adds a dependency check to /healthz.
func WithPing(ping func(ctx context.Context) error) Option {
	return func(s *Server) { s.ping = ping }
}

// WithLogger overrides the logger used for handler errors.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer returns a server over queue.
func NewServer(queue Queue, opts ...Option) *Server {
	s := &Server{
		queue:   queue,
		allowed: make(map[string]bool),
		logger:  log.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.GET("/version", s.versionInfo)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(s.gatherer)))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/messages/counts", s.counts)
		v1.GET("/messages/failed", s.listFailed)
		v1.POST("/messages/:id/requeue", s.requeue)
		v1.GET("/accounts/status", s.accountStatus)
		v1.POST("/tasks/:name/run", s.runTask)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": s.now().Unix()})
}

func (s *Server) versionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, version.GetInfo())
}

func (s *Server) counts(c *gin.Context) {
	counts, err := s.queue.CountByStatus(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "count messages", err)
		return
	}
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
}

func (s *Server) listFailed(c *gin.Context) {
	limit := defaultFailedLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxFailedLimit)
	}
	msgs, err := s.queue.ListFailed(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "list failed messages", err)
		return
	}
	out := make([]failedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toFailed(m))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": out, "count": len(out)})
}

func (s *Server) requeue(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid message id"})
		return
	}
	err = s.queue.Requeue(c.Request.Context(), id, s.now())
	switch {
	case errors.Is(err, mailqueue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "message not found"})
	case errors.Is(err, mailqueue.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "message is not terminally failed"})
	case err != nil:
		s.fail(c, http.StatusInternalServerError, "requeue message", err)
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "message requeued"})
	}
}

func (s *Server) accountStatus(c *gin.Context) {
	if s.accounts == nil || s.status == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"success": false, "error": "poll status not configured"})
		return
	}
	ctx := c.Request.Context()
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "list accounts", err)
		return
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	out := make([]accountStatus, 0, len(accounts))
	for _, a := range accounts {
		row := accountStatus{
			ID:         a.ID,
			Name:       a.Name,
			Email:      a.EmailAddress,
			Type:       a.Type,
			Active:     a.IsActive,
			LastSyncAt: a.LastSyncAt,
		}
		st, err := s.status.Get(ctx, a.ID)
		switch {
		case err == nil:
			row.Poll = st
		case !errors.Is(err, cache.ErrNoStatus):
			s.logger.Printf("api: poll status for account %d: %v", a.ID, err)
		}
		out = append(out, row)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
}

func (s *Server) runTask(c *gin.Context) {
	name := c.Param("name")
	if s.tasks == nil || !s.allowed[name] {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown task"})
		return
	}
	start := s.now()
	if err := s.tasks.RunOnce(c.Request.Context(), name); err != nil {
		s.fail(c, http.StatusBadGateway, "run task "+name, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"task":        name,
		"duration_ms": s.now().Sub(start).Milliseconds(),
	})
}

func (s *Server) fail(c *gin.Context, code int, what string, err error) {
	s.logger.Printf("api: %s: %v", what, err)
	c.JSON(code, gin.H{"success": false, "error": what + ": " + err.Error()})
}

type failedMessage struct {
	ID         int64     `json:"id"`
	AccountID  int       `json:"mailbox_account_id"`
	MessageID  string    `json:"message_id"`
	From       string    `json:"from_address"`
	Subject    string    `json:"subject"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error"`
	ReceivedAt time.Time `json:"received_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toFailed(m *models.InboundMessage) failedMessage {
	return failedMessage{
		ID:         m.ID,
		AccountID:  m.MailboxAccountID,
		MessageID:  m.MessageID,
		From:       m.FromAddress,
		Subject:    m.Subject,
		RetryCount: m.RetryCount,
		LastError:  m.LastError,
		ReceivedAt: m.ReceivedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

type accountStatus struct {
	ID         int               `json:"id"`
	Name       string            `json:"name"`
	Email      string            `json:"email_address"`
	Type       string            `json:"type"`
	Active     bool              `json:"active"`
	LastSyncAt *time.Time        `json:"last_sync_at,omitempty"`
	Poll       *cache.PollStatus `json:"poll,omitempty"`
}
