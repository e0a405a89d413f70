package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

// APIError is a non-success response from the ticket service.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("ticket service error (%d): %s - %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("ticket service error (%d): %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// envelope is the service's standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Config configures the HTTP client.
type Config struct {
	BaseURL       string
	Token         string
	UserAgent     string
	Timeout       time.Duration
	RatePerSecond float64
	RetryCount    int
	Logger        *log.Logger
	HTTPClient    *http.Client
}

// Client talks to the ticket service REST API.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

var _ Service = (*Client)(nil)

// NewClient builds a rate limited client. Server errors on GET are retried up to RetryCount times.
func NewClient(config Config) *Client {
	if config.UserAgent == "" {
		config.UserAgent = "gotrs-inbound/1.0"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	var hc *resty.Client
	if config.HTTPClient != nil {
		hc = resty.NewWithClient(config.HTTPClient)
	} else {
		hc = resty.New()
	}
	hc.SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetTimeout(config.Timeout).
		SetRetryCount(config.RetryCount).
		SetHeader("User-Agent", config.UserAgent).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if config.Token != "" {
		hc.SetAuthToken(config.Token)
	}
	hc.AddRetryCondition(func(resp *resty.Response, err error) bool {
		if resp == nil || resp.Request == nil {
			return false
		}
		return resp.Request.Method == http.MethodGet && resp.StatusCode() >= 500
	})

	c := &Client{http: hc, logger: config.Logger}
	if config.RatePerSecond > 0 {
		burst := int(config.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
		hc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return c.limiter.Wait(req.Context())
		})
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(resp.Body(), &env)
	if !resp.IsSuccess() {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Message: http.StatusText(resp.StatusCode())}
		if decodeErr == nil {
			if env.Error != "" {
				apiErr.Message = env.Error
			}
			apiErr.Details = env.Message
		}
		return apiErr
	}
	if result == nil {
		return nil
	}
	if decodeErr != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, decodeErr)
	}
	if !env.Success && env.Error != "" {
		return &APIError{StatusCode: resp.StatusCode(), Message: env.Error, Details: env.Message}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, path, err)
	}
	return nil
}

func (c *Client) FindByMessageID(ctx context.Context, ids []string) (*models.Ticket, error) {
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	query := url.Values{}
	for _, id := range ids {
		query.Add("message_id", id)
	}
	var t models.Ticket
	if err := c.do(ctx, http.MethodGet, "/api/v1/tickets/by-message-id", query, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) FindByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	var t models.Ticket
	if err := c.do(ctx, http.MethodGet, "/api/v1/tickets/by-number/"+url.PathEscape(number), nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) FindClientByEmail(ctx context.Context, email string) (*models.Client, error) {
	var cl models.Client
	query := url.Values{"email": {strings.ToLower(strings.TrimSpace(email))}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/customers/by-email", query, nil, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

func (c *Client) ListClientTickets(ctx context.Context, clientID int64, statuses []string, since time.Time, limit int) ([]models.Ticket, error) {
	query := url.Values{}
	if len(statuses) > 0 {
		query.Set("status", strings.Join(statuses, ","))
	}
	if !since.IsZero() {
		query.Set("created_after", since.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []models.Ticket
	path := fmt.Sprintf("/api/v1/customers/%d/tickets", clientID)
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateTicket(ctx context.Context, req CreateTicketRequest) (*models.Ticket, error) {
	if req.Source == "" {
		req.Source = SourceEmail
	}
	var t models.Ticket
	if err := c.do(ctx, http.MethodPost, "/api/v1/tickets", nil, req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) AppendComment(ctx context.Context, req CommentRequest) (*Comment, error) {
	var cm Comment
	path := fmt.Sprintf("/api/v1/tickets/%d/comments", req.TicketID)
	if err := c.do(ctx, http.MethodPost, path, nil, req, &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}

func (c *Client) UploadAttachment(ctx context.Context, up AttachmentUpload) (*UploadedAttachment, error) {
	var out UploadedAttachment
	path := fmt.Sprintf("/api/v1/tickets/%d/attachments", up.TicketID)
	if err := c.do(ctx, http.MethodPost, path, nil, up, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AssignTicket(ctx context.Context, ticketID int64, agentID int) error {
	path := fmt.Sprintf("/api/v1/tickets/%d/assign", ticketID)
	return c.do(ctx, http.MethodPut, path, nil, map[string]int{"agent_id": agentID}, nil)
}

func (c *Client) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var out []models.Agent
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (c *Client) CountWorkload(ctx context.Context, agentIDs []int) (map[int]models.Workload, error) {
	ids := make([]string, len(agentIDs))
	for i, id := range agentIDs {
		ids[i] = strconv.Itoa(id)
	}
	query := url.Values{
		"agent_ids": {strings.Join(ids, ",")},
		"status":    {strings.Join(WorkloadStatuses, ",")},
	}
	var rows []models.Workload
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/workload", query, nil, &rows); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	out := make(map[int]models.Workload, len(agentIDs))
	for _, id := range agentIDs {
		out[id] = models.Workload{AgentID: id, ComputedAt: now}
	}
	for _, w := range rows {
		w.ComputedAt = now
		out[w.AgentID] = w
	}
	return out, nil
}

func (c *Client) ListOpenTicketsForAgent(ctx context.Context, agentID int) ([]models.Ticket, error) {
	query := url.Values{"status": {strings.Join(WorkloadStatuses, ",")}}
	var out []models.Ticket
	path := fmt.Sprintf("/api/v1/agents/%d/tickets", agentID)
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}
