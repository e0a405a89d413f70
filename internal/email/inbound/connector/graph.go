package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultGraphBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultGraphTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	graphScope           = "https://graph.microsoft.com/.default"
	maxGraphMessageBytes = 64 << 20
)

// GraphConnector reads Microsoft 365 mailboxes through the Graph API using
// application (client credentials) permissions.
type GraphConnector struct {
	baseURL    string
	tokenURL   string
	timeout    time.Duration
	logger     *log.Logger
	now        func() time.Time
	httpClient func(ctx context.Context, account Account) *http.Client
}

// GraphOption customizes connector behavior.
type GraphOption func(*GraphConnector)

// NewGraphConnector returns a Graph connector.
func NewGraphConnector(opts ...GraphOption) *GraphConnector {
	c := &GraphConnector{
		baseURL:  defaultGraphBaseURL,
		tokenURL: defaultGraphTokenURL,
		timeout:  30 * time.Second,
		logger:   log.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	c.httpClient = c.defaultHTTPClient
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithGraphBaseURL points the connector at another Graph endpoint.
func WithGraphBaseURL(base string) GraphOption {
	return func(c *GraphConnector) {
		if base != "" {
			c.baseURL = base
		}
	}
}

// WithGraphTimeout overrides the HTTP timeout.
func WithGraphTimeout(timeout time.Duration) GraphOption {
	return func(c *GraphConnector) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithGraphLogger overrides the logger used for connector diagnostics.
func WithGraphLogger(logger *log.Logger) GraphOption {
	return func(c *GraphConnector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithGraphHTTPClient bypasses token acquisition, primarily for tests.
func WithGraphHTTPClient(client *http.Client) GraphOption {
	return func(c *GraphConnector) {
		if client != nil {
			c.httpClient = func(context.Context, Account) *http.Client { return client }
		}
	}
}

// Name returns the connector identifier.
func (c *GraphConnector) Name() string {
	return "graph"
}

// Open validates the account and returns an unconnected session.
func (c *GraphConnector) Open(account Account) (Mailbox, error) {
	if account.Username == "" {
		return nil, errors.New("graph account missing mailbox user")
	}
	if account.TenantID == "" || account.ClientID == "" || len(account.ClientSecret) == 0 {
		return nil, errors.New("graph account missing tenant, client id or client secret")
	}
	return &graphSession{conn: c, account: account}, nil
}

func (c *GraphConnector) defaultHTTPClient(ctx context.Context, account Account) *http.Client {
	creds := &clientcredentials.Config{
		ClientID:     account.ClientID,
		ClientSecret: string(account.ClientSecret),
		TokenURL:     fmt.Sprintf(c.tokenURL, account.TenantID),
		Scopes:       []string{graphScope},
	}
	client := creds.Client(ctx)
	client.Timeout = c.timeout
	return client
}

type graphSession struct {
	conn    *GraphConnector
	account Account
	client  *http.Client
}

type graphMessageList struct {
	Value []struct {
		ID               string    `json:"id"`
		ReceivedDateTime time.Time `json:"receivedDateTime"`
	} `json:"value"`
}

func (s *graphSession) Name() string { return s.conn.Name() }

// Connect prepares a token-refreshing client; the first request validates credentials.
func (s *graphSession) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.client = s.conn.httpClient(context.WithoutCancel(ctx), s.account)
	return nil
}

func (s *graphSession) folderPath() string {
	folder := s.account.Folder
	if folder == "" {
		folder = "inbox"
	}
	return fmt.Sprintf("%s/users/%s/mailFolders/%s/messages",
		s.conn.baseURL, url.PathEscape(s.account.Username), url.PathEscape(folder))
}

func (s *graphSession) messagePath(id string) string {
	return fmt.Sprintf("%s/users/%s/messages/%s",
		s.conn.baseURL, url.PathEscape(s.account.Username), url.PathEscape(id))
}

func (s *graphSession) ListUnseen(ctx context.Context, limit int) ([]MessageRef, error) {
	if s.client == nil {
		return nil, errors.New("graph session not connected")
	}
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("$filter", "isRead eq false")
	q.Set("$select", "id,receivedDateTime")
	q.Set("$orderby", "receivedDateTime asc")
	q.Set("$top", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.folderPath()+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph list returned HTTP %d", resp.StatusCode)
	}
	var list graphMessageList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("graph list decode: %w", err)
	}
	refs := make([]MessageRef, 0, len(list.Value))
	for _, m := range list.Value {
		refs = append(refs, MessageRef{UID: m.ID, RemoteID: graphRemoteID(s.account, m.ID)})
	}
	return refs, nil
}

func (s *graphSession) FetchRaw(ctx context.Context, ref MessageRef) (*FetchedMessage, error) {
	if s.client == nil {
		return nil, errors.New("graph session not connected")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.messagePath(ref.UID)+"/$value", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph fetch %s: %w", ref.UID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph fetch %s returned HTTP %d", ref.UID, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGraphMessageBytes))
	if err != nil {
		return nil, fmt.Errorf("graph fetch %s: %w", ref.UID, err)
	}
	return &FetchedMessage{
		AccountID:  s.account.ID,
		Connector:  s.Name(),
		UID:        ref.UID,
		RemoteID:   graphRemoteID(s.account, ref.UID),
		ReceivedAt: s.conn.now(),
		SizeBytes:  int64(len(raw)),
		Raw:        raw,
		Metadata:   map[string]string{"graph_id": ref.UID},
	}, nil
}

func (s *graphSession) MarkSeen(ctx context.Context, ref MessageRef) error {
	if s.client == nil {
		return errors.New("graph session not connected")
	}
	body := bytes.NewReader([]byte(`{"isRead":true}`))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, s.messagePath(ref.UID), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph mark read %s: %w", ref.UID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("graph mark read %s returned HTTP %d", ref.UID, resp.StatusCode)
	}
	return nil
}

func (s *graphSession) Disconnect() error {
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
	s.client = nil
	return nil
}

func graphRemoteID(account Account, id string) string {
	return fmt.Sprintf("%s:%s", account.Username, id)
}
