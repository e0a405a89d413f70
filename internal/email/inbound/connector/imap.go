package connector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// IMAPConnector opens IMAP/IMAPS sessions.
type IMAPConnector struct {
	deleteAfterFetch bool
	dialTimeout      time.Duration
	now              func() time.Time
	logger           *log.Logger
	newClient        func(Account) (imapClient, error)
}

// IMAPOption customizes connector behavior.
type IMAPOption func(*IMAPConnector)

// NewIMAPConnector returns an IMAP connector. Messages are flagged \Seen, not deleted, by default.
func NewIMAPConnector(opts ...IMAPOption) *IMAPConnector {
	c := &IMAPConnector{
		dialTimeout: 30 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
	}
	c.newClient = c.defaultClientFactory
	for _, opt := range opts {
		opt(c)
	}
	if c.newClient == nil {
		c.newClient = c.defaultClientFactory
	}
	return c
}

// WithIMAPDeleteAfterFetch expunges messages once they are marked seen.
func WithIMAPDeleteAfterFetch(delete bool) IMAPOption {
	return func(c *IMAPConnector) {
		c.deleteAfterFetch = delete
	}
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *log.Logger) IMAPOption {
	return func(c *IMAPConnector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPOption {
	return func(c *IMAPConnector) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

func withIMAPClientFactory(factory func(Account) (imapClient, error)) IMAPOption {
	return func(c *IMAPConnector) {
		c.newClient = factory
	}
}

// WithIMAPClock overrides the wall clock, primarily for tests.
func WithIMAPClock(now func() time.Time) IMAPOption {
	return func(c *IMAPConnector) {
		if now != nil {
			c.now = now
		}
	}
}

// Name returns the connector identifier.
func (c *IMAPConnector) Name() string {
	return "imap"
}

// Open validates the account and returns an unconnected session.
func (c *IMAPConnector) Open(account Account) (Mailbox, error) {
	if err := validateIMAPAccount(account); err != nil {
		return nil, err
	}
	return &imapSession{conn: c, account: account}, nil
}

type imapSession struct {
	conn    *IMAPConnector
	account Account
	client  imapClient
	folder  string
}

func (s *imapSession) Name() string { return s.conn.Name() }

func (s *imapSession) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := s.conn.newClient(s.account)
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}
	if err := client.Login(s.account.Username, string(s.account.Password)).Wait(); err != nil {
		s.conn.safeClose(client)
		return fmt.Errorf("imap auth: %w", err)
	}

	folder := s.account.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		s.conn.safeClose(client)
		return fmt.Errorf("imap select %s: %w", folder, err)
	}
	s.client = client
	s.folder = folder
	return nil
}

func (s *imapSession) ListUnseen(ctx context.Context, limit int) ([]MessageRef, error) {
	if s.client == nil {
		return nil, errors.New("imap session not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen, imap.FlagDeleted}}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := data.AllUIDs()
	slices.Sort(uids)
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	refs := make([]MessageRef, 0, len(uids))
	for _, uid := range uids {
		id := strconv.FormatUint(uint64(uid), 10)
		refs = append(refs, MessageRef{UID: id, RemoteID: buildRemoteID(s.account, id)})
	}
	return refs, nil
}

func (s *imapSession) FetchRaw(ctx context.Context, ref MessageRef) (*FetchedMessage, error) {
	uid, err := parseUID(ref.UID)
	if err != nil {
		return nil, err
	}
	if s.client == nil {
		return nil, errors.New("imap session not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
		// Peek leaves \Seen untouched until MarkSeen
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	}
	bufs, err := s.client.Fetch(imap.UIDSetNum(uid), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %d: %w", uid, err)
	}
	for _, buf := range bufs {
		if buf.UID != uid {
			continue
		}
		body := firstBodySection(buf)
		if body == nil {
			break
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = s.conn.now()
		}
		return &FetchedMessage{
			AccountID:  s.account.ID,
			Connector:  s.Name(),
			UID:        ref.UID,
			RemoteID:   buildRemoteID(s.account, ref.UID),
			ReceivedAt: received,
			SizeBytes:  int64(len(body)),
			Raw:        append([]byte(nil), body...),
			Metadata: map[string]string{
				"imap_uid":    ref.UID,
				"imap_folder": s.folder,
			},
		}, nil
	}
	return nil, fmt.Errorf("imap fetch %d: message not returned", uid)
}

func firstBodySection(buf *imapclient.FetchMessageBuffer) []byte {
	for _, section := range buf.BodySection {
		if len(section.Bytes) > 0 {
			return section.Bytes
		}
	}
	return nil
}

func (s *imapSession) MarkSeen(ctx context.Context, ref MessageRef) error {
	uid, err := parseUID(ref.UID)
	if err != nil {
		return err
	}
	if s.client == nil {
		return errors.New("imap session not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	flags := []imap.Flag{imap.FlagSeen}
	if s.conn.deleteAfterFetch {
		flags = append(flags, imap.FlagDeleted)
	}
	uidSet := imap.UIDSetNum(uid)
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: flags}
	if err := s.client.Store(uidSet, store, nil).Close(); err != nil {
		return fmt.Errorf("imap store %d: %w", uid, err)
	}
	if s.conn.deleteAfterFetch {
		if err := s.client.UIDExpunge(uidSet).Close(); err != nil {
			return fmt.Errorf("imap expunge %d: %w", uid, err)
		}
	}
	return nil
}

func (s *imapSession) Disconnect() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil
	err := client.Logout().Wait()
	s.conn.safeClose(client)
	if err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

func parseUID(value string) (imap.UID, error) {
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid imap uid %q", value)
	}
	return imap.UID(n), nil
}

func (c *IMAPConnector) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil && c.logger != nil {
		c.logger.Printf("imap close error: %v", err)
	}
}

func (c *IMAPConnector) defaultClientFactory(account Account) (imapClient, error) {
	if account.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	port := account.Port
	if port == 0 {
		if useIMAPTLS(account.Type) {
			port = 993
		} else {
			port = 143
		}
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: c.dialTimeout}}
	addr := net.JoinHostPort(account.Host, strconv.Itoa(port))
	var client *imapclient.Client
	var err error
	if useIMAPTLS(account.Type) {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}

func validateIMAPAccount(account Account) error {
	if account.Username == "" {
		return errors.New("imap account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("imap account missing password")
	}
	if !supportsIMAP(account.Type) {
		return fmt.Errorf("account type %s not supported by IMAP connector", account.Type)
	}
	return nil
}

func supportsIMAP(t string) bool {
	switch strings.ToLower(t) {
	case "imap", "imaps", "imap_tls", "imaps_tls", "imaptls":
		return true
	default:
		return false
	}
}

func useIMAPTLS(t string) bool {
	switch strings.ToLower(t) {
	case "imaps", "imap_tls", "imaps_tls", "imaptls":
		return true
	default:
		return false
	}
}
