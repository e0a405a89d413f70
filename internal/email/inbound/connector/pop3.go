package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/go-pop3"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type pop3ConnFactory func(Account) (pop3Connection, error)

// POP3Connector opens POP3/POP3S sessions. POP3 has no seen flag, so marking a
// message seen deletes it unless deletion is disabled; with deletion disabled the
// message stays listed and sessions expose ListAll so the poller can skip the
// UIDLs it already stored.
type POP3Connector struct {
	deleteAfterFetch bool
	dialTimeout      time.Duration
	now              func() time.Time
	logger           *log.Logger
	newConn          pop3ConnFactory
}

// POP3Option customizes connector behavior.
type POP3Option func(*POP3Connector)

// NewPOP3Connector returns a POP3 connector.
func NewPOP3Connector(opts ...POP3Option) *POP3Connector {
	c := &POP3Connector{
		deleteAfterFetch: true,
		dialTimeout:      30 * time.Second,
		now:              func() time.Time { return time.Now().UTC() },
		logger:           log.Default(),
	}
	c.newConn = c.defaultConnFactory
	for _, opt := range opts {
		opt(c)
	}
	if c.newConn == nil {
		c.newConn = c.defaultConnFactory
	}
	return c
}

// WithPOP3DeleteAfterFetch toggles destructive POP3 behavior.
func WithPOP3DeleteAfterFetch(delete bool) POP3Option {
	return func(c *POP3Connector) {
		c.deleteAfterFetch = delete
	}
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *log.Logger) POP3Option {
	return func(c *POP3Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3Option {
	return func(c *POP3Connector) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3Option {
	return func(c *POP3Connector) {
		c.newConn = factory
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3Option {
	return func(c *POP3Connector) {
		if now != nil {
			c.now = now
		}
	}
}

// Name returns the connector identifier.
func (c *POP3Connector) Name() string {
	return "pop3"
}

// Open validates the account and returns an unconnected session.
func (c *POP3Connector) Open(account Account) (Mailbox, error) {
	if err := validatePOP3Account(account); err != nil {
		return nil, err
	}
	return &pop3Session{conn: c, account: account}, nil
}

type pop3Session struct {
	conn    *POP3Connector
	account Account
	pc      pop3Connection
}

func (s *pop3Session) Name() string { return s.conn.Name() }

func (s *pop3Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pc, err := s.conn.newConn(s.account)
	if err != nil {
		return fmt.Errorf("pop3 connect: %w", err)
	}
	if err := pc.Auth(s.account.Username, string(s.account.Password)); err != nil {
		s.conn.safeQuit(pc)
		return fmt.Errorf("pop3 auth: %w", err)
	}
	s.pc = pc
	return nil
}

// ListUnseen returns the first limit messages in the maildrop. Without a seen
// flag these include already fetched ones; see ListAll.
func (s *pop3Session) ListUnseen(ctx context.Context, limit int) ([]MessageRef, error) {
	refs, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// ListAll returns every message in the maildrop with its UIDL.
func (s *pop3Session) ListAll(ctx context.Context) ([]MessageRef, error) {
	if s.pc == nil {
		return nil, errors.New("pop3 session not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := s.pc.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}
	refs := make([]MessageRef, 0, len(msgs))
	for _, meta := range msgs {
		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		refs = append(refs, MessageRef{
			UID:      uid,
			Seq:      meta.ID,
			Size:     int64(meta.Size),
			RemoteID: buildRemoteID(s.account, uid),
		})
	}
	return refs, nil
}

func (s *pop3Session) FetchRaw(ctx context.Context, ref MessageRef) (*FetchedMessage, error) {
	if s.pc == nil {
		return nil, errors.New("pop3 session not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := s.pc.RetrRaw(ref.Seq)
	if err != nil {
		return nil, fmt.Errorf("pop3 retr %d: %w", ref.Seq, err)
	}
	raw := append([]byte(nil), payload.Bytes()...)
	msg := &FetchedMessage{
		AccountID:  s.account.ID,
		Connector:  s.Name(),
		UID:        ref.UID,
		RemoteID:   buildRemoteID(s.account, ref.UID),
		ReceivedAt: s.conn.now(),
		SizeBytes:  int64(len(raw)),
		Raw:        raw,
		Metadata: map[string]string{
			"uidl":    ref.UID,
			"pop3_id": strconv.Itoa(ref.Seq),
		},
	}
	if ref.Size > 0 {
		msg.Metadata["reported_size"] = strconv.FormatInt(ref.Size, 10)
	}
	return msg, nil
}

func (s *pop3Session) MarkSeen(ctx context.Context, ref MessageRef) error {
	if s.pc == nil {
		return errors.New("pop3 session not connected")
	}
	if !s.conn.deleteAfterFetch {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.pc.Dele(ref.Seq); err != nil {
		return fmt.Errorf("pop3 delete %d: %w", ref.Seq, err)
	}
	return nil
}

// Disconnect sends QUIT, which commits pending deletions.
func (s *pop3Session) Disconnect() error {
	if s.pc == nil {
		return nil
	}
	pc := s.pc
	s.pc = nil
	if err := pc.Quit(); err != nil {
		return fmt.Errorf("pop3 quit: %w", err)
	}
	return nil
}

func (c *POP3Connector) safeQuit(conn pop3Connection) {
	if conn == nil {
		return
	}
	if err := conn.Quit(); err != nil && c.logger != nil {
		c.logger.Printf("pop3 quit error: %v", err)
	}
}

func (c *POP3Connector) defaultConnFactory(account Account) (pop3Connection, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	port := account.Port
	if port == 0 {
		if usePOP3TLS(account.Type) {
			port = 995
		} else {
			port = 110
		}
	}
	client := pop3.New(pop3.Opt{
		Host:        account.Host,
		Port:        port,
		DialTimeout: c.dialTimeout,
		TLSEnabled:  usePOP3TLS(account.Type),
	})
	return client.NewConn()
}

func validatePOP3Account(account Account) error {
	if account.Username == "" {
		return errors.New("pop3 account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("pop3 account missing password")
	}
	if !supportsPOP3(account.Type) {
		return fmt.Errorf("account type %s not supported by POP3 connector", account.Type)
	}
	return nil
}

func supportsPOP3(t string) bool {
	switch strings.ToLower(t) {
	case "pop3", "pop3s", "pop3_tls", "pop3s_tls":
		return true
	default:
		return false
	}
}

func usePOP3TLS(t string) bool {
	switch strings.ToLower(t) {
	case "pop3s", "pop3_tls", "pop3s_tls":
		return true
	default:
		return false
	}
}
