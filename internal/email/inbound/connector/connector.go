package connector

import (
	"context"
	"errors"
	"time"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

// ErrUnsupportedAccount is returned when no backend serves an account type.
var ErrUnsupportedAccount = errors.New("unsupported mailbox account type")

// Account carries the minimal set of fields a connector needs to open a mailbox.
type Account struct {
	ID           int
	Type         string // pop3, pop3s, imap, imaps, graph
	Host         string
	Port         int
	Username     string
	Password     []byte
	Folder       string
	TenantID     string
	ClientID     string
	ClientSecret []byte
}

// NewAccount converts a configured mailbox into connector form, opening sealed secrets.
func NewAccount(m models.MailboxAccount, secrets SecretOpener) (Account, error) {
	if secrets == nil {
		secrets = PlainSecrets{}
	}
	password, err := secrets.Open(m.Password)
	if err != nil {
		return Account{}, err
	}
	clientSecret, err := secrets.Open(m.ClientSecret)
	if err != nil {
		return Account{}, err
	}
	return Account{
		ID:           m.ID,
		Type:         m.Type,
		Host:         m.Host,
		Port:         m.Port,
		Username:     m.Username,
		Password:     password,
		Folder:       m.Folder,
		TenantID:     m.TenantID,
		ClientID:     m.ClientID,
		ClientSecret: clientSecret,
	}, nil
}

// MessageRef identifies one remote message within an open session.
type MessageRef struct {
	UID  string
	Seq  int
	Size int64
	// RemoteID matches FetchedMessage.RemoteID, so callers can skip stored
	// messages without fetching them.
	RemoteID string
}

// FetchedMessage wraps the on-wire RFC822 payload plus derived metadata.
type FetchedMessage struct {
	AccountID  int
	Connector  string
	UID        string
	RemoteID   string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
	Metadata   map[string]string
}

// Mailbox is one session against a remote mailbox. Sessions are not safe for
// concurrent use and must not be shared between pollers.
type Mailbox interface {
	Name() string
	Connect(ctx context.Context) error
	// ListUnseen returns at most limit unseen messages, oldest first.
	ListUnseen(ctx context.Context, limit int) ([]MessageRef, error)
	FetchRaw(ctx context.Context, ref MessageRef) (*FetchedMessage, error)
	MarkSeen(ctx context.Context, ref MessageRef) error
	Disconnect() error
}

// Flagless is implemented by mailboxes without a server-side seen flag, where
// ListUnseen cannot tell fetched messages from new ones. ListAll returns every
// message present, oldest first, so the caller can drop stored ones before
// applying its limit.
type Flagless interface {
	ListAll(ctx context.Context) ([]MessageRef, error)
}

// Opener creates fresh sessions for one backend.
type Opener interface {
	Name() string
	Open(account Account) (Mailbox, error)
}

// Factory resolves the correct backend for a mailbox.
type Factory interface {
	MailboxFor(account Account) (Mailbox, error)
}
