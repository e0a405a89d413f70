package connector

import (
	"fmt"
	"strings"
	"sync"
)

// FactoryOption customizes a connector factory.
type FactoryOption func(*simpleFactory)

type simpleFactory struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewFactory builds a connector factory with the provided options.
func NewFactory(opts ...FactoryOption) Factory {
	f := &simpleFactory{openers: make(map[string]Opener)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultFactory returns a factory preloaded with built-in connectors.
func DefaultFactory(imap *IMAPConnector, pop *POP3Connector, graph *GraphConnector) Factory {
	if imap == nil {
		imap = NewIMAPConnector()
	}
	if pop == nil {
		pop = NewPOP3Connector()
	}
	if graph == nil {
		graph = NewGraphConnector()
	}
	return NewFactory(
		WithOpener(pop, "pop3", "pop3s", "pop3_tls", "pop3s_tls"),
		WithOpener(imap, "imap", "imaps", "imap_tls", "imaps_tls", "imaptls"),
		WithOpener(graph, "graph", "m365", "office365"),
	)
}

// WithOpener registers a backend for the provided account types.
func WithOpener(opener Opener, accountTypes ...string) FactoryOption {
	return func(f *simpleFactory) {
		if f == nil || opener == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, t := range accountTypes {
			key := normalizeType(t)
			if key == "" {
				continue
			}
			f.openers[key] = opener
		}
	}
}

func (f *simpleFactory) MailboxFor(account Account) (Mailbox, error) {
	key := normalizeType(account.Type)
	f.mu.RLock()
	opener, ok := f.openers[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAccount, account.Type)
	}
	return opener.Open(account)
}

func normalizeType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func buildRemoteID(account Account, uid string) string {
	if account.Username == "" {
		return fmt.Sprintf("%s:%s", account.Host, uid)
	}
	return fmt.Sprintf("%s@%s:%s", account.Username, account.Host, uid)
}
