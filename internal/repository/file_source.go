package repository

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gotrs-io/gotrs-inbound/internal/models"
)

type accountFile struct {
	Accounts []models.MailboxAccount `yaml:"accounts"`
}

// FileSource reads accounts from a YAML file on every call, so edits apply
// on the next poll. Sync times are kept in memory.
type FileSource struct {
	path string

	mu     sync.Mutex
	synced map[int]time.Time
}

// NewFileSource reads accounts from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path, synced: make(map[int]time.Time)}
}

// ParseAccounts decodes an accounts document and checks ids are unique.
func ParseAccounts(data []byte) ([]models.MailboxAccount, error) {
	var doc accountFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	seen := make(map[int]struct{}, len(doc.Accounts))
	for i := range doc.Accounts {
		acc := &doc.Accounts[i]
		if acc.ID <= 0 {
			return nil, fmt.Errorf("account %d (%s): id must be positive", i, acc.Name)
		}
		if _, dup := seen[acc.ID]; dup {
			return nil, fmt.Errorf("account %d: duplicate id", acc.ID)
		}
		seen[acc.ID] = struct{}{}
		acc.Type = strings.ToLower(strings.TrimSpace(acc.Type))
	}
	sort.Slice(doc.Accounts, func(i, j int) bool { return doc.Accounts[i].ID < doc.Accounts[j].ID })
	return doc.Accounts, nil
}

func (s *FileSource) load() ([]models.MailboxAccount, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	accounts, err := ParseAccounts(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range accounts {
		if at, ok := s.synced[accounts[i].ID]; ok {
			at := at
			accounts[i].LastSyncAt = &at
		}
	}
	return accounts, nil
}

func (s *FileSource) List(ctx context.Context) ([]models.MailboxAccount, error) {
	return s.load()
}

func (s *FileSource) ListActive(ctx context.Context) ([]models.MailboxAccount, error) {
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, acc := range all {
		if acc.IsActive {
			active = append(active, acc)
		}
	}
	return active, nil
}

func (s *FileSource) Account(ctx context.Context, id int) (*models.MailboxAccount, error) {
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
}

func (s *FileSource) MarkSynced(ctx context.Context, accountID int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced[accountID] = at
	return nil
}
