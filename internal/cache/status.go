package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusTTL is how long a poll status record is kept.
const StatusTTL = 24 * time.Hour

// ErrNoStatus is returned when an account has not been polled recently.
var ErrNoStatus = errors.New("no poll status recorded")

// PollStatus summarises the last poll of one mailbox account.
type PollStatus struct {
	AccountID  int       `json:"account_id"`
	LastPollAt time.Time `json:"last_poll_at"`
	LastStatus string    `json:"last_status"`
	LastError  string    `json:"last_error"`
	Fetched    int       `json:"messages_fetched"`
	New        int       `json:"messages_new"`
	Duplicates int       `json:"messages_duplicate"`
	DurationMS int64     `json:"duration_ms"`
}

// StatusStore records poll outcomes for operators.
type StatusStore interface {
	Record(ctx context.Context, status PollStatus) error
	Get(ctx context.Context, accountID int) (*PollStatus, error)
}

// RedisStatusStore keeps one JSON record per account.
type RedisStatusStore struct {
	rdb    kv
	prefix string
}

// NewRedisStatusStore namespaces keys under prefix.
func NewRedisStatusStore(rdb kv, prefix string) *RedisStatusStore {
	return &RedisStatusStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStatusStore) key(accountID int) string {
	return fmt.Sprintf("%smail_poll_status:%d", s.prefix, accountID)
}

func (s *RedisStatusStore) Record(ctx context.Context, status PollStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal poll status: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(status.AccountID), payload, StatusTTL).Err(); err != nil {
		return fmt.Errorf("redis SET: %w", err)
	}
	return nil
}

func (s *RedisStatusStore) Get(ctx context.Context, accountID int) (*PollStatus, error) {
	raw, err := s.rdb.Get(ctx, s.key(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoStatus
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET: %w", err)
	}
	var status PollStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("decode poll status: %w", err)
	}
	return &status, nil
}

// MemoryStatusStore keeps statuses in process.
type MemoryStatusStore struct {
	items *Local[PollStatus]
}

// NewMemoryStatusStore returns an in-process status store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{items: NewLocal[PollStatus](0, StatusTTL)}
}

func (s *MemoryStatusStore) Record(ctx context.Context, status PollStatus) error {
	s.items.Set(fmt.Sprint(status.AccountID), status, 0)
	return nil
}

func (s *MemoryStatusStore) Get(ctx context.Context, accountID int) (*PollStatus, error) {
	status, ok := s.items.Get(fmt.Sprint(accountID))
	if !ok {
		return nil, ErrNoStatus
	}
	return &status, nil
}
