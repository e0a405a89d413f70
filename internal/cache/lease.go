package cache

import (
	"context"
	"fmt"
	"time"
)

// Lease grants short exclusive ownership of a key across workers.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLease implements Lease with SETNX and DEL. The TTL bounds ownership when
// a holder dies without releasing.
type RedisLease struct {
	rdb    kv
	prefix string
}

// NewRedisLease namespaces keys under prefix + "lease:".
func NewRedisLease(rdb kv, prefix string) *RedisLease {
	return &RedisLease{rdb: rdb, prefix: prefix + "lease:"}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease SETNX: %w", err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, l.prefix+key).Err(); err != nil {
		return fmt.Errorf("lease DEL: %w", err)
	}
	return nil
}

// LocalLease implements Lease for a single process.
type LocalLease struct {
	held *Local[struct{}]
}

// NewLocalLease returns an in-process lease.
func NewLocalLease() *LocalLease {
	return &LocalLease{held: NewLocal[struct{}](0, time.Minute)}
}

func (l *LocalLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.held.SetNX(key, struct{}{}, ttl), nil
}

func (l *LocalLease) Release(ctx context.Context, key string) error {
	l.held.Delete(key)
	return nil
}
