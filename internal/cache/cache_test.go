package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV is an in-memory stand-in for the Redis commands used here.
type fakeKV struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeKV) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = "1"
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisStatusStore(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeKV()
	store := NewRedisStatusStore(rdb, "gotrs_inbound:")

	_, err := store.Get(ctx, 3)
	assert.True(t, errors.Is(err, ErrNoStatus))

	status := PollStatus{AccountID: 3, LastPollAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), LastStatus: "ok", Fetched: 5, New: 4, Duplicates: 1}
	require.NoError(t, store.Record(ctx, status))
	assert.Equal(t, StatusTTL, rdb.ttls["gotrs_inbound:mail_poll_status:3"])

	got, err := store.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, status, *got)

	rdb.err = errors.New("down")
	_, err = store.Get(ctx, 3)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoStatus))
}

func TestRedisLease(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeKV()
	lease := NewRedisLease(rdb, "p:")

	ok, err := lease.Acquire(ctx, "1|m@x", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = lease.Acquire(ctx, "1|m@x", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, rdb.ttls["p:lease:1|m@x"])

	require.NoError(t, lease.Release(ctx, "1|m@x"))
	ok, err = lease.Acquire(ctx, "1|m@x", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalTTLAndEviction(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lc := NewLocal[int](2, 30*time.Second).WithClock(func() time.Time { return now })

	lc.Set("a", 1, 0)
	lc.Set("b", 2, time.Minute)
	now = now.Add(time.Second)
	v, ok := lc.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	lc.Set("c", 3, 0) // evicts b, the least recently used
	_, ok = lc.Get("b")
	assert.False(t, ok)

	now = now.Add(31 * time.Second)
	_, ok = lc.Get("a")
	assert.False(t, ok)
	_, ok = lc.Get("c")
	assert.False(t, ok)
	assert.EqualValues(t, 0, lc.Stats().Size)
}

func TestLocalLease(t *testing.T) {
	ctx := context.Background()
	lease := NewLocalLease()
	ok, _ := lease.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok)
	ok, _ = lease.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)
	require.NoError(t, lease.Release(ctx, "k"))
	ok, _ = lease.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestMemoryStatusStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatusStore()
	require.NoError(t, store.Record(ctx, PollStatus{AccountID: 1, LastStatus: "error", LastError: "dial"}))
	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "dial", got.LastError)
	_, err = store.Get(ctx, 2)
	assert.True(t, errors.Is(err, ErrNoStatus))
}
