package catalog

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores snapshots in Redis, shared by every API instance.
type RedisBackend struct{ Client *redis.Client }

func (b RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return v, err
}

func (b RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.Client.Set(ctx, key, value, ttl).Err()
}

func (b RedisBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.Client.Expire(ctx, key, ttl).Err()
}

func (b RedisBackend) Del(ctx context.Context, keys ...string) error {
	return b.Client.Del(ctx, keys...).Err()
}

func (b RedisBackend) Incr(ctx context.Context, key string) (int64, error) {
	return b.Client.Incr(ctx, key).Result()
}

// MemoryBackend keeps snapshots in process. Each instance has its own copy,
// so it suits single-instance deployments and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value   []byte
	expires time.Time // zero: no expiry
}

// NewMemoryBackend uses now as its clock; nil means time.Now.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{entries: make(map[string]memEntry), now: now}
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = b.now().Add(ttl)
	}
	b.entries[key] = e
	return nil
}

func (b *MemoryBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok {
		return nil
	}
	e.expires = b.now().Add(ttl)
	b.entries[key] = e
	return nil
}

func (b *MemoryBackend) Del(ctx context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.entries, k)
	}
	return nil
}

func (b *MemoryBackend) Incr(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	if e, ok := b.live(key); ok {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	n++
	b.entries[key] = memEntry{value: []byte(strconv.FormatInt(n, 10))}
	return n, nil
}

// live returns the unexpired entry for key. Caller holds mu.
func (b *MemoryBackend) live(key string) (memEntry, bool) {
	e, ok := b.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !b.now().Before(e.expires) {
		delete(b.entries, key)
		return memEntry{}, false
	}
	return e, true
}
