package redisx

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// New builds a client with short timeouts so an unreachable server degrades
// callers quickly instead of stalling requests.
func New(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   1,
	})
}

// Ping reports whether the server answers within timeout.
func Ping(ctx context.Context, rdb *redis.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

// Dedup records processed keys with SET NX so a redelivered message is
// handled once.
type Dedup struct {
	Client *redis.Client
	TTL    time.Duration
}

// Claim returns true when key was not seen before and is now taken.
func (d Dedup) Claim(ctx context.Context, key string) (bool, error) {
	ttl := d.TTL
	if ttl <= 0 {
		ttl = TTLDedup
	}
	ok, err := d.Client.SetNX(ctx, key, "1", ttl).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return ok, err
}

// Release forgets key so the message may be processed again.
func (d Dedup) Release(ctx context.Context, key string) error {
	return d.Client.Del(ctx, key).Err()
}
