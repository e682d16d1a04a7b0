// Package redislock provides a Redis-backed locker.Locker so several
// CreditForge instances never process the same project at once.
//
// A lock is a key set with NX and a TTL holding a random token. While held
// the lease is extended every third of the TTL. Release stops the renewal
// and deletes the key only if it still holds that token.
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Strob0t/CreditForge/internal/port/locker"
)

// Locker is a Redis-backed locker.Locker.
type Locker struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
	poll      time.Duration
	renew     time.Duration
}

var _ locker.Locker = (*Locker)(nil)

// Option configures Locker.
type Option func(*Locker)

// WithKeyPrefix sets the Redis key prefix (default "creditforge:lock:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) { l.keyPrefix = prefix }
}

// WithPollInterval sets how often a blocked Acquire retries.
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) { l.poll = d }
}

// WithRenewInterval sets how often a held lock's TTL is extended
// (default ttl/3).
func WithRenewInterval(d time.Duration) Option {
	return func(l *Locker) { l.renew = d }
}

// New creates a locker whose locks expire after ttl unless renewed by a
// live holder or released.
func New(client goredis.Cmdable, ttl time.Duration, opts ...Option) *Locker {
	l := &Locker{
		client:    client,
		keyPrefix: "creditforge:lock:",
		ttl:       ttl,
		poll:      100 * time.Millisecond,
		renew:     ttl / 3,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.renew <= 0 || l.renew >= l.ttl {
		l.renew = max(l.ttl/3, time.Millisecond)
	}
	return l
}

// releaseScript deletes the lock only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
//
// Returns 1 when released, 0 when the lock was not held.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if the lock still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
// ARGV[2] = ttl in milliseconds
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Acquire blocks until the lock for key is taken or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, renewed)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-renewed
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.release(rctx, redisKey, token); err != nil {
				slog.Warn("release lock", "key", key, "error", err)
			}
		})
	}
	return release, nil
}

// keepAlive extends the lease until stop is closed. It gives up once the
// token is gone, since another holder may own the key by then.
func (l *Locker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.renew)
		n, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			// Transient; the remaining TTL covers the next attempt.
			slog.Warn("renew lock", "key", redisKey, "error", err)
		case n == 0:
			slog.Error("lock lost before release", "key", redisKey)
			return
		}
	}
}

func (l *Locker) release(ctx context.Context, redisKey, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return locker.ErrNotHeld
	}
	return nil
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
