// Package redisx holds the Redis-backed coordination pieces: the single-run
// lock that enforces at most one iteration at a time, and the poll-backoff
// store that lets batch polling resume its interval across restarts. Both
// degrade to in-process implementations when no Redis URL is configured,
// which is safe for a single process but not across machines.
package redisx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLocked means another iteration already holds the run lock.
var ErrLocked = errors.New("another iteration holds the run lock")

const (
	lockKey = "selfmod:run-lock"
	lockTTL = 2 * time.Hour

	backoffKeyPrefix = "selfmod:backoff:"
	backoffTTL       = 24 * time.Hour
)

// Lock is the single-run guard.
type Lock interface {
	// Acquire takes the lock or fails with ErrLocked. The returned release
	// func is safe to call from the guaranteed-release path even after
	// errors.
	Acquire(ctx context.Context) (func(), error)
}

// BackoffStore persists poll-backoff intervals across process restarts.
type BackoffStore interface {
	Get(ctx context.Context, key string) (time.Duration, bool)
	Set(ctx context.Context, key string, d time.Duration)
}

// NewClient connects to Redis from a URL.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// redisLock implements Lock with SET NX plus a check-and-delete release so
// a crashed peer's expired lock is never deleted by us.
type redisLock struct {
	client *redis.Client
	token  string
}

func NewLock(client *redis.Client, token string) Lock {
	return &redisLock{client: client, token: token}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *redisLock) Acquire(ctx context.Context) (func(), error) {
	ok, err := l.client.SetNX(ctx, lockKey, l.token, lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	slog.InfoContext(ctx, "run lock acquired", "ttl", lockTTL.String())
	release := func() {
		// Best effort on a background context: the caller's context may
		// already be cancelled in the guaranteed-release path.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{lockKey}, l.token).Err(); err != nil {
			slog.Warn("releasing run lock failed", "error", err)
		}
	}
	return release, nil
}

// processLock is the in-process fallback used when no Redis is configured.
type processLock struct {
	mu   sync.Mutex
	held bool
}

func NewProcessLock() Lock {
	return &processLock{}
}

func (l *processLock) Acquire(ctx context.Context) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, ErrLocked
	}
	l.held = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
	}, nil
}

// redisBackoffStore persists intervals under selfmod:backoff:<key>.
type redisBackoffStore struct {
	client *redis.Client
}

func NewBackoffStore(client *redis.Client) BackoffStore {
	return &redisBackoffStore{client: client}
}

func (s *redisBackoffStore) Get(ctx context.Context, key string) (time.Duration, bool) {
	val, err := s.client.Get(ctx, backoffKeyPrefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "reading backoff state failed", "key", key, "error", err)
		}
		return 0, false
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (s *redisBackoffStore) Set(ctx context.Context, key string, d time.Duration) {
	if err := s.client.Set(ctx, backoffKeyPrefix+key, d.String(), backoffTTL).Err(); err != nil {
		slog.WarnContext(ctx, "writing backoff state failed", "key", key, "error", err)
	}
}

// memBackoffStore is the in-process fallback.
type memBackoffStore struct {
	mu sync.Mutex
	m  map[string]time.Duration
}

func NewMemBackoffStore() BackoffStore {
	return &memBackoffStore{m: make(map[string]time.Duration)}
}

func (s *memBackoffStore) Get(ctx context.Context, key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.m[key]
	return d, ok
}

func (s *memBackoffStore) Set(ctx context.Context, key string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = d
}
