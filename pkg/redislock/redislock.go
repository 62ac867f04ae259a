// Package redislock is a SET NX PX lock with token-checked refresh and release.
// It keeps a job single-writer when several replicas share one store.
package redislock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "vpe:lock:job:"

var (
	ErrNotInitialized = errors.New("redis lock not initialized")
	ErrEmptyKey       = errors.New("lock key/token is empty")
	// ErrHeld is returned by TryLock when another holder owns the key.
	ErrHeld = errors.New("lock held by another worker")
)

type Client struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func New(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Client{
		rdb:    rdb,
		prefix: strings.TrimSpace(prefix),
		ttl:    ttl,
	}
}

func (c *Client) Key(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if c == nil {
		return jobID
	}
	p := c.prefix
	if p == "" {
		p = defaultPrefix
	}
	return p + jobID
}

func Token() string {
	return uuid.NewString()
}

func (c *Client) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, ErrNotInitialized
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.rdb.SetNX(ctx, key, token, ttl).Result()
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (c *Client) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, ErrNotInitialized
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	n, err := refreshScript.Run(ctx, c.rdb, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	// PEXPIRE returns 1 if timeout was set, 0 otherwise.
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (c *Client) Release(ctx context.Context, key, token string) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, ErrNotInitialized
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, ErrEmptyKey
	}
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TryLock acquires the job lock and keeps it alive until the returned unlock is called.
// The refresh loop runs at a third of the TTL.
func (c *Client) TryLock(ctx context.Context, jobID string) (func(), error) {
	key := c.Key(jobID)
	token := Token()
	ok, err := c.Acquire(ctx, key, token, c.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_, _ = c.Refresh(refreshCtx, key, token, c.ttl)
				cancel()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = c.Release(releaseCtx, key, token)
		})
	}, nil
}
