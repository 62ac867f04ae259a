package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "", time.Minute), mr
}

func TestClient_KeyUsesDefaultPrefix(t *testing.T) {
	c := New(nil, "", 0)
	assert.Equal(t, "vpe:lock:job:abc", c.Key(" abc "))
	assert.Equal(t, "p:abc", New(nil, "p:", 0).Key("abc"))
}

func TestClient_AcquireIsExclusive(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := c.Acquire(ctx, "k", "t1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Acquire(ctx, "k", "t2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_ReleaseChecksToken(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "k", "t1", time.Minute)
	require.NoError(t, err)

	released, err := c.Release(ctx, "k", "other")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("k"))

	released, err = c.Release(ctx, "k", "t1")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("k"))
}

func TestClient_RefreshExtendsTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "k", "t1", time.Second)
	require.NoError(t, err)

	ok, err := c.Refresh(ctx, "k", "t1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, mr.TTL("k"), time.Minute)
}

func TestClient_TryLockRejectsSecondHolder(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	unlock, err := c.TryLock(ctx, "job-1")
	require.NoError(t, err)

	_, err = c.TryLock(ctx, "job-1")
	require.ErrorIs(t, err, ErrHeld)

	unlock()
	unlock()
	assert.False(t, mr.Exists(c.Key("job-1")))

	again, err := c.TryLock(ctx, "job-1")
	require.NoError(t, err)
	again()
}

func TestClient_NilClient(t *testing.T) {
	var c *Client
	_, err := c.Acquire(context.Background(), "k", "t", time.Second)
	require.ErrorIs(t, err, ErrNotInitialized)
}
