package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, id string, status contracts.Status) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(id, "createOrder", map[string]string{"id": id})
	require.NoError(t, err)
	env.Status = status
	return env
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, opts ...MemoryOption) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(append([]MemoryOption{WithJanitorInterval(0)}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMemoryCache_PutGet(t *testing.T) {
	ctx := context.Background()

	t.Run("returns a present entry immediately", func(t *testing.T) {
		c := newTestCache(t)
		require.NoError(t, c.Put(ctx, "k", envelope(t, "k", contracts.StatusExists), time.Minute))

		start := time.Now()
		env, ok, err := c.Get(ctx, "k", 5*time.Second)

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusExists, env.Status)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("absent with zero timeout does not block", func(t *testing.T) {
		c := newTestCache(t)

		env, ok, err := c.Get(ctx, "missing", 0)

		assert.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, env)
	})

	t.Run("last write wins", func(t *testing.T) {
		c := newTestCache(t)
		require.NoError(t, c.Put(ctx, "k", envelope(t, "k", contracts.StatusCreated), time.Minute))
		require.NoError(t, c.Put(ctx, "k", envelope(t, "k", contracts.StatusNotFound), time.Minute))

		env, ok, err := c.Get(ctx, "k", 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusNotFound, env.Status)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("stored entries are isolated from callers", func(t *testing.T) {
		c := newTestCache(t)
		original := envelope(t, "k", contracts.StatusCreated)
		require.NoError(t, c.Put(ctx, "k", original, time.Minute))

		original.Status = contracts.StatusError
		original.Payload[0] = '['

		first, _, _ := c.Get(ctx, "k", 0)
		assert.Equal(t, contracts.StatusCreated, first.Status)
		assert.True(t, json.Valid(first.Payload))

		first.Status = contracts.StatusForbidden
		second, _, _ := c.Get(ctx, "k", 0)
		assert.Equal(t, contracts.StatusCreated, second.Status)
	})

	t.Run("validates arguments", func(t *testing.T) {
		c := newTestCache(t)

		assert.ErrorIs(t, c.Put(ctx, "", envelope(t, "k", contracts.StatusCreated), time.Minute), ErrEmptyKey)
		assert.ErrorIs(t, c.Put(ctx, "k", nil, time.Minute), ErrNilEnvelope)
		assert.ErrorIs(t, c.Put(ctx, "k", envelope(t, "k", contracts.StatusCreated), 0), ErrInvalidTTL)

		_, _, err := c.Get(ctx, "", 0)
		var storeErr *StoreError
		require.ErrorAs(t, err, &storeErr)
		assert.Equal(t, "get", storeErr.Op)
	})
}

func TestMemoryCache_BlockingGet(t *testing.T) {
	ctx := context.Background()

	t.Run("wakes when the entry is written", func(t *testing.T) {
		c := newTestCache(t)

		go func() {
			time.Sleep(50 * time.Millisecond)
			c.Put(ctx, "k", envelope(t, "k", contracts.StatusInsufficientBalance), time.Minute)
		}()

		start := time.Now()
		env, ok, err := c.Get(ctx, "k", 5*time.Second)

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusInsufficientBalance, env.Status)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("wakes every waiter on the key", func(t *testing.T) {
		c := newTestCache(t)

		var wg sync.WaitGroup
		results := make(chan contracts.Status, 5)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				env, ok, err := c.Get(ctx, "k", 5*time.Second)
				if err == nil && ok {
					results <- env.Status
				}
			}()
		}

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, c.Put(ctx, "k", envelope(t, "k", contracts.StatusExists), time.Minute))
		wg.Wait()
		close(results)

		count := 0
		for status := range results {
			assert.Equal(t, contracts.StatusExists, status)
			count++
		}
		assert.Equal(t, 5, count)
	})

	t.Run("writes to other keys do not satisfy the wait", func(t *testing.T) {
		c := newTestCache(t)

		go func() {
			time.Sleep(20 * time.Millisecond)
			c.Put(ctx, "other", envelope(t, "other", contracts.StatusExists), time.Minute)
		}()

		env, ok, err := c.Get(ctx, "k", 150*time.Millisecond)

		assert.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, env)
	})

	t.Run("returns absent after the timeout", func(t *testing.T) {
		c := newTestCache(t)

		start := time.Now()
		_, ok, err := c.Get(ctx, "k", 100*time.Millisecond)

		assert.NoError(t, err)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.Empty(t, c.waiters)
	})

	t.Run("caller cancellation ends the wait", func(t *testing.T) {
		c := newTestCache(t)
		cctx, cancel := context.WithCancel(ctx)

		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		_, ok, err := c.Get(cctx, "k", 5*time.Second)

		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ok)
	})

	t.Run("Close fails pending waits", func(t *testing.T) {
		c := NewMemoryCache(WithJanitorInterval(0))

		go func() {
			time.Sleep(30 * time.Millisecond)
			c.Close()
		}()

		_, _, err := c.Get(ctx, "k", 5*time.Second)
		assert.ErrorIs(t, err, ErrClosed)

		assert.ErrorIs(t, c.Put(ctx, "k", envelope(t, "k", contracts.StatusCreated), time.Minute), ErrClosed)
		assert.ErrorIs(t, c.Ping(ctx), ErrClosed)
	})
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()

	t.Run("expired entries are absent", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		c := newTestCache(t, WithClock(clock.Now))
		require.NoError(t, c.Put(ctx, "k", envelope(t, "k", contracts.StatusCreated), time.Minute))

		clock.Advance(59 * time.Second)
		_, ok, _ := c.Get(ctx, "k", 0)
		assert.True(t, ok)

		clock.Advance(time.Second)
		_, ok, _ = c.Get(ctx, "k", 0)
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("Put resets expiry", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		c := newTestCache(t, WithClock(clock.Now))
		require.NoError(t, c.Put(ctx, "k", envelope(t, "k", contracts.StatusCreated), time.Minute))

		clock.Advance(50 * time.Second)
		require.NoError(t, c.Put(ctx, "k", envelope(t, "k", contracts.StatusExists), time.Minute))
		clock.Advance(50 * time.Second)

		env, ok, _ := c.Get(ctx, "k", 0)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusExists, env.Status)
	})

	t.Run("janitor evicts expired entries", func(t *testing.T) {
		c := NewMemoryCache(WithJanitorInterval(10 * time.Millisecond))
		defer c.Close()
		require.NoError(t, c.Put(ctx, "k", envelope(t, "k", contracts.StatusCreated), 20*time.Millisecond))

		assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
	})
}

func TestMemoryCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Put(ctx, "k", envelope(t, "k", contracts.StatusExists), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Delete(ctx, "k"))

	_, ok, err := c.Get(ctx, "k", 0)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreError(t *testing.T) {
	err := &StoreError{Op: "put", Key: "order-1", Err: ErrClosed}

	assert.Equal(t, `cache put "order-1": cache: closed`, err.Error())
	assert.ErrorIs(t, err, ErrClosed)
}
