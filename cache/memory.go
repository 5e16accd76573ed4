package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

type memoryEntry struct {
	env       *contracts.Envelope
	expiresAt time.Time
}

// waiter is closed on the next Put for its key
type waiter struct {
	ch chan struct{}
	n  int
}

// MemoryCache is an in-process correlation cache
type MemoryCache struct {
	mu              sync.Mutex
	entries         map[string]memoryEntry
	waiters         map[string]*waiter
	now             func() time.Time
	janitorInterval time.Duration
	logger          *slog.Logger
	done            chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

// MemoryOption configures a MemoryCache
type MemoryOption func(*MemoryCache)

// WithJanitorInterval sets how often expired entries are evicted. Zero disables the janitor.
func WithJanitorInterval(d time.Duration) MemoryOption {
	return func(c *MemoryCache) {
		c.janitorInterval = d
	}
}

// WithClock replaces time.Now for expiry decisions
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(c *MemoryCache) {
		c.logger = logger
	}
}

// NewMemoryCache creates a MemoryCache and starts its janitor
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		entries:         make(map[string]memoryEntry),
		waiters:         make(map[string]*waiter),
		now:             time.Now,
		janitorInterval: time.Minute,
		logger:          slog.Default(),
		done:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.janitorInterval > 0 {
		c.wg.Add(1)
		go c.janitor()
	}

	return c
}

// Put stores a copy of env under key for ttl and wakes every waiter on key
func (c *MemoryCache) Put(ctx context.Context, key string, env *contracts.Envelope, ttl time.Duration) error {
	if err := c.validate("put", key); err != nil {
		return err
	}
	if env == nil {
		return &StoreError{Op: "put", Key: key, Err: ErrNilEnvelope}
	}
	if ttl <= 0 {
		return &StoreError{Op: "put", Key: key, Err: ErrInvalidTTL}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{env: env.Clone(), expiresAt: c.now().Add(ttl)}
	if w, ok := c.waiters[key]; ok {
		close(w.ch)
		delete(c.waiters, key)
	}

	return nil
}

// Get returns the live entry for key, waiting up to timeout for one to be written
func (c *MemoryCache) Get(ctx context.Context, key string, timeout time.Duration) (*contracts.Envelope, bool, error) {
	if err := c.validate("get", key); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	if env, ok := c.lookup(key); ok {
		c.mu.Unlock()
		return env, true, nil
	}
	if timeout <= 0 {
		c.mu.Unlock()
		return nil, false, nil
	}
	w := c.subscribe(key)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-w.ch:
			c.mu.Lock()
			if env, ok := c.lookup(key); ok {
				c.mu.Unlock()
				return env, true, nil
			}
			// deleted again before we looked
			w = c.subscribe(key)
			c.mu.Unlock()

		case <-timer.C:
			c.unsubscribe(key, w)
			return nil, false, nil

		case <-ctx.Done():
			c.unsubscribe(key, w)
			return nil, false, ctx.Err()

		case <-c.done:
			return nil, false, &StoreError{Op: "get", Key: key, Err: ErrClosed}
		}
	}
}

// Delete removes key. Removing an absent key is not an error.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	if err := c.validate("delete", key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	return nil
}

// Len returns the number of stored entries, expired or not
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Ping reports whether the cache is open
func (c *MemoryCache) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
		return ctx.Err()
	}
}

// Close stops the janitor and fails pending and future calls
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

func (c *MemoryCache) validate(op, key string) error {
	if key == "" {
		return &StoreError{Op: op, Key: key, Err: ErrEmptyKey}
	}
	select {
	case <-c.done:
		return &StoreError{Op: op, Key: key, Err: ErrClosed}
	default:
		return nil
	}
}

// lookup must be called with c.mu held
func (c *MemoryCache) lookup(key string) (*contracts.Envelope, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.env.Clone(), true
}

// subscribe must be called with c.mu held
func (c *MemoryCache) subscribe(key string) *waiter {
	w, ok := c.waiters[key]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		c.waiters[key] = w
	}
	w.n++
	return w
}

func (c *MemoryCache) unsubscribe(key string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w.n--
	if w.n <= 0 && c.waiters[key] == w {
		delete(c.waiters, key)
	}
}

func (c *MemoryCache) janitor() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.evictExpired(); n > 0 {
				c.logger.Debug("evicted expired entries", "count", n)
			}
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}
