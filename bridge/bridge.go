package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/pkg/logattr"
)

// Cache stores one envelope per correlation id
type Cache interface {
	// Put upserts env under key and resets its expiry to ttl
	Put(ctx context.Context, key string, env *contracts.Envelope, ttl time.Duration) error
	// Get returns the entry for key, waiting up to timeout for one to appear.
	// An absent entry is (nil, false, nil).
	Get(ctx context.Context, key string, timeout time.Duration) (*contracts.Envelope, bool, error)
	// Delete removes key unconditionally
	Delete(ctx context.Context, key string) error
}

// Publisher hands envelopes to the queue. Delivery is at least once and
// returning nil only means the broker accepted the message.
type Publisher interface {
	Send(ctx context.Context, key string, env *contracts.Envelope) error
	SendToTopic(ctx context.Context, topic, key string, env *contracts.Envelope) error
}

// Config holds the externally supplied durations
type Config struct {
	// DefaultTTL is how long a fire-and-forget entry lives in the cache
	DefaultTTL time.Duration
	// DefaultTimeout bounds SubmitAndWait when the caller passes no timeout
	DefaultTimeout time.Duration
}

// Validate reports whether both durations are positive
func (c Config) Validate() error {
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("%w: default ttl must be positive", ErrInvalidConfig)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("%w: default timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// RequestBridge submits envelopes and correlates their outcomes
type RequestBridge struct {
	publisher      Publisher
	cache          Cache
	cfg            Config
	topic          string
	circuitBreaker *reliability.CircuitBreaker
	logger         *slog.Logger
}

// Option configures the bridge
type Option func(*RequestBridge)

// WithCircuitBreaker rejects publishes while the broker is failing.
// It never retries.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(b *RequestBridge) {
		b.circuitBreaker = cb
	}
}

// WithTopic publishes with SendToTopic instead of Send
func WithTopic(topic string) Option {
	return func(b *RequestBridge) {
		b.topic = topic
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *RequestBridge) {
		b.logger = logger
	}
}

// NewRequestBridge creates a RequestBridge
func NewRequestBridge(publisher Publisher, cache Cache, cfg Config, opts ...Option) (*RequestBridge, error) {
	if publisher == nil {
		return nil, fmt.Errorf("%w: publisher cannot be nil", ErrInvalidConfig)
	}
	if cache == nil {
		return nil, fmt.Errorf("%w: cache cannot be nil", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &RequestBridge{
		publisher: publisher,
		cache:     cache,
		cfg:       cfg,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.logger = b.logger.With(logattr.Component("bridge"))
	return b, nil
}

// Submit publishes env and records it in the cache with status CREATED,
// returning without waiting for an outcome. The returned envelope is the
// copy that was published; env itself is not modified.
//
// The cache write follows the publish, so a consumer answering very fast
// can be overwritten by the CREATED entry.
func (b *RequestBridge) Submit(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	req, err := prepare(env)
	if err != nil {
		return nil, err
	}
	id := req.CorrelationID

	if err := b.send(ctx, req); err != nil {
		return nil, &RequestError{Op: "send", CorrelationID: id, Err: err}
	}

	if err := b.cache.Put(ctx, id, req, b.cfg.DefaultTTL); err != nil {
		return nil, &RequestError{Op: "put", CorrelationID: id, Err: err}
	}

	b.logger.Debug("request submitted", logattr.CorrelationID(id), logattr.Kind(req.Kind))
	return req, nil
}

// SubmitAndWait clears any previous outcome for env's id, publishes env and
// blocks until the consumer writes an outcome or timeout elapses. A missing
// outcome yields a TIMEOUT envelope, not an error. timeout <= 0 uses the
// configured default.
func (b *RequestBridge) SubmitAndWait(ctx context.Context, env *contracts.Envelope, timeout time.Duration) (*contracts.Envelope, error) {
	req, err := prepare(env)
	if err != nil {
		return nil, err
	}
	id := req.CorrelationID

	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}

	// a stale outcome from an earlier submission must not satisfy this wait
	if err := b.cache.Delete(ctx, id); err != nil {
		return nil, &RequestError{Op: "delete", CorrelationID: id, Err: err}
	}

	if err := b.send(ctx, req); err != nil {
		return nil, &RequestError{Op: "send", CorrelationID: id, Err: err}
	}

	start := time.Now()
	result, ok, err := b.cache.Get(ctx, id, timeout)
	if err != nil {
		return nil, &RequestError{Op: "wait", CorrelationID: id, Err: err}
	}

	if !ok {
		b.logger.Info("request timed out",
			logattr.CorrelationID(id),
			logattr.Kind(req.Kind),
			logattr.Duration(time.Since(start)),
		)
		return contracts.NewTimeoutEnvelope(id), nil
	}

	b.logger.Debug("request completed",
		logattr.CorrelationID(id),
		logattr.Status(result.Status.String()),
		logattr.Duration(time.Since(start)),
	)
	return result, nil
}

func (b *RequestBridge) send(ctx context.Context, env *contracts.Envelope) error {
	publish := func() error {
		if b.topic != "" {
			return b.publisher.SendToTopic(ctx, b.topic, env.CorrelationID, env)
		}
		return b.publisher.Send(ctx, env.CorrelationID, env)
	}

	if b.circuitBreaker == nil {
		return publish()
	}
	return b.circuitBreaker.Execute(ctx, publish)
}

// prepare copies env with status CREATED so the caller's value is never shared
func prepare(env *contracts.Envelope) (*contracts.Envelope, error) {
	if env == nil {
		return nil, ErrNilEnvelope
	}
	if env.CorrelationID == "" {
		return nil, ErrMissingCorrelationID
	}

	req := env.Clone()
	req.Status = contracts.StatusCreated
	req.ResponseData = nil
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	return req, nil
}
