package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/pkg/logattr"
)

var (
	ErrUnknownKind   = errors.New("worker: no handler for kind")
	ErrInvalidConfig = errors.New("worker: invalid configuration")
)

// Source delivers envelopes published to a topic. A handler error must
// leave the message for redelivery.
type Source interface {
	Consume(ctx context.Context, topic string, handler func(ctx context.Context, env *contracts.Envelope) error) error
}

// ResultWriter stores result envelopes by correlation id
type ResultWriter interface {
	Put(ctx context.Context, key string, env *contracts.Envelope, ttl time.Duration) error
}

// DefaultWriteTimeout bounds the result write when Config.WriteTimeout is unset
const DefaultWriteTimeout = 5 * time.Second

// Config holds worker settings
type Config struct {
	// ResultTTL is how long a written result stays visible
	ResultTTL    time.Duration
	// WriteTimeout bounds the result write, which runs detached from the
	// message deadline so a late answer is still recorded
	WriteTimeout time.Duration
}

// Worker consumes requests and writes their results
type Worker struct {
	source  Source
	results ResultWriter
	handler Handler
	cfg     Config
	logger  *slog.Logger
}

// Option configures a Worker
type Option func(*Worker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// New creates a Worker
func New(source Source, results ResultWriter, handler Handler, cfg Config, opts ...Option) (*Worker, error) {
	if source == nil || results == nil || handler == nil {
		return nil, fmt.Errorf("%w: source, results and handler are required", ErrInvalidConfig)
	}
	if cfg.ResultTTL <= 0 {
		return nil, fmt.Errorf("%w: result ttl must be positive", ErrInvalidConfig)
	}
	if cfg.WriteTimeout < 0 {
		return nil, fmt.Errorf("%w: write timeout must not be negative", ErrInvalidConfig)
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	w := &Worker{
		source:  source,
		results: results,
		handler: handler,
		cfg:     cfg,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(w)
	}

	w.logger = w.logger.With(logattr.Component("worker"))
	return w, nil
}

// Start subscribes to topic. Envelopes are processed until ctx ends, and
// requests interrupted by ctx ending are left for redelivery.
func (w *Worker) Start(ctx context.Context, topic string) error {
	process := func(msgCtx context.Context, env *contracts.Envelope) error {
		return w.process(ctx, msgCtx, env)
	}
	if err := w.source.Consume(ctx, topic, process); err != nil {
		return fmt.Errorf("failed to consume %s: %w", topic, err)
	}
	w.logger.Info("worker started", logattr.Topic(topic))
	return nil
}

// Process runs the handler for env and writes one result under its id.
// The returned error is non-nil when the result could not be written or ctx
// was cancelled mid handling, so the source redelivers the request. A ctx
// deadline is the per message budget: overrunning it is answered with ERROR.
func (w *Worker) Process(ctx context.Context, env *contracts.Envelope) error {
	return w.process(context.Background(), ctx, env)
}

func (w *Worker) process(runCtx, ctx context.Context, env *contracts.Envelope) error {
	start := time.Now()
	id := env.CorrelationID

	res, err := w.handle(ctx, env)
	if err != nil && stopping(runCtx, ctx) {
		// leave the request for another worker
		return ctx.Err()
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("handler exceeded its deadline: %w", err)
	}

	out := w.result(env, res, err)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	defer cancel()
	if putErr := w.results.Put(writeCtx, id, out, w.cfg.ResultTTL); putErr != nil {
		w.logger.Error("failed to write result",
			logattr.CorrelationID(id),
			logattr.Error(putErr),
		)
		return fmt.Errorf("failed to write result for %s: %w", id, putErr)
	}

	w.logger.Debug("request processed",
		logattr.CorrelationID(id),
		logattr.Kind(env.Kind),
		logattr.Status(out.Status.String()),
		logattr.Duration(time.Since(start)),
	)
	return nil
}

// stopping reports a shutdown: the subscription ended or the message was
// cancelled rather than timed out
func stopping(runCtx, msgCtx context.Context) bool {
	return runCtx.Err() != nil || errors.Is(msgCtx.Err(), context.Canceled)
}

func (w *Worker) handle(ctx context.Context, env *contracts.Envelope) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, env)
}

func (w *Worker) result(env *contracts.Envelope, res Result, err error) *contracts.Envelope {
	if err == nil {
		status := res.Status
		if status == "" {
			status = contracts.StatusCreated
		}
		out, encErr := env.WithResult(status, res.Data)
		if encErr == nil {
			return out
		}
		err = encErr
	}

	w.logger.Warn("request failed",
		logattr.CorrelationID(env.CorrelationID),
		logattr.Kind(env.Kind),
		logattr.Error(err),
	)
	out, encErr := env.WithResult(contracts.StatusError, map[string]string{"message": err.Error()})
	if encErr != nil {
		// a map of strings always encodes; keep the ERROR status regardless
		out = env.Clone()
		out.Status = contracts.StatusError
		out.ResponseData = nil
	}
	return out
}
