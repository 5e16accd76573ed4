package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/pkg/logattr"
)

// Interceptor wraps handler execution for one envelope
type Interceptor interface {
	// Intercept processes env and usually calls next
	Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (Result, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next Handler) (Result, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next Handler) (Result, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (Result, error) {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors; the first one runs outermost
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends an interceptor
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Then returns final wrapped by the chain
func (c *Chain) Then(final Handler) Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (Result, error) {
			return interceptor.Intercept(ctx, env, next)
		})
	}
	return handler
}

// LoggingInterceptor logs handler outcomes
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (Result, error) {
	start := time.Now()

	res, err := next.Handle(ctx, env)
	if err != nil {
		i.logger.Error("request handling failed",
			logattr.CorrelationID(env.CorrelationID),
			logattr.Kind(env.Kind),
			logattr.Duration(time.Since(start)),
			logattr.Error(err),
		)
		return res, err
	}

	i.logger.Info("request handled",
		logattr.CorrelationID(env.CorrelationID),
		logattr.Kind(env.Kind),
		logattr.Status(string(res.Status)),
		logattr.Duration(time.Since(start)),
	)
	return res, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds handler execution. A handler that overruns is
// reported as an error, so the caller gets ERROR instead of waiting out its
// own deadline.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (Result, error) {
	handlerCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	res, err := next.Handle(handlerCtx, env)
	if err != nil && handlerCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return Result{}, fmt.Errorf("handler exceeded %s", i.timeout)
	}
	return res, err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// ShortCircuitEvaluator decides whether an envelope can be answered
// without running the handler, for example a duplicate that already
// completed
type ShortCircuitEvaluator interface {
	Evaluate(ctx context.Context, env *contracts.Envelope) (Result, bool, error)
}

// ShortCircuitEvaluatorFunc is a function adapter for ShortCircuitEvaluator
type ShortCircuitEvaluatorFunc func(ctx context.Context, env *contracts.Envelope) (Result, bool, error)

// Evaluate implements ShortCircuitEvaluator
func (f ShortCircuitEvaluatorFunc) Evaluate(ctx context.Context, env *contracts.Envelope) (Result, bool, error) {
	return f(ctx, env)
}

// ShortCircuitInterceptor answers from its evaluator when it can
type ShortCircuitInterceptor struct {
	evaluator ShortCircuitEvaluator
}

// NewShortCircuitInterceptor creates a new short-circuit interceptor
func NewShortCircuitInterceptor(evaluator ShortCircuitEvaluator) *ShortCircuitInterceptor {
	return &ShortCircuitInterceptor{evaluator: evaluator}
}

// Intercept implements Interceptor
func (i *ShortCircuitInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (Result, error) {
	res, done, err := i.evaluator.Evaluate(ctx, env)
	if err != nil {
		return Result{}, err
	}
	if done {
		return res, nil
	}
	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ShortCircuitInterceptor) Name() string {
	return "ShortCircuitInterceptor"
}

// KindFilter answers NOT_FOUND for kinds outside the allowed set
type KindFilter struct {
	allowed map[string]struct{}
}

// NewKindFilter creates a filter admitting only kinds
func NewKindFilter(kinds ...string) *KindFilter {
	allowed := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		allowed[k] = struct{}{}
	}
	return &KindFilter{allowed: allowed}
}

// Intercept implements Interceptor
func (f *KindFilter) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (Result, error) {
	if _, ok := f.allowed[env.Kind]; !ok {
		return Result{
			Status: contracts.StatusNotFound,
			Data:   map[string]string{"message": fmt.Sprintf("unsupported kind %q", env.Kind)},
		}, nil
	}
	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (f *KindFilter) Name() string {
	return "KindFilter"
}

// CircuitBreakerInterceptor stops calling a failing downstream dependency
// of the handler until the breaker lets a probe through
type CircuitBreakerInterceptor struct {
	cb *reliability.CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(cb *reliability.CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{cb: cb}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (Result, error) {
	var res Result
	err := i.cb.Execute(ctx, func() error {
		var err error
		res, err = next.Handle(ctx, env)
		return err
	})
	return res, err
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
