package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
)

// Result is a handler's outcome. An empty Status is written as CREATED,
// which callers see as plain success.
type Result struct {
	Status contracts.Status
	Data   interface{}
}

// Handler processes one request envelope
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) (Result, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) (Result, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) (Result, error) {
	return f(ctx, env)
}

// Mux dispatches envelopes to handlers registered by kind, or by request
// method and kind. A method specific handler wins over the kind handler.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMux creates an empty Mux
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Register registers handler for kind
func (m *Mux) Register(kind string, handler Handler) error {
	return m.register("", kind, handler)
}

// RegisterMethod registers handler for kind requests made with method,
// such as GET or DELETE
func (m *Mux) RegisterMethod(method, kind string, handler Handler) error {
	if method == "" {
		return fmt.Errorf("method cannot be empty")
	}
	return m.register(method, kind, handler)
}

func (m *Mux) register(method, kind string, handler Handler) error {
	if kind == "" {
		return fmt.Errorf("kind cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	key := routeKey(method, kind)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[key]; exists {
		return fmt.Errorf("handler already registered for kind: %s", key)
	}
	m.handlers[key] = handler
	return nil
}

// RegisterFunc registers a function for kind
func (m *Mux) RegisterFunc(kind string, fn func(ctx context.Context, env *contracts.Envelope) (Result, error)) error {
	return m.Register(kind, HandlerFunc(fn))
}

// Kinds returns the number of registered kinds
func (m *Mux) Kinds() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers)
}

// Handle implements Handler. Unregistered kinds fail with ErrUnknownKind.
func (m *Mux) Handle(ctx context.Context, env *contracts.Envelope) (Result, error) {
	m.mu.RLock()
	h, ok := m.handlers[routeKey(env.Method, env.Kind)]
	if !ok {
		h, ok = m.handlers[env.Kind]
	}
	m.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return h.Handle(ctx, env)
}

func routeKey(method, kind string) string {
	if method == "" {
		return kind
	}
	return method + " " + kind
}
