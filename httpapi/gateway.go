// Package httpapi exposes the request bridge over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/mmate-relay/bridge"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/pkg/logattr"
)

const (
	// HeaderCorrelationID carries a caller supplied correlation id
	HeaderCorrelationID = "X-Correlation-ID"
	// HeaderWaitTimeout overrides the wait with a Go duration string
	HeaderWaitTimeout = "X-Wait-Timeout"

	// DefaultMaxWait caps the wait a client may ask for
	DefaultMaxWait = 2 * time.Minute

	defaultMaxBodyBytes = 1 << 20
)

// Submitter is the part of bridge.RequestBridge the gateway drives
type Submitter interface {
	Submit(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error)
	SubmitAndWait(ctx context.Context, env *contracts.Envelope, timeout time.Duration) (*contracts.Envelope, error)
}

// ErrorBody is written for failures that are not envelope outcomes
type ErrorBody struct {
	Error     bool   `json:"error"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// Gateway serves the request routes:
//
//	POST   /v1/{kind}        submit and wait
//	PUT    /v1/{kind}        submit and wait
//	DELETE /v1/{kind}        submit and wait
//	GET    /v1/{kind}/{id}   wait for the answer correlated by id
//	POST   /v1/{kind}/async  submit only
//
// The request method travels to consumers in Envelope.Method.
type Gateway struct {
	submitter    Submitter
	health       http.Handler
	slots        chan struct{}
	maxBodyBytes int64
	maxWait      time.Duration
	logger       *slog.Logger
	mux          *http.ServeMux
}

// GatewayOption configures a Gateway
type GatewayOption func(*Gateway)

// WithMaxInFlight bounds the number of concurrently handled submissions
func WithMaxInFlight(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.slots = make(chan struct{}, n)
		}
	}
}

// WithHealthHandler mounts h on GET /healthz
func WithHealthHandler(h http.Handler) GatewayOption {
	return func(g *Gateway) {
		g.health = h
	}
}

// WithMaxBodyBytes limits request bodies
func WithMaxBodyBytes(n int64) GatewayOption {
	return func(g *Gateway) {
		g.maxBodyBytes = n
	}
}

// WithMaxWait caps the X-Wait-Timeout a client may request. Longer values
// are clamped.
func WithMaxWait(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.maxWait = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// NewGateway creates a gateway over submitter
func NewGateway(submitter Submitter, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		submitter:    submitter,
		maxBodyBytes: defaultMaxBodyBytes,
		maxWait:      DefaultMaxWait,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(logattr.Component("httpapi"))

	g.mux = http.NewServeMux()
	g.mux.HandleFunc("POST /v1/{kind}", g.handleWait)
	g.mux.HandleFunc("PUT /v1/{kind}", g.handleWait)
	g.mux.HandleFunc("DELETE /v1/{kind}", g.handleWait)
	g.mux.HandleFunc("GET /v1/{kind}/{id}", g.handleGet)
	g.mux.HandleFunc("POST /v1/{kind}/async", g.handleAsync)
	if g.health != nil {
		g.mux.Handle("GET /healthz", g.health)
	}

	return g
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) handleWait(w http.ResponseWriter, r *http.Request) {
	release, ok := g.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	env, ok := g.readEnvelope(w, r)
	if !ok {
		return
	}
	g.wait(w, r, env)
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	release, ok := g.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	id := r.PathValue("id")
	payload, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// the element id doubles as the correlation id
	corrID := r.Header.Get(HeaderCorrelationID)
	if corrID == "" {
		corrID = id
	}
	g.wait(w, r, newEnvelope(corrID, r, payload))
}

func (g *Gateway) wait(w http.ResponseWriter, r *http.Request, env *contracts.Envelope) {
	timeout, err := g.waitTimeout(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.submitter.SubmitAndWait(r.Context(), env, timeout)
	if err != nil {
		g.fail(w, r, env, err)
		return
	}

	code := StatusCode(result.Status)
	if code == http.StatusOK && len(result.ResponseData) > 0 {
		writeRaw(w, code, result.ResponseData)
		return
	}
	writeJSON(w, code, result.ToResponse())
}

func (g *Gateway) handleAsync(w http.ResponseWriter, r *http.Request) {
	release, ok := g.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	env, ok := g.readEnvelope(w, r)
	if !ok {
		return
	}

	accepted, err := g.submitter.Submit(r.Context(), env)
	if err != nil {
		g.fail(w, r, env, err)
		return
	}

	writeJSON(w, http.StatusAccepted, accepted.ToResponse())
}

// acquire blocks until a slot frees or the request ends
func (g *Gateway) acquire(w http.ResponseWriter, r *http.Request) (func(), bool) {
	if g.slots == nil {
		return func() {}, true
	}

	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, true
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "too many in-flight requests")
		return nil, false
	}
}

func (g *Gateway) readEnvelope(w http.ResponseWriter, r *http.Request) (*contracts.Envelope, bool) {
	kind := r.PathValue("kind")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "required request body is missing")
		return nil, false
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "request body contains invalid or unexpected data")
		return nil, false
	}

	id := r.Header.Get(HeaderCorrelationID)
	if id == "" {
		// POST keeps the bare kind so ids stay stable for existing callers
		key := kind
		if r.Method != http.MethodPost {
			key = r.Method + " " + kind
		}
		id = contracts.DeriveCorrelationID(key, body)
	}

	return newEnvelope(id, r, body), true
}

func newEnvelope(id string, r *http.Request, payload []byte) *contracts.Envelope {
	return &contracts.Envelope{
		CorrelationID: id,
		Kind:          r.PathValue("kind"),
		Method:        r.Method,
		Payload:       json.RawMessage(payload),
		Status:        contracts.StatusCreated,
		Timestamp:     time.Now().UTC(),
	}
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, env *contracts.Envelope, err error) {
	if errors.Is(err, bridge.ErrMissingCorrelationID) || errors.Is(err, bridge.ErrNilEnvelope) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// the client went away; nobody reads the answer
	if r.Context().Err() != nil {
		g.logger.Debug("request abandoned by client",
			logattr.CorrelationID(env.CorrelationID),
			logattr.Error(err))
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}

	g.logger.Error("request failed",
		logattr.CorrelationID(env.CorrelationID),
		logattr.Kind(env.Kind),
		logattr.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (g *Gateway) waitTimeout(r *http.Request) (time.Duration, error) {
	raw := r.Header.Get(HeaderWaitTimeout)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.New("invalid " + HeaderWaitTimeout + " header")
	}
	return min(d, g.maxWait), nil
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorBody{
		Error:     true,
		Timestamp: time.Now().UnixMilli(),
		Message:   message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
