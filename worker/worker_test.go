package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/cache"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	topic   string
	handler func(ctx context.Context, env *contracts.Envelope) error
	err     error
}

func (s *fakeSource) Consume(_ context.Context, topic string, handler func(ctx context.Context, env *contracts.Envelope) error) error {
	s.topic = topic
	s.handler = handler
	return s.err
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) Put(ctx context.Context, key string, env *contracts.Envelope, ttl time.Duration) error {
	return m.Called(ctx, key, env, ttl).Error(0)
}

type transferRequest struct {
	Amount int `json:"amount"`
}

func request(t *testing.T, id, kind string) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(id, kind, transferRequest{Amount: 10})
	require.NoError(t, err)
	return env
}

func newWorker(t *testing.T, handler Handler) (*Worker, *fakeSource, *cache.MemoryCache) {
	t.Helper()
	c := cache.NewMemoryCache(cache.WithJanitorInterval(0))
	t.Cleanup(func() { c.Close() })
	src := &fakeSource{}
	w, err := New(src, c, handler, Config{ResultTTL: time.Minute})
	require.NoError(t, err)
	return w, src, c
}

func TestNew(t *testing.T) {
	c := cache.NewMemoryCache(cache.WithJanitorInterval(0))
	defer c.Close()
	h := NewMux()

	_, err := New(nil, c, h, Config{ResultTTL: time.Minute})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(&fakeSource{}, c, h, Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(&fakeSource{}, c, h, Config{ResultTTL: time.Minute, WriteTimeout: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	w, err := New(&fakeSource{}, c, h, Config{ResultTTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, DefaultWriteTimeout, w.cfg.WriteTimeout)
}

func TestWorker_Start(t *testing.T) {
	t.Run("subscribes the processor", func(t *testing.T) {
		w, src, _ := newWorker(t, NewMux())

		require.NoError(t, w.Start(context.Background(), "payments"))

		assert.Equal(t, "payments", src.topic)
		assert.NotNil(t, src.handler)
	})

	t.Run("reports consume failures", func(t *testing.T) {
		w, src, _ := newWorker(t, NewMux())
		src.err = errors.New("queue missing")

		err := w.Start(context.Background(), "payments")
		assert.ErrorIs(t, err, src.err)
	})
}

func TestWorker_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("writes the handler outcome under the same id", func(t *testing.T) {
		w, _, c := newWorker(t, HandlerFunc(func(_ context.Context, env *contracts.Envelope) (Result, error) {
			var req transferRequest
			if err := env.DecodePayload(&req); err != nil {
				return Result{}, err
			}
			return Result{Status: contracts.StatusInsufficientBalance, Data: map[string]int{"requested": req.Amount}}, nil
		}))

		require.NoError(t, w.Process(ctx, request(t, "tx-1", "transfer")))

		out, ok, err := c.Get(ctx, "tx-1", 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusInsufficientBalance, out.Status)
		assert.Equal(t, "transfer", out.Kind)
		assert.JSONEq(t, `{"requested":10}`, string(out.ResponseData))
	})

	t.Run("plain success is written as CREATED", func(t *testing.T) {
		w, _, c := newWorker(t, HandlerFunc(func(context.Context, *contracts.Envelope) (Result, error) {
			return Result{Data: map[string]string{"id": "acc-1"}}, nil
		}))

		require.NoError(t, w.Process(ctx, request(t, "tx-2", "openAccount")))

		out, ok, _ := c.Get(ctx, "tx-2", 0)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusCreated, out.Status)
		assert.JSONEq(t, `{"id":"acc-1"}`, string(out.ResponseData))
	})

	t.Run("handler errors become ERROR results", func(t *testing.T) {
		w, _, c := newWorker(t, HandlerFunc(func(context.Context, *contracts.Envelope) (Result, error) {
			return Result{}, errors.New("ledger rejected transfer")
		}))

		require.NoError(t, w.Process(ctx, request(t, "tx-3", "transfer")))

		out, ok, _ := c.Get(ctx, "tx-3", 0)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusError, out.Status)
		assert.JSONEq(t, `{"message":"ledger rejected transfer"}`, string(out.ResponseData))
	})

	t.Run("panics become ERROR results", func(t *testing.T) {
		w, _, c := newWorker(t, HandlerFunc(func(context.Context, *contracts.Envelope) (Result, error) {
			panic("nil account")
		}))

		require.NoError(t, w.Process(ctx, request(t, "tx-4", "transfer")))

		out, _, _ := c.Get(ctx, "tx-4", 0)
		assert.Equal(t, contracts.StatusError, out.Status)
		assert.Contains(t, string(out.ResponseData), "nil account")
	})

	t.Run("unencodable data becomes an ERROR result", func(t *testing.T) {
		w, _, c := newWorker(t, HandlerFunc(func(context.Context, *contracts.Envelope) (Result, error) {
			return Result{Data: make(chan int)}, nil
		}))

		require.NoError(t, w.Process(ctx, request(t, "tx-5", "transfer")))

		out, _, _ := c.Get(ctx, "tx-5", 0)
		assert.Equal(t, contracts.StatusError, out.Status)
	})

	t.Run("a failed write is returned for redelivery", func(t *testing.T) {
		writer := &mockWriter{}
		cacheDown := errors.New("cache unavailable")
		writer.On("Put", mock.Anything, "tx-6", mock.Anything, time.Minute).Return(cacheDown)

		w, err := New(&fakeSource{}, writer, HandlerFunc(func(context.Context, *contracts.Envelope) (Result, error) {
			return Result{}, nil
		}), Config{ResultTTL: time.Minute})
		require.NoError(t, err)

		err = w.Process(ctx, request(t, "tx-6", "transfer"))
		assert.ErrorIs(t, err, cacheDown)
	})

	t.Run("shutdown leaves the request unanswered", func(t *testing.T) {
		writer := &mockWriter{}
		w, err := New(&fakeSource{}, writer, HandlerFunc(func(ctx context.Context, _ *contracts.Envelope) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}), Config{ResultTTL: time.Minute})
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err = w.Process(cctx, request(t, "tx-7", "transfer"))
		assert.ErrorIs(t, err, context.Canceled)
		writer.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("an overrun deadline is answered with ERROR", func(t *testing.T) {
		w, _, c := newWorker(t, HandlerFunc(func(ctx context.Context, _ *contracts.Envelope) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}))

		for i := 0; i < 3; i++ {
			dctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			err := w.Process(dctx, request(t, "tx-slow", "transfer"))
			cancel()
			require.NoError(t, err, "delivery %d", i)
		}

		out, ok, err := c.Get(ctx, "tx-slow", 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusError, out.Status)
		assert.Contains(t, string(out.ResponseData), "deadline")
	})

	t.Run("a late success is still written", func(t *testing.T) {
		w, _, c := newWorker(t, HandlerFunc(func(context.Context, *contracts.Envelope) (Result, error) {
			time.Sleep(40 * time.Millisecond)
			return Result{Status: contracts.StatusExists}, nil
		}))

		dctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		require.NoError(t, w.Process(dctx, request(t, "tx-late", "transfer")))

		out, ok, err := c.Get(ctx, "tx-late", 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusExists, out.Status)
	})

	t.Run("a stopped subscription leaves the request for redelivery", func(t *testing.T) {
		writer := &mockWriter{}
		src := &fakeSource{}
		w, err := New(src, writer, HandlerFunc(func(ctx context.Context, _ *contracts.Envelope) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}), Config{ResultTTL: time.Minute})
		require.NoError(t, err)

		runCtx, stop := context.WithCancel(ctx)
		require.NoError(t, w.Start(runCtx, "payments"))
		stop()

		// the message budget has not run out, the subscription has
		msgCtx, cancel := context.WithTimeout(runCtx, time.Minute)
		defer cancel()

		err = src.handler(msgCtx, request(t, "tx-9", "transfer"))
		assert.ErrorIs(t, err, context.Canceled)
		writer.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("wakes a waiting caller", func(t *testing.T) {
		w, src, c := newWorker(t, HandlerFunc(func(context.Context, *contracts.Envelope) (Result, error) {
			return Result{Status: contracts.StatusExists}, nil
		}))
		require.NoError(t, w.Start(ctx, "payments"))

		go func() {
			time.Sleep(50 * time.Millisecond)
			src.handler(ctx, request(t, "tx-8", "transfer"))
		}()

		out, ok, err := c.Get(ctx, "tx-8", 2*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusExists, out.Status)
	})
}

func TestMux(t *testing.T) {
	ctx := context.Background()
	mux := NewMux()

	require.NoError(t, mux.RegisterFunc("transfer", func(context.Context, *contracts.Envelope) (Result, error) {
		return Result{Status: contracts.StatusExists}, nil
	}))

	t.Run("dispatches by kind", func(t *testing.T) {
		res, err := mux.Handle(ctx, request(t, "tx-1", "transfer"))
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusExists, res.Status)
	})

	t.Run("unknown kinds fail", func(t *testing.T) {
		_, err := mux.Handle(ctx, request(t, "tx-1", "refund"))
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("rejects invalid registrations", func(t *testing.T) {
		assert.Error(t, mux.Register("", HandlerFunc(nil)))
		assert.Error(t, mux.Register("refund", nil))
		assert.Error(t, mux.RegisterFunc("transfer", func(context.Context, *contracts.Envelope) (Result, error) {
			return Result{}, nil
		}))
		assert.Error(t, mux.RegisterMethod("", "transfer", HandlerFunc(nil)))
		assert.Equal(t, 1, mux.Kinds())
	})

	t.Run("method handlers win over the kind handler", func(t *testing.T) {
		m := NewMux()
		require.NoError(t, m.RegisterFunc("element", func(context.Context, *contracts.Envelope) (Result, error) {
			return Result{Status: contracts.StatusCreated}, nil
		}))
		require.NoError(t, m.RegisterMethod("GET", "element", HandlerFunc(func(context.Context, *contracts.Envelope) (Result, error) {
			return Result{Status: contracts.StatusNotFound}, nil
		})))
		assert.Error(t, m.RegisterMethod("GET", "element", HandlerFunc(func(context.Context, *contracts.Envelope) (Result, error) {
			return Result{}, nil
		})))

		get := request(t, "el-1", "element")
		get.Method = "GET"
		res, err := m.Handle(ctx, get)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusNotFound, res.Status)

		put := request(t, "el-1", "element")
		put.Method = "PUT"
		res, err = m.Handle(ctx, put)
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusCreated, res.Status)
	})
}
