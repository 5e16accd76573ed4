//go:build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/testinfra"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var mongoClient *mongo.Client

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	uri, stop, err := testinfra.StartMongoDB(ctx)
	cancel()
	if err != nil {
		panic(err)
	}

	mongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		panic(err)
	}

	code := m.Run()

	mongoClient.Disconnect(context.Background())
	if err := stop(); err != nil {
		panic(err)
	}
	os.Exit(code)
}

func newMongoCache(t *testing.T, opts ...MongoOption) *MongoCache {
	t.Helper()
	c := NewMongoCache(mongoClient, "relay_test", "correlations_"+uuid.NewString(), opts...)
	require.NoError(t, c.EnsureIndexes(context.Background()))
	return c
}

func TestMongoCache(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newMongoCache(t).Ping(ctx))
	})

	t.Run("put then get", func(t *testing.T) {
		c := newMongoCache(t)
		env := envelope(t, "order-1", contracts.StatusExists)
		require.NoError(t, c.Put(ctx, "order-1", env, time.Minute))

		got, ok, err := c.Get(ctx, "order-1", time.Second)

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusExists, got.Status)
		assert.JSONEq(t, string(env.Payload), string(got.Payload))
	})

	t.Run("blocking get wakes on a later write", func(t *testing.T) {
		c := newMongoCache(t)

		go func() {
			time.Sleep(300 * time.Millisecond)
			c.Put(ctx, "order-2", envelope(t, "order-2", contracts.StatusNotFound), time.Minute)
		}()

		got, ok, err := c.Get(ctx, "order-2", 10*time.Second)

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusNotFound, got.Status)
	})

	t.Run("absent after timeout", func(t *testing.T) {
		c := newMongoCache(t)

		got, ok, err := c.Get(ctx, "never", 300*time.Millisecond)

		assert.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)
	})

	t.Run("expired entries are absent before the TTL monitor runs", func(t *testing.T) {
		now := time.Now()
		clock := func() time.Time { return now }
		c := newMongoCache(t, WithMongoClock(clock))
		require.NoError(t, c.Put(ctx, "order-3", envelope(t, "order-3", contracts.StatusCreated), time.Second))

		now = now.Add(2 * time.Second)
		_, ok, err := c.Get(ctx, "order-3", 0)

		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		c := newMongoCache(t)
		require.NoError(t, c.Put(ctx, "order-4", envelope(t, "order-4", contracts.StatusCreated), time.Minute))
		require.NoError(t, c.Delete(ctx, "order-4"))
		require.NoError(t, c.Delete(ctx, "order-4"))

		_, ok, err := c.Get(ctx, "order-4", 0)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("caller cancellation", func(t *testing.T) {
		c := newMongoCache(t)
		cctx, ccancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer ccancel()

		_, ok, err := c.Get(cctx, "order-5", 10*time.Second)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, ok)
	})
}

func TestMongoCache_StoreLostDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	uri, stop, err := testinfra.StartMongoDB(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	c := NewMongoCache(client, "relay_test", "correlations_"+uuid.NewString(), WithPingTimeout(time.Second))
	require.NoError(t, c.EnsureIndexes(ctx))

	stopErr := make(chan error, 1)
	go func() {
		time.Sleep(500 * time.Millisecond)
		stopErr <- stop()
	}()

	got, ok, err := c.Get(ctx, "order-lost", 5*time.Second)
	require.NoError(t, <-stopErr)

	var storeErr *StoreError
	assert.ErrorAs(t, err, &storeErr)
	assert.False(t, ok)
	assert.Nil(t, got)
}
