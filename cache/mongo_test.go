package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func TestMongoCache_UnreachableStore(t *testing.T) {
	// nothing listens on port 1; server selection keeps its 30s default so
	// the wait deadline is what ends every driver call
	client, err := mongo.Connect(options.Client().ApplyURI("mongodb://127.0.0.1:1/?directConnection=true"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	c := NewMongoCache(client, "relay_test", "correlations", WithPingTimeout(200*time.Millisecond))

	t.Run("a blocking get reports the outage", func(t *testing.T) {
		start := time.Now()
		env, ok, err := c.Get(context.Background(), "order-1", 300*time.Millisecond)

		var storeErr *StoreError
		require.ErrorAs(t, err, &storeErr)
		assert.Equal(t, "get", storeErr.Op)
		assert.Equal(t, "order-1", storeErr.Key)
		assert.False(t, ok)
		assert.Nil(t, env)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("caller cancellation wins over the outage", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, ok, err := c.Get(ctx, "order-2", 2*time.Second)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, ok)
	})
}
