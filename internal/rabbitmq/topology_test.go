package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicTopology(t *testing.T) {
	t.Run("single queue fanout", func(t *testing.T) {
		topology := TopicTopology("mmate.requests", 1)

		require.Len(t, topology.Exchanges, 1)
		assert.Equal(t, ExchangeFanout, topology.Exchanges[0].Type)
		assert.True(t, topology.Exchanges[0].Durable)

		assert.Equal(t, []string{"mmate.requests"}, topology.QueueNames())
		assert.Equal(t, amqp.Table{"x-single-active-consumer": true}, topology.Queues[0].Arguments)

		require.Len(t, topology.Bindings, 1)
		assert.Equal(t, Binding{Queue: "mmate.requests", Exchange: "mmate.requests"}, topology.Bindings[0])
	})

	t.Run("zero partitions behaves like one", func(t *testing.T) {
		assert.Equal(t, TopicTopology("orders", 1), TopicTopology("orders", 0))
	})

	t.Run("partitioned consistent hash", func(t *testing.T) {
		topology := TopicTopology("orders", 3)

		require.Len(t, topology.Exchanges, 1)
		assert.Equal(t, ExchangeConsistentHash, topology.Exchanges[0].Type)
		assert.Equal(t, []string{"orders.0", "orders.1", "orders.2"}, topology.QueueNames())

		for i, b := range topology.Bindings {
			assert.Equal(t, "orders", b.Exchange)
			assert.Equal(t, topology.Queues[i].Name, b.Queue)
			assert.Equal(t, "1", b.RoutingKey)
		}
	})
}

func TestTopologyError(t *testing.T) {
	err := &TopologyError{Component: "queue", Name: "orders", Op: "declare", Err: ErrConnectionClosed}

	assert.Equal(t, "rabbitmq topology error: failed to declare queue 'orders': rabbitmq: connection is closed", err.Error())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
