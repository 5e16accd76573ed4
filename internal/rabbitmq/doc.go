// Package rabbitmq wraps amqp091-go for the relay's broker transport.
//
// This package includes:
//   - ConnectionManager: one connection, redialed with exponential backoff when it drops
//   - ChannelPool: a bounded pool of channels opened on demand
//   - Publisher: publishing with broker confirms and an optional retry policy
//   - Consumer: manual acknowledgement, requeue on failure, reject on permanent failure
//   - TopologyManager: exchanges, queues and bindings, including per-topic layouts
package rabbitmq
