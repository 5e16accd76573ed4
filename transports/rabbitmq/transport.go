package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/pkg/logattr"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultTopic is the topic Send publishes to unless WithDefaultTopic is given
const DefaultTopic = "mmate.requests"

// EnvelopeHandler processes one consumed envelope. Returning an error
// requeues the message.
type EnvelopeHandler = func(ctx context.Context, env *contracts.Envelope) error

// Transport publishes and consumes envelopes over RabbitMQ.
// A topic is an exchange; the key is both routing key and AMQP correlation id.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	cfg       *TransportConfig
	declared  sync.Map
	logger    *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	PoolSize          int
	DefaultTopic      string
	Partitions        int
	PublishRetries    int
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithDefaultTopic sets the topic used by Send
func WithDefaultTopic(topic string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DefaultTopic = topic
	}
}

// WithPartitions spreads each topic over n queues by consistent hashing of the key
func WithPartitions(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Partitions = n
	}
}

// WithPublishRetries lets the broker client retry a failed publish n times.
// Zero, the default, publishes once.
func WithPublishRetries(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublishRetries = n
	}
}

// WithPoolSize bounds the number of open channels
func WithPoolSize(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolSize = n
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger shared by the transport components
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

func newConfig(options []TransportOption) *TransportConfig {
	cfg := &TransportConfig{
		PoolSize:     10,
		DefaultTopic: DefaultTopic,
		Partitions:   1,
		Logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// NewTransport connects to the broker at url
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := newConfig(options)
	logger := cfg.Logger.With(logattr.Component("transport.rabbitmq"))

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, rabbitmq.WithMaxSize(cfg.PoolSize))
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := []rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}
	if cfg.PublishRetries > 0 {
		pubOpts = append(pubOpts, rabbitmq.WithRetryPolicy(
			reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, cfg.PublishRetries),
		))
	}
	pubOpts = append(pubOpts, cfg.PublisherOptions...)

	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(logger)}, cfg.ConsumerOptions...)

	return &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:  rabbitmq.NewConsumer(pool, consOpts...),
		topology:  rabbitmq.NewTopologyManager(pool),
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Send publishes env to the default topic
func (t *Transport) Send(ctx context.Context, key string, env *contracts.Envelope) error {
	return t.SendToTopic(ctx, t.cfg.DefaultTopic, key, env)
}

// SendToTopic publishes env to topic, declaring the topic topology on first use.
// The envelope is serialized before returning and never retained.
func (t *Transport) SendToTopic(ctx context.Context, topic, key string, env *contracts.Envelope) error {
	msg, err := newPublishing(key, env)
	if err != nil {
		return err
	}

	if err := t.ensureTopic(ctx, topic); err != nil {
		return err
	}

	if err := t.publisher.Publish(ctx, topic, key, msg); err != nil {
		return err
	}

	t.logger.Debug("envelope published",
		logattr.Topic(topic),
		logattr.CorrelationID(key),
		logattr.Kind(env.Kind),
	)
	return nil
}

// Consume delivers envelopes published to topic until ctx ends or Close is called.
// Messages that cannot be decoded are rejected without requeue.
func (t *Transport) Consume(ctx context.Context, topic string, handler EnvelopeHandler) error {
	if err := t.ensureTopic(ctx, topic); err != nil {
		return err
	}

	h := func(ctx context.Context, d amqp.Delivery) error {
		env, err := decodeDelivery(d)
		if err != nil {
			t.logger.Warn("dropping undecodable message",
				logattr.Topic(topic),
				"messageId", d.MessageId,
				logattr.Error(err),
			)
			return reliability.Permanent(err)
		}
		return handler(ctx, env)
	}

	for _, queue := range rabbitmq.TopicTopology(topic, t.cfg.Partitions).QueueNames() {
		if err := t.consumer.Subscribe(ctx, queue, h); err != nil {
			return err
		}
	}
	return nil
}

// QueueStats is a point-in-time view of one topic queue
type QueueStats struct {
	Name      string
	Messages  int
	Consumers int
}

// QueueStats reports depth and consumer count for every queue of topic
func (t *Transport) QueueStats(ctx context.Context, topic string) ([]QueueStats, error) {
	names := rabbitmq.TopicTopology(topic, t.cfg.Partitions).QueueNames()
	stats := make([]QueueStats, 0, len(names))

	for _, name := range names {
		q, err := t.topology.GetQueueInfo(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect queue %s: %w", name, err)
		}
		stats = append(stats, QueueStats{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers})
	}
	return stats, nil
}

// IsConnected reports whether the broker connection is up
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close stops consumers and closes the connection
func (t *Transport) Close() error {
	t.consumer.UnsubscribeAll()
	t.pool.Close()
	return t.manager.Close()
}

func (t *Transport) ensureTopic(ctx context.Context, topic string) error {
	if _, ok := t.declared.Load(topic); ok {
		return nil
	}
	if err := t.topology.DeclareTopology(ctx, rabbitmq.TopicTopology(topic, t.cfg.Partitions)); err != nil {
		return err
	}
	t.declared.Store(topic, struct{}{})
	return nil
}

func newPublishing(key string, env *contracts.Envelope) (amqp.Publishing, error) {
	body, err := contracts.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, err
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: key,
		MessageId:     uuid.New().String(),
		Type:          env.Kind,
		Timestamp:     ts,
		Body:          body,
	}, nil
}

func decodeDelivery(d amqp.Delivery) (*contracts.Envelope, error) {
	env, err := contracts.Unmarshal(d.Body)
	if err != nil {
		return nil, err
	}
	// the AMQP property is authoritative for routing
	if d.CorrelationId != "" {
		env.CorrelationID = d.CorrelationId
	}
	return env, nil
}
