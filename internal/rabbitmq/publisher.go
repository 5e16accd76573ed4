package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages with publisher confirms
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	mandatory      bool
	retry          reliability.RetryPolicy
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for the broker ack
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithRetryPolicy retries failed publishes. The default never retries.
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retry = policy
	}
}

// WithMandatory makes unroutable messages fail with ErrMessageReturned
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		retry:          reliability.NoRetry,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and waits for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := reliability.Retry(ctx, "publish", p.retry, func() error {
		return p.publishWithConfirm(ctx, exchange, routingKey, msg)
	})
	if err != nil {
		p.logger.Debug("publish failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"error", err,
		)
	}
	return err
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return p.publishError(exchange, routingKey, err)
	}

	if err := p.enableConfirms(ch); err != nil {
		p.pool.Discard(ch)
		return p.publishError(exchange, routingKey, err)
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, msg); err != nil {
		p.pool.Discard(ch)
		return p.publishError(exchange, routingKey, err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	// the broker sends basic.return before the matching ack
	returned := false
	for {
		select {
		case <-ch.returnCh:
			returned = true

		case confirm, ok := <-ch.confirmCh:
			if !ok {
				p.pool.Discard(ch)
				return p.publishError(exchange, routingKey, ErrConnectionClosed)
			}
			p.pool.Put(ch)
			if !confirm.Ack {
				return p.publishError(exchange, routingKey, ErrPublishNotConfirmed)
			}
			if returned {
				return p.publishError(exchange, routingKey, reliability.Permanent(ErrMessageReturned))
			}
			return nil

		case <-timer.C:
			// a late confirm would be read by the next publish on this channel
			p.pool.Discard(ch)
			return p.publishError(exchange, routingKey, ErrPublishTimeout)

		case <-ctx.Done():
			p.pool.Discard(ch)
			return p.publishError(exchange, routingKey, ctx.Err())
		}
	}
}

// enableConfirms puts ch into confirm mode once and registers its listeners
func (p *Publisher) enableConfirms(ch *PooledChannel) error {
	if ch.confirms {
		return nil
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}
	ch.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	ch.returnCh = ch.NotifyReturn(make(chan amqp.Return, 1))
	ch.confirms = true
	return nil
}

func (p *Publisher) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
