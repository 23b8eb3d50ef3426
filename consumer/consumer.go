// Package consumer implements a dedicated per-subscription engine:
// one channel per destination, prefetch, handler dispatch, best-effort
// ack/nack forwarding, and idempotent resubscribe after reconnect.
package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	atomicext "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/sentinelmq/amqpflow/config"
	"github.com/sentinelmq/amqpflow/flowerrors"
	"github.com/sentinelmq/amqpflow/internal/acktracker"
	"github.com/sentinelmq/amqpflow/metrics"
	"github.com/sentinelmq/amqpflow/supervisor"
	"github.com/sentinelmq/amqpflow/transport"
)

// Consumer subscribes to one destination through a dedicated channel.
type Consumer struct {
	sup         *supervisor.Supervisor
	destination string
	prefetch    int
	cfg         *config.Config
	logger      *zap.Logger

	tracker *acktracker.Tracker

	mu          sync.Mutex
	noAck       bool
	handler     func(transport.Delivery)
	channel     transport.Channel
	consumerTag string

	closed atomicext.Bool
}

// New creates a Consumer bound to destination. Register it with the
// Supervisor's reconnect fan-out by calling Subscribe, which is the
// event that makes a Consumer resubscribe-eligible.
func New(sup *supervisor.Supervisor, destination string, prefetch int, cfg *config.Config, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		sup:         sup,
		destination: destination,
		prefetch:    prefetch,
		cfg:         cfg,
		logger:      logger,
		tracker:     acktracker.New(),
	}
}

// Subscribe stores handler, registers this Consumer for resubscription on
// every future reconnect, and runs the initial do_subscribe.
func (c *Consumer) Subscribe(ctx context.Context, noAck bool, handler func(transport.Delivery)) error {
	if c.closed.Load() {
		return &flowerrors.ClosedError{Component: "consumer"}
	}

	c.mu.Lock()
	c.noAck = noAck
	c.handler = handler
	c.mu.Unlock()

	c.sup.RegisterConsumer(c)
	return c.doSubscribe(ctx)
}

// Resubscribe implements supervisor.Resubscriber. The Ack Tracker is
// deliberately not cleared: the old channel's tags are abandoned by the
// broker and will simply never be acked again, an accepted leak rather
// than a correctness hazard.
func (c *Consumer) Resubscribe(ctx context.Context) error {
	if c.closed.Load() {
		return nil
	}

	c.mu.Lock()
	c.channel = nil
	c.consumerTag = ""
	hasHandler := c.handler != nil
	c.mu.Unlock()

	if !hasHandler {
		return nil
	}
	return c.doSubscribe(ctx)
}

// doSubscribe obtains the current session, opens a channel, sets
// prefetch, and issues the consume request with a unique tag. Any
// failure leaves channel and consumerTag unset so a later resubscribe
// retries cleanly.
func (c *Consumer) doSubscribe(ctx context.Context) error {
	sess, err := c.sup.Session(ctx)
	if err != nil {
		return err
	}

	ch, err := sess.OpenChannel(ctx)
	if err != nil {
		return fmt.Errorf("consumer: open channel: %w", err)
	}

	tag := fmt.Sprintf("consumer-%s-%s", c.destination, uuid.NewString())
	deliveries, err := ch.Consume(ctx, c.destination, tag, c.prefetch)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consumer: consume: %w", err)
	}

	c.mu.Lock()
	c.channel = ch
	c.consumerTag = tag
	c.mu.Unlock()

	go c.dispatch(deliveries)
	return nil
}

// dispatch runs for the lifetime of one subscription's delivery channel;
// it exits when the channel closes, which happens on Close or on the
// broker tearing the underlying AMQP channel down.
func (c *Consumer) dispatch(deliveries <-chan transport.Delivery) {
	for d := range deliveries {
		c.mu.Lock()
		noAck := c.noAck
		handler := c.handler
		c.mu.Unlock()

		if !noAck {
			c.tracker.Track(d.DeliveryTag)
		}
		if handler != nil {
			handler(d)
		}
	}
}

func (c *Consumer) currentChannel() transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Ack forwards to both the current channel and the Ack Tracker. Failures
// are logged, never returned: acks are best-effort under reconnect.
func (c *Consumer) Ack(tag uint64, multiple bool) {
	if c.closed.Load() {
		return
	}
	c.tracker.Ack(tag, multiple)

	ch := c.currentChannel()
	if ch == nil {
		return
	}
	if err := ch.Ack(tag, multiple); err != nil {
		c.logger.Warn("ack forward failed", zap.Uint64("tag", tag), zap.Error(err))
		return
	}
	metrics.ConsumerAcksTotal.WithLabelValues(c.destination, "ack").Inc()
}

// Nack has the same best-effort forwarding contract as Ack.
func (c *Consumer) Nack(tag uint64, multiple, requeue bool) {
	if c.closed.Load() {
		return
	}
	c.tracker.Nack(tag, multiple)

	ch := c.currentChannel()
	if ch == nil {
		return
	}
	if err := ch.Nack(tag, multiple, requeue); err != nil {
		c.logger.Warn("nack forward failed", zap.Uint64("tag", tag), zap.Error(err))
		return
	}
	metrics.ConsumerAcksTotal.WithLabelValues(c.destination, "nack").Inc()
}

// UnackedCount exposes the Ack Tracker's outstanding count.
func (c *Consumer) UnackedCount() int { return c.tracker.Count() }

// Close cancels the consume, closes the channel, and marks the consumer
// closed; subsequent Ack, Nack and Resubscribe calls become silent
// no-ops, and Subscribe returns ClosedError.
func (c *Consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}
	return nil
}
