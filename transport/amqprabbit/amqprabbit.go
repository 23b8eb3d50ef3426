// Package amqprabbit implements transport.Session and transport.Channel
// over github.com/rabbitmq/amqp091-go, using a connect/declare sequence
// and publisher-confirm wiring generalized from a single fixed
// exchange/queue pair to an arbitrary destination name.
package amqprabbit

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/atomic"

	"github.com/sentinelmq/amqpflow/transport"
)

const publishConfirmTimeout = 5 * time.Second

// Dialer opens Sessions backed by real AMQP 0-9-1 connections.
type Dialer struct{}

var _ transport.Dialer = Dialer{}

func (Dialer) Dial(ctx context.Context, url string) (transport.Session, error) {
	cfg := amqp.Config{}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Dial = amqp.DefaultDial(time.Until(deadline))
	}
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, fmt.Errorf("amqprabbit: dial: %w", err)
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	closed := make(chan error, 1)
	go func() {
		reason, ok := <-notify
		if !ok || reason == nil {
			closed <- nil
		} else {
			closed <- reason
		}
		close(closed)
	}()

	return &session{conn: conn, closeCh: closed}, nil
}

type session struct {
	conn    *amqp.Connection
	closeCh chan error
}

func (s *session) OpenChannel(ctx context.Context) (transport.Channel, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqprabbit: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("amqprabbit: enable confirms: %w", err)
	}

	c := &channel{ch: ch}
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		<-notify
		c.closed.Store(true)
	}()
	return c, nil
}

func (s *session) NotifyClose() <-chan error { return s.closeCh }

func (s *session) Closed() bool { return s.conn.IsClosed() }

func (s *session) Close() error {
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

type channel struct {
	ch     *amqp.Channel
	closed atomic.Bool
}

func (c *channel) Publish(ctx context.Context, destination string, body []byte) error {
	return c.ch.PublishWithContext(ctx,
		"", // default exchange — routes directly to the named queue
		destination,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/octet-stream",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (c *channel) PublishConfirm(ctx context.Context, destination string, body []byte) (bool, error) {
	confirm := c.ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	publishCtx, cancel := context.WithTimeout(ctx, publishConfirmTimeout)
	defer cancel()

	if err := c.ch.PublishWithContext(publishCtx,
		"",
		destination,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/octet-stream",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	); err != nil {
		return false, fmt.Errorf("amqprabbit: publish: %w", err)
	}

	select {
	case ack := <-confirm:
		return ack.Ack, nil
	case <-publishCtx.Done():
		return false, fmt.Errorf("amqprabbit: publish confirmation timeout")
	}
}

func (c *channel) Consume(ctx context.Context, destination, consumerTag string, prefetch int) (<-chan transport.Delivery, error) {
	if _, err := c.ch.QueueDeclare(destination, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqprabbit: declare queue: %w", err)
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("amqprabbit: qos: %w", err)
	}

	raw, err := c.ch.Consume(
		destination,
		consumerTag,
		false, // auto-ack disabled — the Ack Tracker drives manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("amqprabbit: consume: %w", err)
	}

	out := make(chan transport.Delivery)
	go func() {
		defer close(out)
		for d := range raw {
			select {
			case out <- transport.Delivery{Body: d.Body, DeliveryTag: d.DeliveryTag}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *channel) Ack(tag uint64, multiple bool) error {
	return c.ch.Ack(tag, multiple)
}

func (c *channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return c.ch.Nack(tag, multiple, requeue)
}

func (c *channel) Closed() bool {
	return c.closed.Load()
}

func (c *channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ch.Close()
}
