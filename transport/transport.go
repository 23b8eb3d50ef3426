// Package transport defines the broker-session SPI that the rest of
// amqpflow treats as an opaque external collaborator: open connection,
// open channel, publish, publish-with-confirm, subscribe, ack/nack,
// close, and an asynchronous "connection closed" notification.
//
// amqpflow's core (supervisor, producer, consumer) depends only on the
// interfaces in this file. transport/amqprabbit provides the concrete
// implementation over github.com/rabbitmq/amqp091-go.
package transport

import "context"

// Delivery is one message handed to a Consumer's handler.
type Delivery struct {
	Body        []byte
	DeliveryTag uint64
}

// Channel is a multiplexed stream within a Session with its own confirm
// and ack state.
type Channel interface {
	// Publish sends body to destination without waiting for a broker
	// acknowledgement (FireAndForget mode).
	Publish(ctx context.Context, destination string, body []byte) error

	// PublishConfirm sends body and blocks on this channel's confirm
	// window, returning true for ack and false for nack (Confirm mode).
	PublishConfirm(ctx context.Context, destination string, body []byte) (bool, error)

	// Consume starts a subscription on destination under the given
	// consumer tag and returns a channel of deliveries. The returned
	// channel closes when the underlying AMQP channel closes.
	Consume(ctx context.Context, destination, consumerTag string, prefetch int) (<-chan Delivery, error)

	// Ack/Nack forward to the broker for a previously delivered tag.
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error

	// Closed reports whether this channel has already closed, either by
	// explicit Close or because the underlying connection died.
	Closed() bool

	// Close releases the channel. Idempotent.
	Close() error
}

// Session is a single authenticated connection to the broker.
type Session interface {
	// OpenChannel opens a new Channel on this session.
	OpenChannel(ctx context.Context) (Channel, error)

	// NotifyClose returns a channel that receives exactly one value
	// (possibly nil) when the session closes, then itself closes. This
	// Whoever reads from it must never hold a lock while blocking on it.
	NotifyClose() <-chan error

	// Closed is a cheap, lock-free read of whether the session has
	// closed — a polling failsafe alongside NotifyClose.
	Closed() bool

	// Close releases the session and every channel opened on it.
	Close() error
}

// Dialer opens a new Session given a connection URL. Supervisor depends
// on this, not on any concrete broker client, so tests can substitute a
// fake dialer that never touches a real socket.
type Dialer interface {
	Dial(ctx context.Context, url string) (Session, error)
}
