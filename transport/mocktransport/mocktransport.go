// Package mocktransport provides in-memory test doubles for
// transport.Dialer, transport.Session, and transport.Channel: a struct
// with overridable Fn fields plus recorded calls, defaulting to success
// when no override is set.
package mocktransport

import (
	"context"
	"sync"

	"github.com/sentinelmq/amqpflow/transport"
)

// Dialer is a test double for transport.Dialer.
type Dialer struct {
	mu sync.Mutex

	DialFn func(ctx context.Context, url string) (transport.Session, error)

	// FailNextN, when > 0, makes the next N Dial calls fail before
	// succeeding — used to exercise the Supervisor's reconnect backoff.
	FailNextN int

	Calls int
}

func (d *Dialer) Dial(ctx context.Context, url string) (transport.Session, error) {
	d.mu.Lock()
	d.Calls++
	if d.FailNextN > 0 {
		d.FailNextN--
		d.mu.Unlock()
		return nil, errDial{}
	}
	d.mu.Unlock()

	if d.DialFn != nil {
		return d.DialFn(ctx, url)
	}
	return NewSession(), nil
}

type errDial struct{}

func (errDial) Error() string { return "mocktransport: simulated dial failure" }

// Session is an in-memory test double for transport.Session.
type Session struct {
	mu        sync.Mutex
	closed    bool
	closeCh   chan error
	channels  []*Channel
	OpenErr   error

	// OpenChannelHook, if set, runs against every freshly created Channel
	// before OpenChannel returns it — tests use this to preset
	// PublishFn/PublishConfirmFn on a channel the Producer or Consumer
	// under test will itself obtain via get_or_create_channel, since
	// that channel instance is otherwise opaque to the caller.
	OpenChannelHook func(*Channel)
}

// NewSession creates an open, healthy Session.
func NewSession() *Session {
	return &Session{closeCh: make(chan error, 1)}
}

func (s *Session) OpenChannel(ctx context.Context) (transport.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	ch := NewChannel()
	if s.OpenChannelHook != nil {
		s.OpenChannelHook(ch)
	}
	s.channels = append(s.channels, ch)
	return ch, nil
}

// Channels returns every Channel opened on this Session so far, in order.
func (s *Session) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Channel{}, s.channels...)
}

func (s *Session) NotifyClose() <-chan error { return s.closeCh }

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ch := range s.channels {
		ch.Close()
	}
	s.closeCh <- nil
	close(s.closeCh)
	return nil
}

// SimulateDrop fires the asynchronous close notification without a
// local Close call, mirroring a broker-initiated disconnect.
func (s *Session) SimulateDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCh <- errDial{}
	close(s.closeCh)
}

// Channel is an in-memory test double for transport.Channel.
type Channel struct {
	mu     sync.Mutex
	closed bool

	PublishFn        func(ctx context.Context, destination string, body []byte) error
	PublishConfirmFn func(ctx context.Context, destination string, body []byte) (bool, error)

	Published [][]byte
	Acked     []uint64
	Nacked    []uint64

	deliveries chan transport.Delivery
}

func NewChannel() *Channel {
	return &Channel{}
}

func (c *Channel) Publish(ctx context.Context, destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errDial{}
	}
	c.Published = append(c.Published, body)
	if c.PublishFn != nil {
		return c.PublishFn(ctx, destination, body)
	}
	return nil
}

func (c *Channel) PublishConfirm(ctx context.Context, destination string, body []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, errDial{}
	}
	c.Published = append(c.Published, body)
	if c.PublishConfirmFn != nil {
		return c.PublishConfirmFn(ctx, destination, body)
	}
	return true, nil
}

func (c *Channel) Consume(ctx context.Context, destination, consumerTag string, prefetch int) (<-chan transport.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliveries == nil {
		c.deliveries = make(chan transport.Delivery, 16)
	}
	return c.deliveries, nil
}

// Deliver injects a message into the consumer stream started by Consume.
func (c *Channel) Deliver(d transport.Delivery) {
	c.mu.Lock()
	ch := c.deliveries
	c.mu.Unlock()
	if ch != nil {
		ch <- d
	}
}

func (c *Channel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Acked = append(c.Acked, tag)
	return nil
}

func (c *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Nacked = append(c.Nacked, tag)
	return nil
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
