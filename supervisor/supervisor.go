// Package supervisor implements the Connection Supervisor (C4): the
// component that owns the single AMQP session, detects loss via both
// an asynchronous close notification and a periodic health probe, and
// drives exponential-backoff reconnection while Producers and Consumers
// observe its state without blocking.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/sourcegraph/conc"
	atomicext "go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sentinelmq/amqpflow/config"
	"github.com/sentinelmq/amqpflow/flowerrors"
	"github.com/sentinelmq/amqpflow/metrics"
	"github.com/sentinelmq/amqpflow/transport"
)

// State is the Connection Supervisor's totally-ordered state.
type State uint32

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Resubscriber is implemented by Consumers so the Supervisor can trigger
// resubscription after every successful (re)connect without owning them
// one-way, notification only: the Supervisor never holds a reference back to anything that owns it.
type Resubscriber interface {
	Resubscribe(ctx context.Context) error
}

type sessionHolder struct {
	session transport.Session
}

// Supervisor owns the single broker session and its lifecycle.
type Supervisor struct {
	dialer transport.Dialer
	url    string
	cfg    *config.Config
	logger *zap.Logger

	sessionPtr atomic.Pointer[sessionHolder]

	state        atomicext.Uint32
	reconnecting atomicext.Bool
	closed       atomicext.Bool

	observersMu sync.Mutex
	observers   []func(State)

	resubsMu sync.Mutex
	resubs   []Resubscriber

	healthStop chan struct{}
}

// New creates a Supervisor that will dial url via dialer when Connect is
// called. cfg supplies the reconnect backoff and health-check knobs.
func New(dialer transport.Dialer, url string, cfg *config.Config, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		dialer:     dialer,
		url:        url,
		cfg:        cfg,
		logger:     logger,
		healthStop: make(chan struct{}),
	}
}

// Connect performs the initial connection with a hard timeout
// On failure it
// returns *flowerrors.ConnectionError and leaves no partial state.
func (s *Supervisor) Connect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	sess, err := s.dialer.Dial(connectCtx, s.url)
	if err != nil {
		return &flowerrors.ConnectionError{Cause: err}
	}

	s.sessionPtr.Store(&sessionHolder{session: sess})
	s.setState(StateConnected)

	go s.watchClose(sess)
	go s.healthCheckLoop()

	s.resubscribeAll()
	return nil
}

// OnStateChange registers an observer invoked on every transition. Like
// Producer's callback slots, register before traffic
// starts; registration itself is mutex-protected since it is rare, but
// the hot reconnect path only reads the slice.
func (s *Supervisor) OnStateChange(fn func(State)) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, fn)
}

// RegisterConsumer adds r to the fan-out list triggered after every
// successful connect.
func (s *Supervisor) RegisterConsumer(r Resubscriber) {
	s.resubsMu.Lock()
	defer s.resubsMu.Unlock()
	s.resubs = append(s.resubs, r)
}

// State returns the current state (atomic load).
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(uint32(st))
	metrics.ConnectionState.Set(float64(st))
	s.observersMu.Lock()
	observers := append([]func(State){}, s.observers...)
	s.observersMu.Unlock()
	for _, fn := range observers {
		fn(st)
	}
}

// TrySession returns the current session without blocking, or (nil, nil)
// if none is currently available. It never suspends; Session and
// SessionWithRetry poll through it.
func (s *Supervisor) TrySession() (transport.Session, error) {
	if s.closed.Load() {
		return nil, &flowerrors.ClosedError{Component: "supervisor"}
	}
	h := s.sessionPtr.Load()
	if h == nil || h.session == nil {
		return nil, nil
	}
	return h.session, nil
}

// Session polls briefly (up to 100ms) for an available session,
// returning ClosedError if the Supervisor has since closed.
func (s *Supervisor) Session(ctx context.Context) (transport.Session, error) {
	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		sess, err := s.TrySession()
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
		if time.Now().After(deadline) {
			return nil, &flowerrors.ConnectionError{Cause: errNoSession{}}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type errNoSession struct{}

func (errNoSession) Error() string { return "supervisor: no session available" }

// SessionWithRetry retries TrySession up to attempts times, waiting
// interval between attempts, for use by Producer.getOrCreateChannel.
func (s *Supervisor) SessionWithRetry(ctx context.Context, attempts int, interval time.Duration) (transport.Session, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		sess, err := s.TrySession()
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
		lastErr = errNoSession{}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, &flowerrors.ConnectionError{Cause: lastErr}
}

// watchClose blocks on the current
// session's asynchronous close notification without holding any lock,
// then schedules a reconnect. Holding a lock here was the root cause of
// the original silent-reconnect failure under load.
func (s *Supervisor) watchClose(sess transport.Session) {
	<-sess.NotifyClose()
	if s.closed.Load() {
		return
	}
	s.beginReconnect()
}

// healthCheckLoop is a periodic poll that
// catches connection loss the close notification missed or raced.
func (s *Supervisor) healthCheckLoop() {
	interval := s.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.healthStop:
			return
		case <-ticker.C:
			if s.closed.Load() {
				return
			}
			if s.State() != StateConnected {
				continue
			}
			h := s.sessionPtr.Load()
			if h == nil || h.session == nil || h.session.Closed() {
				s.beginReconnect()
			}
		}
	}
}

// beginReconnect is the single entry point both triggers invoke,
// guarded by a CAS so only one reconnect task runs at a time.
func (s *Supervisor) beginReconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go s.runReconnect()
}

func (s *Supervisor) runReconnect() {
	defer s.reconnecting.Store(false)

	if s.closed.Load() {
		return
	}
	s.setState(StateReconnecting)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectInitialDelay
	b.MaxInterval = s.cfg.ReconnectMaxDelay
	b.Multiplier = s.cfg.ReconnectMultiplier
	b.MaxElapsedTime = 0 // retry forever; only Close or success stop us
	b.Reset()

	var newSession transport.Session
	operation := func() error {
		if s.closed.Load() {
			return backoff.Permanent(errClosedDuringReconnect{})
		}
		sess, err := s.dialer.Dial(context.Background(), s.url)
		if err != nil {
			s.logger.Warn("reconnect attempt failed", zap.Error(err))
			return err
		}
		newSession = sess
		return nil
	}

	if err := backoff.Retry(operation, b); err != nil {
		return
	}

	if s.closed.Load() {
		if newSession != nil {
			newSession.Close()
		}
		return
	}

	s.sessionPtr.Store(&sessionHolder{session: newSession})
	s.setState(StateConnected)
	go s.watchClose(newSession)
	metrics.ReconnectsTotal.Inc()

	s.logger.Info("reconnected to broker")
	s.resubscribeAll()
}

type errClosedDuringReconnect struct{}

func (errClosedDuringReconnect) Error() string { return "supervisor: closed during reconnect" }

// resubscribeAll fans resubscription out concurrently so a slow broker
// on one destination does not block another. A panicking
// Resubscribe is recovered by conc.WaitGroup and does not take down the
// Supervisor.
func (s *Supervisor) resubscribeAll() {
	s.resubsMu.Lock()
	resubs := append([]Resubscriber{}, s.resubs...)
	s.resubsMu.Unlock()

	if len(resubs) == 0 {
		return
	}

	var wg conc.WaitGroup
	for _, r := range resubs {
		r := r
		wg.Go(func() {
			if err := r.Resubscribe(context.Background()); err != nil {
				s.logger.Warn("resubscribe failed", zap.Error(err))
			}
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		s.logger.Error("resubscribe panicked", zap.String("panic", r.String()))
	}
}

// Close tears the Supervisor down. Only the CAS winner performs
// teardown; duplicate calls are no-ops.
func (s *Supervisor) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.setState(StateClosed)
	close(s.healthStop)

	var err error
	h := s.sessionPtr.Load()
	if h != nil && h.session != nil {
		err = multierr.Append(err, h.session.Close())
	}
	return err
}
