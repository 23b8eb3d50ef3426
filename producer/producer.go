// Package producer implements a per-destination publish pipeline whose
// contract is that Publish never blocks and never fails except under the
// Raise buffer policy or after Close. It combines a lock-free channel
// cache, a bounded buffer for outage absorption, a background flush loop
// with bounded per-message retries, and a four-way outcome fan-out.
package producer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	atomicext "go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sentinelmq/amqpflow/config"
	"github.com/sentinelmq/amqpflow/flowerrors"
	"github.com/sentinelmq/amqpflow/internal/msgbuffer"
	"github.com/sentinelmq/amqpflow/metrics"
	"github.com/sentinelmq/amqpflow/supervisor"
	"github.com/sentinelmq/amqpflow/transport"
)

// Mode is the immutable per-Producer publish mode.
type Mode int

const (
	FireAndForget Mode = iota
	Confirm
)

// Policy is the immutable per-Producer buffer-full policy.
type Policy int

const (
	DropOldest Policy = iota
	Raise
	// Block is observably identical to DropOldest: Publish never
	// suspends. The name exists only for API compatibility with callers
	// that distinguish it from DropOldest.
	Block
)

// DropReason classifies why a payload never reached send_via, or was
// abandoned after reaching it.
type DropReason string

const (
	ReasonBufferFull         DropReason = "BufferFull"
	ReasonDisconnected       DropReason = "Disconnected"
	ReasonClosed             DropReason = "Closed"
	ReasonTTLExpired         DropReason = "TTLExpired"
	ReasonFlushRetryExceeded DropReason = "FlushRetryExceeded"
)

const maxGetChannelAttempts = 3
const getChannelRetryInterval = 50 * time.Millisecond
const sendTimeout = 5 * time.Second

type channelCell struct {
	ch transport.Channel
}

// Producer is the per-destination publish engine.
type Producer struct {
	sup         *supervisor.Supervisor
	destination string
	mode        Mode
	policy      Policy
	cfg         *config.Config
	logger      *zap.Logger

	buf *msgbuffer.Buffer

	channelCache atomic.Pointer[channelCell]
	closed       atomicext.Bool

	// Callback slots: write-once before first Publish — no mutex guards
	// the publish path's reads of these.
	onConfirm func(payload []byte, destination string)
	onNack    func(payload []byte, destination string)
	onError   func(payload []byte, destination string, err error)
	onDrop    func(payload []byte, destination string, reason DropReason)

	stopCh   chan struct{}
	flushDone sync.WaitGroup
}

// New creates a Producer bound to destination, publishing through sup.
// The flush loop is started immediately so outage recovery does not
// depend on the first call to Publish.
func New(sup *supervisor.Supervisor, destination string, mode Mode, policy Policy, cfg *config.Config, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Producer{
		sup:         sup,
		destination: destination,
		mode:        mode,
		policy:      policy,
		cfg:         cfg,
		logger:      logger,
		buf:         msgbuffer.New(cfg.BufferSize),
		stopCh:      make(chan struct{}),
	}

	p.flushDone.Add(1)
	go p.flushLoop()

	sup.OnStateChange(func(state supervisor.State) {
		if state == supervisor.StateConnected {
			p.WakeNow()
		}
	})

	return p
}

// OnConfirm registers the callback fired when a payload is accepted by
// the broker, or, for FireAndForget, handed off without a transport
// error — FireAndForget has no broker acknowledgement to distinguish,
// so a clean handoff uses the same terminal callback as a Confirm ack.
func (p *Producer) OnConfirm(fn func(payload []byte, destination string)) { p.onConfirm = fn }

// OnNack registers the callback fired when the broker nacks a Confirm-mode publish.
func (p *Producer) OnNack(fn func(payload []byte, destination string)) { p.onNack = fn }

// OnError registers the callback fired when the fast path's send_via
// raises a transport error. Send failures inside a flush pass do not
// fire it; they count toward MaxFlushRetries instead.
func (p *Producer) OnError(fn func(payload []byte, destination string, err error)) { p.onError = fn }

// OnDrop registers the callback fired when a payload is discarded without
// ever reaching the broker.
func (p *Producer) OnDrop(fn func(payload []byte, destination string, reason DropReason)) {
	p.onDrop = fn
}

// BufferSize returns the current number of payloads held in the buffer.
func (p *Producer) BufferSize() int { return p.buf.Size() }

// BufferCapacity returns the buffer's declared capacity.
func (p *Producer) BufferCapacity() int { return p.buf.Capacity() }

// Publish is the fast path: never blocks, never fails except under
// Raise policy or after Close.
func (p *Producer) Publish(payload []byte) error {
	if p.closed.Load() {
		p.fireDrop(payload, ReasonClosed)
		return &flowerrors.ClosedError{Component: "producer"}
	}

	cc := p.channelCache.Load()
	if cc != nil {
		if cc.ch.Closed() {
			p.channelCache.CompareAndSwap(cc, nil)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			outcome, err := p.sendVia(ctx, cc.ch, payload)
			cancel()

			switch {
			case err == nil && outcome == outcomeConfirmed:
				p.fireConfirm(payload)
				return nil
			case err == nil && outcome == outcomeNacked:
				p.channelCache.CompareAndSwap(cc, nil)
				p.fireNack(payload)
				return nil
			default:
				p.channelCache.CompareAndSwap(cc, nil)
				p.fireError(payload, err)
			}
		}
	}

	return p.handleBuffering(payload)
}

type sendOutcome int

const (
	outcomeConfirmed sendOutcome = iota
	outcomeNacked
	outcomeError
)

// sendVia issues the publish according to Mode.
func (p *Producer) sendVia(ctx context.Context, ch transport.Channel, payload []byte) (sendOutcome, error) {
	switch p.mode {
	case Confirm:
		ack, err := ch.PublishConfirm(ctx, p.destination, payload)
		if err != nil {
			return outcomeError, err
		}
		if !ack {
			return outcomeNacked, nil
		}
		return outcomeConfirmed, nil
	default: // FireAndForget
		if err := ch.Publish(ctx, p.destination, payload); err != nil {
			return outcomeError, err
		}
		return outcomeConfirmed, nil
	}
}

// handleBuffering implements the buffer-full decision table.
func (p *Producer) handleBuffering(payload []byte) error {
	if p.closed.Load() {
		p.fireDrop(payload, ReasonClosed)
		return &flowerrors.ClosedError{Component: "producer"}
	}

	if p.policy == Raise {
		if p.buf.Full() {
			p.fireDrop(payload, ReasonBufferFull)
			return &flowerrors.BufferFullError{Destination: p.destination}
		}
		p.buf.Enqueue(payload)
		p.recordBufferSize()
		return nil
	}

	// DropOldest and Block are observably identical: never block,
	// evict the oldest payload on overflow.
	evicted, wasEvicted := p.buf.Enqueue(payload)
	if wasEvicted {
		p.fireDrop(evicted, ReasonBufferFull)
	}
	p.recordBufferSize()
	return nil
}

func (p *Producer) recordBufferSize() {
	metrics.BufferSize.WithLabelValues(p.destination).Set(float64(p.buf.Size()))
}

// getOrCreateChannel is a lock-free channel installation algorithm:
// the loser of a CAS race always closes its redundant channel, so at
// most one durable channel is ever installed.
func (p *Producer) getOrCreateChannel(ctx context.Context) (transport.Channel, error) {
	cc := p.channelCache.Load()
	if cc != nil && !cc.ch.Closed() {
		return cc.ch, nil
	}
	if cc != nil {
		p.channelCache.CompareAndSwap(cc, nil)
	}

	sess, err := p.sup.SessionWithRetry(ctx, maxGetChannelAttempts, getChannelRetryInterval)
	if err != nil {
		return nil, err
	}

	newCh, err := sess.OpenChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("producer: open channel: %w", err)
	}

	newCell := &channelCell{ch: newCh}
	if p.channelCache.CompareAndSwap(nil, newCell) {
		return newCh, nil
	}

	// Lost the race — another goroutine already installed a channel.
	newCh.Close()
	winner := p.channelCache.Load()
	if winner == nil {
		return nil, fmt.Errorf("producer: channel cache empty after lost race")
	}
	return winner.ch, nil
}

// evictCachedChannel clears the cache if it still holds cc, matching
// the CAS-evict-on-failure step of the flush loop.
func (p *Producer) evictCachedChannel(cc *channelCell) {
	p.channelCache.CompareAndSwap(cc, nil)
}

func (p *Producer) fireConfirm(payload []byte) {
	metrics.PublishOutcomes.WithLabelValues(p.destination, "confirm").Inc()
	if p.onConfirm != nil {
		p.onConfirm(payload, p.destination)
	}
}

func (p *Producer) fireNack(payload []byte) {
	metrics.PublishOutcomes.WithLabelValues(p.destination, "nack").Inc()
	if p.onNack != nil {
		p.onNack(payload, p.destination)
	}
}

func (p *Producer) fireError(payload []byte, err error) {
	metrics.PublishOutcomes.WithLabelValues(p.destination, "error").Inc()
	if p.onError != nil {
		p.onError(payload, p.destination, err)
	}
}

func (p *Producer) fireDrop(payload []byte, reason DropReason) {
	metrics.PublishOutcomes.WithLabelValues(p.destination, "drop").Inc()
	metrics.DropsByReason.WithLabelValues(p.destination, string(reason)).Inc()
	if p.onDrop != nil {
		p.onDrop(payload, p.destination, reason)
	}
}

// flushLoop is the background task that absorbs buffered payloads once
// the broker is reachable again: a ticker drives periodic attempts, and
// Close signals immediate exit via stopCh.
func (p *Producer) flushLoop() {
	defer p.flushDone.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tryFlush()
		}
	}
}

// WakeNow schedules one flush pass out-of-phase with the timer. New
// wires this to the Supervisor's state-change notification so recovery
// latency after a reconnect equals round-trip time, not the flush
// ticker period.
func (p *Producer) WakeNow() {
	go p.tryFlush()
}

// tryFlush is one pass of the flush algorithm.
func (p *Producer) tryFlush() {
	p.doFlush(false)
}

// doFlush is the flush algorithm body. force is set only by Close's
// final drain, which must run even though closed is already true by
// the time it's called.
func (p *Producer) doFlush(force bool) {
	if p.closed.Load() && !force {
		return
	}
	if p.sup.State() != supervisor.StateConnected {
		return
	}
	if p.buf.Empty() {
		return
	}

	items := p.buf.Drain()
	p.recordBufferSize()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	for i, item := range items {
		ch, err := p.getOrCreateChannel(ctx)
		if err != nil {
			// Broker still unreachable: put everything remaining back,
			// preserving relative order, and stop this pass.
			for _, rest := range items[i:] {
				p.buf.EnqueueItem(rest)
			}
			p.recordBufferSize()
			return
		}

		outcome, sendErr := p.sendVia(ctx, ch, item.Payload)
		switch {
		case sendErr == nil && outcome == outcomeConfirmed:
			p.fireConfirm(item.Payload)
		case sendErr == nil && outcome == outcomeNacked:
			p.fireNack(item.Payload)
			if cc := p.channelCache.Load(); cc != nil && cc.ch == ch {
				p.evictCachedChannel(cc)
			}
		default:
			item.Retries++
			if item.Retries >= p.cfg.MaxFlushRetries {
				p.fireDrop(item.Payload, ReasonFlushRetryExceeded)
			} else {
				p.buf.EnqueueItem(item)
			}
			p.recordBufferSize()
			// Evict so the next iteration recreates the channel
			// instead of hammering a channel that just failed.
			if cc := p.channelCache.Load(); cc != nil && cc.ch == ch {
				p.evictCachedChannel(cc)
			}
		}
	}
}

// Close drains the buffer once (best effort), closes the cached
// channel, and stops the flush task. After Close returns, no further
// broker I/O occurs from this Producer, and no further callback fires
// except drops emitted during this final drain.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(p.stopCh)
	p.flushDone.Wait()

	// Best-effort final drain, run synchronously so it completes (or
	// gives up) before Close returns. Forced because closed is already
	// true at this point.
	p.doFlush(true)

	var err error
	if cc := p.channelCache.Load(); cc != nil {
		err = multierr.Append(err, cc.ch.Close())
		p.channelCache.Store(nil)
	}
	return err
}
