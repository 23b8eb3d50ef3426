// Package msgbuffer wraps internal/ring with the library's overflow
// policy at the storage layer (C2 in the design): enqueue never fails,
// it evicts the oldest payload instead, and reports what it evicted so
// the caller can emit a drop callback.
//
// Item carries the payload plus a retry counter so the Producer's flush
// loop can track per-payload attempts without ever
// inspecting payload bytes for identity — the ring buffer beneath this
// package is generic (internal/ring), so the counter rides alongside
// the payload instead of being smuggled into it.
package msgbuffer

import (
	"go.uber.org/atomic"

	"github.com/sentinelmq/amqpflow/internal/ring"
)

// Item is one buffered payload plus its flush-retry count.
type Item struct {
	Payload []byte
	Retries int
}

// Buffer is the drop-oldest-on-full wrapper over the ring buffer.
type Buffer struct {
	inner   *ring.Buffer[Item]
	dropped atomic.Uint64
}

// New creates a Buffer with the given declared capacity.
func New(capacity int) *Buffer {
	return &Buffer{inner: ring.New[Item](capacity)}
}

// Enqueue tries the inner enqueue; on failure (full) it evicts the head,
// bumps the drop counter, and retries. A concurrent enqueuer can take the
// freed slot before the retry; in that case one more item is evicted and
// counted, and the enqueue is tried once more.
// Returns the first evicted payload, or (nil, false) if nothing was evicted.
func (b *Buffer) Enqueue(payload []byte) (evicted []byte, wasEvicted bool) {
	return b.enqueueItem(Item{Payload: payload})
}

// EnqueueItem re-enqueues an item carrying an existing retry count, used
// by the flush loop when a send attempt fails and the payload goes back
// to the tail.
func (b *Buffer) EnqueueItem(item Item) (evicted []byte, wasEvicted bool) {
	return b.enqueueItem(item)
}

func (b *Buffer) enqueueItem(item Item) (evicted []byte, wasEvicted bool) {
	if b.inner.Enqueue(item) {
		return nil, false
	}

	victim, _ := b.inner.Dequeue()
	b.dropped.Add(1)
	evicted = victim.Payload
	wasEvicted = true

	if !b.inner.Enqueue(item) {
		// Another producer raced in and refilled the freed slot first;
		// evict once more rather than leave item unqueued.
		extra, ok := b.inner.Dequeue()
		if ok {
			b.dropped.Add(1)
		}
		_ = extra
		b.inner.Enqueue(item)
	}

	return evicted, wasEvicted
}

// Drain dequeues repeatedly until empty, preserving relative FIFO order,
// and returns the full Item (payload + retry count) for each.
func (b *Buffer) Drain() []Item {
	var out []Item
	for {
		item, ok := b.inner.Dequeue()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

// DrainPayloads is Drain without the retry bookkeeping, for callers that
// only care about the bytes — retry-count bookkeeping is the
// Producer's concern, not this package's.
func (b *Buffer) DrainPayloads() [][]byte {
	items := b.Drain()
	out := make([][]byte, len(items))
	for i, it := range items {
		out[i] = it.Payload
	}
	return out
}

func (b *Buffer) Size() int            { return b.inner.Size() }
func (b *Buffer) Capacity() int        { return b.inner.Capacity() }
func (b *Buffer) Empty() bool          { return b.inner.Empty() }
func (b *Buffer) Full() bool           { return b.inner.Full() }
func (b *Buffer) DroppedCount() uint64 { return b.dropped.Load() }
func (b *Buffer) Clear()               { b.inner.Clear() }
