// Package ring implements a bounded, lock-free, multi-producer
// multi-consumer FIFO queue (C1 in the design). It is generic over the
// element type so the Message Buffer layer (C2) can store payloads
// together with bookkeeping (retry counters) without the ring itself
// ever inspecting payload bytes, which must stay opaque and immutable
// all the way up through the Producer layer.
//
// The backing array is sized to the next power of two at or above
// requested capacity + 1; the extra slot lets index comparison
// distinguish empty from full without a separate counter being
// authoritative. head and tail are CAS-advanced independently so
// concurrent enqueuers (or dequeuers) never corrupt a slot, at the cost
// of lock-free (not wait-free) progress under contention.
package ring

import (
	"runtime"

	"go.uber.org/atomic"
)

// Buffer is a bounded lock-free FIFO over elements of type T.
type Buffer[T any] struct {
	slots    []atomic.Value // holds T
	mask     uint64
	capacity uint64

	head atomic.Uint64 // next write index
	tail atomic.Uint64 // next read index
	size atomic.Uint64 // advisory; head/tail pair is authoritative
}

// New creates a Buffer enforcing the given declared capacity.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	bufSize := nextPowerOfTwo(uint64(capacity) + 1)
	return &Buffer[T]{
		slots:    make([]atomic.Value, bufSize),
		mask:     bufSize - 1,
		capacity: uint64(capacity),
	}
}

func nextPowerOfTwo(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Enqueue attempts to place item at the tail. It fails (returns false)
// if the observed size is already at or above capacity — this is the
// declared capacity, not the (larger) backing array length.
func (b *Buffer[T]) Enqueue(item T) bool {
	for {
		if b.size.Load() >= b.capacity {
			return false
		}

		h := b.head.Load()
		next := (h + 1) & b.mask

		// Between the size check above and here, another enqueuer may
		// have filled the last slot; next == tail means the ring is
		// physically full and this attempt must fail rather than
		// clobber the unread head.
		if next == b.tail.Load() {
			return false
		}

		if b.head.CompareAndSwap(h, next) {
			b.slots[h].Store(item)
			b.size.Add(1)
			return true
		}
		runtime.Gosched()
	}
}

// Dequeue removes and returns the head item, or (zero, false) if empty.
func (b *Buffer[T]) Dequeue() (T, bool) {
	var zero T
	for {
		t := b.tail.Load()
		if t == b.head.Load() {
			return zero, false
		}

		v := b.slots[t].Load()
		next := (t + 1) & b.mask
		if b.tail.CompareAndSwap(t, next) {
			b.slots[t].Store(zero) // drop ownership of the slot
			b.size.Sub(1)
			item, _ := v.(T)
			return item, true
		}
		runtime.Gosched()
	}
}

// Size returns the advisory element count.
func (b *Buffer[T]) Size() int { return int(b.size.Load()) }

// Capacity returns the declared capacity (not the backing array length).
func (b *Buffer[T]) Capacity() int { return int(b.capacity) }

// Empty reports whether the buffer currently holds no items.
func (b *Buffer[T]) Empty() bool { return b.head.Load() == b.tail.Load() }

// Full reports whether the buffer is at its declared capacity.
func (b *Buffer[T]) Full() bool { return b.size.Load() >= b.capacity }

// Clear drains the buffer, discarding every item.
func (b *Buffer[T]) Clear() {
	for {
		if _, ok := b.Dequeue(); !ok {
			return
		}
	}
}
