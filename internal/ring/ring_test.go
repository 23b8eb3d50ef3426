package ring_test

import (
	"sync"
	"testing"

	"github.com/sentinelmq/amqpflow/internal/ring"
)

// Capacity 2, enqueue a, b, c — third enqueue must fail
// and the surviving two must dequeue in FIFO order.
func TestOverflowRejectsThirdEnqueue(t *testing.T) {
	b := ring.New[[]byte](2)

	if ok := b.Enqueue([]byte("a")); !ok {
		t.Fatal("expected enqueue a to succeed")
	}
	if ok := b.Enqueue([]byte("b")); !ok {
		t.Fatal("expected enqueue b to succeed")
	}
	if ok := b.Enqueue([]byte("c")); ok {
		t.Fatal("expected enqueue c to fail: buffer at capacity")
	}

	got, ok := b.Dequeue()
	if !ok || string(got) != "a" {
		t.Fatalf("expected a, got %q ok=%v", got, ok)
	}
	got, ok = b.Dequeue()
	if !ok || string(got) != "b" {
		t.Fatalf("expected b, got %q ok=%v", got, ok)
	}
	if _, ok := b.Dequeue(); ok {
		t.Fatal("expected empty buffer")
	}
}

func TestCapacityAndSize(t *testing.T) {
	b := ring.New[[]byte](4)
	if b.Capacity() != 4 {
		t.Fatalf("expected capacity 4, got %d", b.Capacity())
	}
	if !b.Empty() {
		t.Fatal("expected new buffer to be empty")
	}
	for i := 0; i < 4; i++ {
		if !b.Enqueue([]byte{byte(i)}) {
			t.Fatalf("enqueue %d should succeed", i)
		}
	}
	if !b.Full() {
		t.Fatal("expected buffer to report full at capacity")
	}
	if b.Size() != 4 {
		t.Fatalf("expected size 4, got %d", b.Size())
	}
}

func TestClearDrainsEverything(t *testing.T) {
	b := ring.New[[]byte](8)
	for i := 0; i < 5; i++ {
		b.Enqueue([]byte{byte(i)})
	}
	b.Clear()
	if !b.Empty() || b.Size() != 0 {
		t.Fatalf("expected empty buffer after Clear, size=%d", b.Size())
	}
}

// Under N concurrent enqueues against capacity C < N, at most C items
// ever end up observable in the buffer and size never exceeds capacity
// at any quiescent point.
func TestConcurrentEnqueueNeverExceedsCapacity(t *testing.T) {
	const capacity = 16
	const producers = 64

	b := ring.New[[]byte](capacity)
	var wg sync.WaitGroup
	var accepted, rejected int32Counter

	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if b.Enqueue([]byte{byte(n)}) {
				accepted.inc()
			} else {
				rejected.inc()
			}
		}(i)
	}
	wg.Wait()

	if b.Size() > capacity {
		t.Fatalf("size %d exceeds capacity %d", b.Size(), capacity)
	}
	if accepted.get()+rejected.get() != producers {
		t.Fatalf("expected %d total attempts, got %d", producers, accepted.get()+rejected.get())
	}
	if accepted.get() > capacity {
		t.Fatalf("expected at most %d accepted, got %d", capacity, accepted.get())
	}
}

// int32Counter avoids importing sync/atomic twice for one tiny counter.
type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
