package acktracker_test

import (
	"reflect"
	"testing"

	"github.com/sentinelmq/amqpflow/internal/acktracker"
)

// Track 1..5, ack(3, multiple=true) -> remaining [4, 5].
func TestCumulativeAck(t *testing.T) {
	tr := acktracker.New()
	for i := uint64(1); i <= 5; i++ {
		tr.Track(i)
	}

	tr.Ack(3, true)

	got := tr.UnackedTags()
	want := []uint64{4, 5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if tr.Count() != 2 {
		t.Fatalf("expected count 2, got %d", tr.Count())
	}
}

func TestSingleAckIsNoOpIfAbsent(t *testing.T) {
	tr := acktracker.New()
	tr.Track(1)
	tr.Ack(99, false)
	if tr.Count() != 1 {
		t.Fatalf("expected tag 1 untouched, count=%d", tr.Count())
	}
	tr.Ack(1, false)
	if tr.Count() != 0 {
		t.Fatalf("expected count 0 after ack, got %d", tr.Count())
	}
}

func TestNackRemovesLikeAck(t *testing.T) {
	tr := acktracker.New()
	tr.Track(1)
	tr.Track(2)
	tr.Nack(2, false)
	if got := tr.UnackedTags(); !reflect.DeepEqual(got, []uint64{1}) {
		t.Fatalf("expected [1], got %v", got)
	}
}

func TestClear(t *testing.T) {
	tr := acktracker.New()
	tr.Track(1)
	tr.Track(2)
	tr.Clear()
	if tr.Count() != 0 {
		t.Fatalf("expected count 0 after clear, got %d", tr.Count())
	}
}
