package consumer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelmq/amqpflow/config"
	"github.com/sentinelmq/amqpflow/consumer"
	"github.com/sentinelmq/amqpflow/supervisor"
	"github.com/sentinelmq/amqpflow/transport"
	"github.com/sentinelmq/amqpflow/transport/mocktransport"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ReconnectInitialDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	return cfg
}

func TestSubscribeDispatchesDeliveriesAndTracksTags(t *testing.T) {
	dialer := &mocktransport.Dialer{}
	sup := supervisor.New(dialer, "amqp://test", testConfig(), zap.NewNop())
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sup.Close()

	c := consumer.New(sup, "orders", 10, testConfig(), zap.NewNop())

	var received []transport.Delivery
	var mu sync.Mutex
	if err := c.Subscribe(context.Background(), false, func(d transport.Delivery) {
		mu.Lock()
		received = append(received, d)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer c.Close()

	sess, err := sup.TrySession()
	if err != nil || sess == nil {
		t.Fatalf("expected session, err=%v", err)
	}
	mockSess := sess.(*mocktransport.Session)
	if len(mockSess.Channels()) == 0 {
		t.Fatal("expected consumer to have opened a channel")
	}
	mockCh := mockSess.Channels()[0]
	mockCh.Deliver(transport.Delivery{Body: []byte("hello"), DeliveryTag: 1})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected delivery to be dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if c.UnackedCount() != 1 {
		t.Fatalf("expected 1 unacked tag after delivery, got %d", c.UnackedCount())
	}

	c.Ack(1, false)
	if c.UnackedCount() != 0 {
		t.Fatalf("expected 0 unacked tags after ack, got %d", c.UnackedCount())
	}
	if len(mockCh.Acked) != 1 || mockCh.Acked[0] != 1 {
		t.Fatalf("expected ack forwarded to channel, got %v", mockCh.Acked)
	}
}

// For consumers, a reconnect re-runs do_subscribe against
// the new session without the caller noticing, and the ack tracker
// retains (does not clear) any residual tags from before the drop.
func TestResubscribeAfterReconnectReopensChannel(t *testing.T) {
	dialer := &mocktransport.Dialer{}
	cfg := testConfig()
	sup := supervisor.New(dialer, "amqp://test", cfg, zap.NewNop())
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sup.Close()

	c := consumer.New(sup, "orders", 10, cfg, zap.NewNop())
	if err := c.Subscribe(context.Background(), false, func(d transport.Delivery) {}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer c.Close()

	sess1, _ := sup.TrySession()
	mockSess1 := sess1.(*mocktransport.Session)
	firstChannelCount := len(mockSess1.Channels())
	if firstChannelCount == 0 {
		t.Fatal("expected initial subscribe to open a channel")
	}

	// Record a tag as outstanding before the drop to confirm it survives
	// (is not cleared) across resubscribe.
	c.Ack(0, false) // no-op drain of any accidental tag 0
	mockCh := mockSess1.Channels()[0]
	mockCh.Deliver(transport.Delivery{Body: []byte("x"), DeliveryTag: 5})
	time.Sleep(20 * time.Millisecond)
	if c.UnackedCount() != 1 {
		t.Fatalf("expected 1 unacked tag before drop, got %d", c.UnackedCount())
	}

	mockSess1.SimulateDrop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		sess2, _ := sup.TrySession()
		if sup.State() == supervisor.StateConnected && sess2 != nil && sess2 != sess1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("supervisor did not reconnect in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Give the resubscribe fan-out a moment to run against the new session.
	time.Sleep(50 * time.Millisecond)

	sess2, _ := sup.TrySession()
	mockSess2 := sess2.(*mocktransport.Session)
	if len(mockSess2.Channels()) == 0 {
		t.Fatal("expected resubscribe to open a channel on the new session")
	}

	if c.UnackedCount() != 1 {
		t.Fatalf("expected residual unacked tag to survive resubscribe, got %d", c.UnackedCount())
	}
}

func TestCloseIsIdempotentAndSilencesFurtherOps(t *testing.T) {
	dialer := &mocktransport.Dialer{}
	sup := supervisor.New(dialer, "amqp://test", testConfig(), zap.NewNop())
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sup.Close()

	c := consumer.New(sup, "orders", 10, testConfig(), zap.NewNop())
	if err := c.Subscribe(context.Background(), true, func(d transport.Delivery) {}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error on first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error on duplicate close: %v", err)
	}

	// Ack/Nack after close must be silent no-ops, never panics.
	c.Ack(1, false)
	c.Nack(2, false, true)
}
