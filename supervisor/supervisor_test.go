package supervisor_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelmq/amqpflow/config"
	"github.com/sentinelmq/amqpflow/flowerrors"
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

func TestConnectReachesConnectedState(t *testing.T) {
	dialer := &mocktransport.Dialer{}
	sup := supervisor.New(dialer, "amqp://test", testConfig(), zap.NewNop())

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sup.State() != supervisor.StateConnected {
		t.Fatalf("expected Connected, got %s", sup.State())
	}
	sup.Close()
}

func TestConnectTimeoutReturnsConnectionError(t *testing.T) {
	dialer := &mocktransport.Dialer{
		DialFn: func(ctx context.Context, url string) (transport.Session, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond

	sup := supervisor.New(dialer, "amqp://test", cfg, zap.NewNop())
	err := sup.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !flowerrors.IsConnection(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

// A broker-side close transitions the Supervisor through
// Reconnecting and back to Connected, firing on_state_change for each.
func TestReconnectAfterSimulatedDrop(t *testing.T) {
	dialer := &mocktransport.Dialer{}
	cfg := testConfig()
	sup := supervisor.New(dialer, "amqp://test", cfg, zap.NewNop())

	var states []supervisor.State
	sup.OnStateChange(func(st supervisor.State) { states = append(states, st) })

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	sess1, err := sup.TrySession()
	if err != nil || sess1 == nil {
		t.Fatalf("expected session after connect, err=%v", err)
	}
	mockSess := sess1.(*mocktransport.Session)
	mockSess.SimulateDrop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		sess2, _ := sup.TrySession()
		if sup.State() == supervisor.StateConnected && sess2 != nil && sess2 != sess1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("supervisor did not reconnect in time, last state=%s", sup.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	foundReconnecting := false
	for _, st := range states {
		if st == supervisor.StateReconnecting {
			foundReconnecting = true
		}
	}
	if !foundReconnecting {
		t.Fatal("expected at least one Reconnecting transition")
	}
	sup.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	dialer := &mocktransport.Dialer{}
	sup := supervisor.New(dialer, "amqp://test", testConfig(), zap.NewNop())
	_ = sup.Connect(context.Background())

	if err := sup.Close(); err != nil {
		t.Fatalf("unexpected error on first close: %v", err)
	}
	if err := sup.Close(); err != nil {
		t.Fatalf("unexpected error on duplicate close: %v", err)
	}
	if sup.State() != supervisor.StateClosed {
		t.Fatalf("expected Closed, got %s", sup.State())
	}
}

func TestTrySessionAfterCloseReturnsClosedError(t *testing.T) {
	dialer := &mocktransport.Dialer{}
	sup := supervisor.New(dialer, "amqp://test", testConfig(), zap.NewNop())
	_ = sup.Connect(context.Background())
	sup.Close()

	_, err := sup.TrySession()
	if err == nil {
		t.Fatal("expected ClosedError after close")
	}
}
