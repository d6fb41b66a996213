package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/tapguard/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)
		_, err := bus.Subscribe(ctx, domain.TopicTapDecision, func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicTapDecision, []byte("approved")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-got:
			if string(msg.Payload) != "approved" {
				t.Errorf("expected payload 'approved', got '%s'", msg.Payload)
			}
			if msg.Topic != domain.TopicTapDecision || msg.ID == "" {
				t.Errorf("unexpected envelope: %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var alerts, audits atomic.Int32
		bus.Subscribe(ctx, domain.TopicFraudAlert, func(ctx context.Context, msg *domain.Message) error {
			alerts.Add(1)
			return nil
		})
		bus.Subscribe(ctx, domain.TopicAudit, func(ctx context.Context, msg *domain.Message) error {
			audits.Add(1)
			return nil
		})

		bus.Publish(ctx, domain.TopicFraudAlert, []byte("a"))
		bus.Publish(ctx, domain.TopicFraudAlert, []byte("b"))

		waitFor(t, func() bool { return alerts.Load() == 2 })
		if audits.Load() != 0 {
			t.Errorf("audit subscriber received %d fraud alerts", audits.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count atomic.Int32
		for i := 0; i < 3; i++ {
			bus.Subscribe(ctx, "fanout.topic", func(ctx context.Context, msg *domain.Message) error {
				count.Add(1)
				return nil
			})
		}

		bus.Publish(ctx, "fanout.topic", []byte("x"))
		waitFor(t, func() bool { return count.Load() == 3 })
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if sub.Topic() != "unsub.topic" {
			t.Errorf("expected topic unsub.topic, got %s", sub.Topic())
		}

		bus.Publish(ctx, "unsub.topic", []byte("1"))
		waitFor(t, func() bool { return count.Load() == 1 })

		sub.Unsubscribe()
		bus.Publish(ctx, "unsub.topic", []byte("2"))
		time.Sleep(20 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		bus.Subscribe(ctx, "echo.topic", func(ctx context.Context, msg *domain.Message) error {
			return Respond(ctx, bus, msg, append([]byte("echo:"), msg.Payload...))
		})

		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		reply, err := bus.Request(reqCtx, "echo.topic", []byte("ping"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(reply) != "echo:ping" {
			t.Errorf("expected 'echo:ping', got '%s'", reply)
		}
	})

	t.Run("RequestTimeout", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		if _, err := bus.Request(reqCtx, "nobody.listens", []byte("ping")); err == nil {
			t.Error("expected error without responder")
		}
	})

	t.Run("RespondIgnoresPlainMessages", func(t *testing.T) {
		if err := Respond(ctx, bus, &domain.Message{Metadata: map[string]string{}}, []byte("x")); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", []byte("x")); err == nil {
			t.Error("expected error for empty topic")
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		<-release
		return nil
	})

	for i := 0; i < 5; i++ {
		bus.Publish(ctx, "slow.topic", []byte("x"))
	}
	close(release)

	if bus.Dropped() == 0 {
		t.Error("expected dropped deliveries with a full buffer")
	}
}

func TestChannelBusClosed(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	if err := bus.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	bus.Close()

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
	if err := bus.Publish(ctx, "t", nil); err == nil {
		t.Error("expected publish error after close")
	}
	if _, err := bus.Subscribe(ctx, "t", func(context.Context, *domain.Message) error { return nil }); err == nil {
		t.Error("expected subscribe error after close")
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestNew(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := b.(*ChannelBus); !ok {
		t.Errorf("expected *ChannelBus, got %T", b)
	}
	b.Close()

	if _, err := New(domain.EventBusConfig{Type: "kinesis"}); err == nil {
		t.Error("expected error for unsupported bus type")
	}
}
