package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// waitFor polls cond until it holds or the deadline passes.
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
		_, err := bus.Subscribe(ctx, domain.TopicFlagDecision, "", func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicFlagDecision, []byte(`{"action":"BLOCK"}`)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-got:
			if string(msg.Payload) != `{"action":"BLOCK"}` {
				t.Errorf("unexpected payload %q", msg.Payload)
			}
			if msg.Topic != domain.TopicFlagDecision {
				t.Errorf("expected topic %s, got %s", domain.TopicFlagDecision, msg.Topic)
			}
			if msg.ID == "" {
				t.Error("expected message ID")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var blocks, decisions atomic.Int32
		bus.Subscribe(ctx, "iso.block", "", func(ctx context.Context, msg *domain.Message) error {
			blocks.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "iso.decision", "", func(ctx context.Context, msg *domain.Message) error {
			decisions.Add(1)
			return nil
		})

		bus.Publish(ctx, "iso.block", []byte("b"))
		waitFor(t, func() bool { return blocks.Load() == 1 })
		time.Sleep(20 * time.Millisecond)

		if decisions.Load() != 0 {
			t.Errorf("decision subscriber should receive nothing, got %d", decisions.Load())
		}
	})

	t.Run("BroadcastWithoutGroup", func(t *testing.T) {
		var count1, count2 atomic.Int32
		bus.Subscribe(ctx, "multi.topic", "", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "multi.topic", "", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		waitFor(t, func() bool { return count1.Load() == 1 && count2.Load() == 1 })
	})

	t.Run("GroupSharesMessages", func(t *testing.T) {
		var total atomic.Int32
		for i := 0; i < 3; i++ {
			bus.Subscribe(ctx, "group.topic", "workers", func(ctx context.Context, msg *domain.Message) error {
				total.Add(1)
				return nil
			})
		}

		for i := 0; i < 30; i++ {
			bus.Publish(ctx, "group.topic", []byte("signal"))
		}
		waitFor(t, func() bool { return total.Load() == 30 })
		time.Sleep(20 * time.Millisecond)

		if total.Load() != 30 {
			t.Errorf("each message should be handled once, got %d handlings", total.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, _ := bus.Subscribe(ctx, "unsub.topic", "", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		waitFor(t, func() bool { return count.Load() == 1 })

		sub.Unsubscribe()
		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(30 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
		if err := sub.Unsubscribe(); err != nil {
			t.Errorf("second unsubscribe should be a no-op, got %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", "", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})
	bus.Subscribe(ctx, "slow.topic", "", func(ctx context.Context, msg *domain.Message) error {
		<-release
		return nil
	})

	for i := 0; i < 10; i++ {
		bus.Publish(ctx, "slow.topic", []byte("x"))
	}
	close(release)

	if bus.Dropped() == 0 {
		t.Error("expected dropped messages with a full buffer")
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", "", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Publish(ctx, "close.topic", []byte("data")); err != ErrBusClosed {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "close.topic", "", nil); err != ErrBusClosed {
		t.Errorf("expected ErrBusClosed on subscribe, got %v", err)
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
