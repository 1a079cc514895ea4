package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/vatcalc/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var received atomic.Bool
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			received.Store(true)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		// Allow subscription to be active
		time.Sleep(10 * time.Millisecond)

		err = bus.Publish(ctx, "test.topic", []byte("hello"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		// Wait for message
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			// Success
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		if !received.Load() {
			t.Error("message not received")
		}

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != "test.topic" {
			t.Errorf("expected topic 'test.topic', got '%s'", receivedMsg.Topic)
		}
		if receivedMsg.ID == "" {
			t.Error("expected message ID to be set")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var received1 atomic.Int32
		var received2 atomic.Int32

		bus.Subscribe(ctx, "isolation.one", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, "isolation.two", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "isolation.one", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if received1.Load() != 1 {
			t.Errorf("first topic should receive 1 message, got %d", received1.Load())
		}
		if received2.Load() != 0 {
			t.Errorf("second topic should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		err := bus.Publish(ctx, "", []byte("data"))
		if err == nil {
			t.Error("expected error for empty topic")
		}

		_, err = bus.Subscribe(ctx, "", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		bus.Subscribe(ctx, "echo.topic", func(ctx context.Context, msg *domain.Message) error {
			return Reply(ctx, bus, msg, append([]byte("re: "), msg.Payload...))
		})

		time.Sleep(10 * time.Millisecond)

		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		reply, err := bus.Request(reqCtx, "echo.topic", []byte("ping"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(reply) != "re: ping" {
			t.Errorf("expected 're: ping', got '%s'", string(reply))
		}
	})

	t.Run("RequestWithoutResponder", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := bus.Request(reqCtx, "nobody.topic", []byte("ping"))
		if err == nil {
			t.Error("expected timeout error")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		// Should still be 1 after unsubscribe
		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Operations should fail after close
	if err := bus.Publish(ctx, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		_, ok := bus.(*ChannelBus)
		if !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "kafka",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	// Publish many messages
	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	// Wait for all messages
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

func TestResultPublisher(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	ctx := context.Background()
	got := make(chan *domain.Message, 1)

	bus.Subscribe(ctx, domain.TopicCalculationCompleted, func(ctx context.Context, msg *domain.Message) error {
		got <- msg
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	result := &domain.CalculationResult{ID: "calc-1", Currency: "EUR"}
	if err := NewResultPublisher(bus).Consume(ctx, result); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	select {
	case msg := <-got:
		var decoded domain.CalculationResult
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("payload is not a result: %v", err)
		}
		if decoded.ID != "calc-1" {
			t.Errorf("expected ID calc-1, got %s", decoded.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for published result")
	}
}

func TestReplyWithoutReplyTopic(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	msg := &domain.Message{Topic: "t", Metadata: map[string]string{}}
	if err := Reply(context.Background(), bus, msg, []byte("x")); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestChannelBusQueueGroup(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	ctx := context.Background()
	var first, second, plain int64
	var wg sync.WaitGroup

	counter := func(n *int64) domain.MessageHandler {
		return func(ctx context.Context, msg *domain.Message) error {
			atomic.AddInt64(n, 1)
			wg.Done()
			return nil
		}
	}

	if _, err := b.QueueSubscribe(ctx, "jobs", "workers", counter(&first)); err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}
	if _, err := b.QueueSubscribe(ctx, "jobs", "workers", counter(&second)); err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}
	if _, err := b.Subscribe(ctx, "jobs", counter(&plain)); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	const n = 10
	wg.Add(2 * n)
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, "jobs", []byte("job")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for deliveries")
	}

	if got := atomic.LoadInt64(&plain); got != n {
		t.Errorf("plain subscriber expected %d messages, got %d", n, got)
	}
	if a, c := atomic.LoadInt64(&first), atomic.LoadInt64(&second); a+c != n || a != n/2 {
		t.Errorf("queue group expected %d messages split evenly, got %d and %d", n, a, c)
	}
}

func TestChannelBusIsQueueSubscriber(t *testing.T) {
	var b domain.EventBus = NewChannelBus(1)
	defer b.Close()
	if _, ok := b.(domain.QueueSubscriber); !ok {
		t.Error("expected ChannelBus to support queue subscriptions")
	}
}
