package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryBusPublishConsume(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Consume(ctx, 2, func(_ context.Context, ev Event) error {
			mu.Lock()
			seen = append(seen, ev.Plugin)
			mu.Unlock()
			return nil
		})
	}()

	for _, name := range []string{"alpha", "beta", "gamma"} {
		if err := bus.Publish(ctx, Event{ID: name, Plugin: name, Action: "load", Outcome: "success"}); err != nil {
			t.Fatalf("publish %s: %v", name, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("consumed %d of 3 events", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop after cancel")
	}
}

func TestMemoryBusFullDropsInsteadOfBlocking(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()
	ctx := context.Background()

	if err := bus.Publish(ctx, Event{ID: "e1"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := bus.Publish(ctx, Event{ID: "e2"}); err == nil {
		t.Fatal("expected an error when the bus is full")
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(1)
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Closing twice must not panic.
	if err := bus.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := bus.Publish(context.Background(), Event{ID: "e1"}); err == nil {
		t.Fatal("expected an error publishing to a closed bus")
	}
}
