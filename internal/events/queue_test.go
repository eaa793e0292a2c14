package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryQueueFanOut(t *testing.T) {
	queue := NewMemoryQueue(4)
	t.Cleanup(func() { _ = queue.Close() })

	first := queue.Subscribe()
	second := queue.Subscribe()

	event := Event{Type: ConsumerCreated, StreamID: 1, ClientID: "viewer-1", Kind: "video"}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, sub := range []Subscription{first, second} {
		select {
		case got := <-sub.Events():
			if got.Type != ConsumerCreated || got.ClientID != "viewer-1" {
				t.Fatalf("subscriber %d got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}

func TestMemoryQueueDropsWhenSubscriberIsFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	t.Cleanup(sub.Close)

	for i := 0; i < 3; i++ {
		if err := queue.Publish(context.Background(), Event{Type: TransportCreated, Detail: string(rune('a' + i))}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got := <-sub.Events()
	if got.Detail != "a" {
		t.Fatalf("expected first event to be kept, got %q", got.Detail)
	}
	select {
	case extra := <-sub.Events():
		t.Fatalf("expected remaining events to be dropped, got %+v", extra)
	default:
	}
}

func TestMemoryQueueRejectsUntypedEvents(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), Event{}); !errors.Is(err, ErrEventType) {
		t.Fatalf("expected ErrEventType, got %v", err)
	}
}

func TestMemoryQueueCloseEndsSubscriptions(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected events channel to be closed")
	}
	// Closing again is a no-op.
	sub.Close()
	if err := queue.Publish(context.Background(), Event{Type: SessionClosed}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
