package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "owner-1")
	defer cleanup()

	message := RealtimeMessage{
		OwnerID:   "owner-1",
		EventType: RealtimeEventPageChanged,
		PageIDs:   []string{"page-a", "page-b"},
		Timestamp: time.Now().UTC(),
	}
	dispatcher.Publish(message)

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventPageChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventPageChanged, received.EventType)
		}
		if len(received.PageIDs) != 2 {
			t.Fatalf("expected 2 page ids, got %d", len(received.PageIDs))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByOwner(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	ownerStream, cleanup := dispatcher.Subscribe(ctx, "owner-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "owner-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		OwnerID:   "owner-3",
		EventType: RealtimeEventBlockChanged,
		PageIDs:   []string{"page-c"},
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-ownerStream:
		t.Fatal("did not expect realtime message for unrelated owner")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.OwnerID != "owner-3" {
			t.Fatalf("expected owner-3, received %s", msg.OwnerID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed owner")
	}
}

func TestRealtimeDispatcherIgnoresAnonymousSubscription(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()

	if _, open := <-stream; open {
		t.Fatal("expected closed stream for anonymous subscriber")
	}
}

func TestRealtimeDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "owner-4")
	defer cleanup()
	cancel()

	deadline := time.After(500 * time.Millisecond)
	for {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers["owner-4"])
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected subscriber removed after context cancellation")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
