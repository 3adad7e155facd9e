package server

import (
	"context"
	"testing"
	"time"
)

func TestChangeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(ViewEventInbox, map[string]string{"conversationId": "c1"})

	select {
	case received := <-stream:
		if received.Kind != ViewEventInbox {
			t.Fatalf("expected kind %s, got %s", ViewEventInbox, received.Kind)
		}
		if received.Source != viewSourceSync || received.Timestamp.IsZero() {
			t.Fatalf("unexpected event metadata: %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected view event within deadline")
	}
}

func TestChangeDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	for index := 0; index < dispatcher.bufferSize+10; index++ {
		dispatcher.Publish(ViewEventCampaign, index)
	}
	if len(stream) != dispatcher.bufferSize {
		t.Fatalf("expected buffer of %d, got %d", dispatcher.bufferSize, len(stream))
	}
	first := <-stream
	if first.Payload != 0 {
		t.Fatalf("expected oldest event first, got %v", first.Payload)
	}
}

func TestChangeDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.SubscriberCount())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancellation")
		}
		time.Sleep(time.Millisecond)
	}
	dispatcher.Publish(ViewEventConnection, nil)
}

func TestChangeDispatcherIgnoresEmptyKind(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish("", "ignored")
	select {
	case event := <-stream:
		t.Fatalf("unexpected event %+v", event)
	default:
	}
}
