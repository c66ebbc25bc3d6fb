package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/laurels/internal/competition"
)

func TestStatusDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewStatusDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "event-1")
	defer cleanup()

	dispatcher.StatusChanged(competition.StatusChange{
		EventID:   "event-1",
		Status:    competition.StatusReview,
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Status != competition.StatusReview {
			t.Fatalf("expected status %s, got %s", competition.StatusReview, received.Status)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected status change within deadline")
	}
}

func TestStatusDispatcherIsolatedByEvent(t *testing.T) {
	dispatcher := NewStatusDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstStream, cleanup := dispatcher.Subscribe(ctx, "event-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "event-3")
	defer otherCleanup()

	dispatcher.StatusChanged(competition.StatusChange{
		EventID:   "event-3",
		Status:    competition.StatusScoringOpen,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-firstStream:
		t.Fatal("did not expect a status change for an unrelated event")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case change := <-otherStream:
		if change.EventID != "event-3" {
			t.Fatalf("expected event-3, received %s", change.EventID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected status change for subscribed event")
	}
}

func TestStatusDispatcherDropsSubscribersOnCancel(t *testing.T) {
	dispatcher := NewStatusDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "event-4")
	defer cleanup()
	if dispatcher.subscriberCount("event-4") != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.subscriberCount("event-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatusDispatcherNeverBlocksOnFullSubscriber(t *testing.T) {
	dispatcher := NewStatusDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := dispatcher.Subscribe(ctx, "event-5")
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for index := 0; index < statusSubscriberQueue*4; index++ {
			dispatcher.StatusChanged(competition.StatusChange{EventID: "event-5", Status: competition.StatusReview})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected publishing to a full subscriber to drop messages")
	}
}
