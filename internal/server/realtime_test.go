package server

import (
	"context"
	"testing"
	"time"

	"github.com/sharkey-go/latestnote/internal/latestnote"
)

func receiveMessage(t *testing.T, stream <-chan RealtimeMessage) RealtimeMessage {
	t.Helper()
	select {
	case message := <-stream:
		return message
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
	return RealtimeMessage{}
}

func TestRealtimeDispatcherForwardsProjectionChanges(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	dispatcher.clock = func() time.Time { return time.Unix(1700000000, 0) }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.OnProjectionChanged(latestnote.Change{
		Key:     latestnote.Key{UserID: "user-1", IsPublic: true, IsQuote: true},
		NoteID:  "note-a",
		Outcome: latestnote.OutcomeRecorded,
	})

	received := receiveMessage(t, stream)
	if received.EventType != RealtimeEventLatestChanged {
		t.Fatalf("expected event type %s, got %s", RealtimeEventLatestChanged, received.EventType)
	}
	if received.NoteID != "note-a" || !received.IsPublic || received.IsReply || !received.IsQuote {
		t.Fatalf("unexpected message %+v", received)
	}
	if received.Outcome != string(latestnote.OutcomeRecorded) {
		t.Fatalf("unexpected outcome %s", received.Outcome)
	}
	if !received.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp %v", received.Timestamp)
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{UserID: "user-3", EventType: RealtimeEventLatestChanged, NoteID: "note-c"})

	if received := receiveMessage(t, otherStream); received.NoteID != "note-c" {
		t.Fatalf("unexpected message %+v", received)
	}
	select {
	case message := <-userStream:
		t.Fatalf("unexpected message for other user: %+v", message)
	default:
	}
}

func TestRealtimeDispatcherFansOutToEverySubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, firstCleanup := dispatcher.Subscribe(ctx, "user-1")
	defer firstCleanup()
	second, secondCleanup := dispatcher.Subscribe(ctx, "user-1")
	defer secondCleanup()

	dispatcher.Publish(RealtimeMessage{UserID: "user-1", EventType: RealtimeEventLatestChanged, NoteID: "note-d"})

	receiveMessage(t, first)
	receiveMessage(t, second)
}

func TestRealtimeDispatcherCleanupRemovesSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	_, cleanup := dispatcher.Subscribe(context.Background(), "user-4")
	if dispatcher.SubscriberCount("user-4") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cleanup()
	cleanup()
	if dispatcher.SubscriberCount("user-4") != 0 {
		t.Fatalf("expected subscriber to be removed")
	}
}

func TestRealtimeDispatcherContextCancellationUnsubscribes(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Subscribe(ctx, "user-5")
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("user-5") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherDropsWhenSubscriberIsSlow(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, "user-6")
	defer cleanup()

	for i := 0; i < defaultRealtimeBuffer+5; i++ {
		dispatcher.Publish(RealtimeMessage{UserID: "user-6", EventType: RealtimeEventLatestChanged})
	}
	if len(stream) != defaultRealtimeBuffer {
		t.Fatalf("expected buffer to hold %d messages, got %d", defaultRealtimeBuffer, len(stream))
	}
}

func TestRealtimeDispatcherEmptyUserStreamIsClosed(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()
	if _, open := <-stream; open {
		t.Fatalf("expected closed stream")
	}
}
