package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sharkey-go/latestnote/internal/latestnote"
)

const (
	RealtimeEventLatestChanged = "latest-changed"
	realtimeEventHeartbeat     = "heartbeat"
	defaultRealtimeBuffer      = 16
)

// RealtimeMessage describes one projection change of a user.
type RealtimeMessage struct {
	UserID    string    `json:"user_id"`
	EventType string    `json:"-"`
	NoteID    string    `json:"note_id"`
	IsPublic  bool      `json:"is_public"`
	IsReply   bool      `json:"is_reply"`
	IsQuote   bool      `json:"is_quote"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

// RealtimeDispatcher fans projection changes out to per-user subscribers. It implements
// latestnote.ChangeObserver. Slow subscribers miss messages instead of blocking writers.
type RealtimeDispatcher struct {
	subscribers *xsync.MapOf[string, []*realtimeSubscriber]
	nextID      atomic.Int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: xsync.NewMapOf[string, []*realtimeSubscriber](),
		bufferSize:  defaultRealtimeBuffer,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for userID that lives until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextID.Add(1),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.subscribers.Compute(userID, func(current []*realtimeSubscriber, _ bool) ([]*realtimeSubscriber, bool) {
		next := make([]*realtimeSubscriber, 0, len(current)+1)
		next = append(next, current...)
		return append(next, subscriber), false
	})

	stop := make(chan struct{})
	var once atomic.Bool
	cleanup := func() {
		if once.CompareAndSwap(false, true) {
			d.unsubscribe(userID, subscriber.id)
			close(stop)
		}
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-stop:
		}
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to the current subscribers of its user.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	subscribers, ok := d.subscribers.Load(message.UserID)
	if !ok {
		return
	}
	for _, subscriber := range subscribers {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// OnProjectionChanged implements latestnote.ChangeObserver.
func (d *RealtimeDispatcher) OnProjectionChanged(change latestnote.Change) {
	d.Publish(RealtimeMessage{
		UserID:    change.Key.UserID,
		EventType: RealtimeEventLatestChanged,
		NoteID:    change.NoteID,
		IsPublic:  change.Key.IsPublic,
		IsReply:   change.Key.IsReply,
		IsQuote:   change.Key.IsQuote,
		Outcome:   string(change.Outcome),
		Timestamp: d.clock().UTC(),
	})
}

// SubscriberCount returns the number of open streams for userID.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	subscribers, _ := d.subscribers.Load(userID)
	return len(subscribers)
}

func (d *RealtimeDispatcher) unsubscribe(userID string, subscriberID int64) {
	d.subscribers.Compute(userID, func(current []*realtimeSubscriber, loaded bool) ([]*realtimeSubscriber, bool) {
		if !loaded {
			return nil, true
		}
		next := make([]*realtimeSubscriber, 0, len(current))
		for _, subscriber := range current {
			if subscriber.id != subscriberID {
				next = append(next, subscriber)
			}
		}
		return next, len(next) == 0
	})
}
