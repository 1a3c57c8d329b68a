package events

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sharkey-go/latestnote/internal/notes"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 5 * time.Second

type PublisherConfig struct {
	Channel Channel
	Queue   string
	// Fallback receives events that could not be published.
	Fallback notes.LifecycleHooks
	Timeout  time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Publisher implements notes.LifecycleHooks by sending each event to the work queue so that any
// worker process can apply it.
type Publisher struct {
	channel  Channel
	queue    string
	fallback notes.LifecycleHooks
	timeout  time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Channel == nil {
		return nil, errors.New("events: channel is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("events: queue is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		channel:  cfg.Channel,
		queue:    cfg.Queue,
		fallback: cfg.Fallback,
		timeout:  timeout,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Publish sends one event to the queue as a persistent message.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Kind),
		Body:         body,
	})
}

// OnNoteCreated implements notes.LifecycleHooks.
func (p *Publisher) OnNoteCreated(note notes.Note) {
	if p.send(Event{Kind: KindCreated, Note: &note}) || p.fallback == nil {
		return
	}
	p.fallback.OnNoteCreated(note)
}

// OnNoteRemoved implements notes.LifecycleHooks.
func (p *Publisher) OnNoteRemoved(note notes.Note) {
	if p.send(Event{Kind: KindRemoved, Note: &note}) || p.fallback == nil {
		return
	}
	p.fallback.OnNoteRemoved(note)
}

// OnNoteEdited implements notes.LifecycleHooks.
func (p *Publisher) OnNoteEdited(before, after notes.Note) {
	if p.send(Event{Kind: KindEdited, Before: &before, After: &after}) || p.fallback == nil {
		return
	}
	p.fallback.OnNoteEdited(before, after)
}

func (p *Publisher) send(event Event) bool {
	event.OccurredAt = p.clock().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Publish(ctx, event); err != nil {
		p.logger.Error("event publish failed",
			zap.String("kind", string(event.Kind)),
			zap.String("note_id", event.NoteID()),
			zap.Bool("fallback", p.fallback != nil),
			zap.Error(err))
		return false
	}
	return true
}
