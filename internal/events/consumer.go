package events

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sharkey-go/latestnote/internal/latestnote"
	"github.com/sharkey-go/latestnote/internal/notes"
	"go.uber.org/zap"
)

const defaultPrefetch = 16

// Handler applies lifecycle events synchronously. *latestnote.Service satisfies it.
type Handler interface {
	HandleCreatedNote(ctx context.Context, note notes.Note) (latestnote.Outcome, error)
	HandleDeletedNote(ctx context.Context, note notes.Note) (latestnote.Outcome, error)
	HandleUpdatedNote(ctx context.Context, before, after notes.Note) (latestnote.EditOutcome, error)
}

type ConsumerConfig struct {
	Channel  Channel
	Queue    string
	Name     string
	Prefetch int
	Handler  Handler
	Logger   *zap.Logger
}

// Consumer applies queued events to the projection. Malformed messages are discarded; handler
// failures are requeued, which is safe because the handlers tolerate replay.
type Consumer struct {
	channel  Channel
	queue    string
	name     string
	prefetch int
	handler  Handler
	logger   *zap.Logger
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Channel == nil {
		return nil, errors.New("events: channel is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("events: queue is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("events: handler is required")
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		channel:  cfg.Channel,
		queue:    cfg.Queue,
		name:     cfg.Name,
		prefetch: prefetch,
		handler:  cfg.Handler,
		logger:   logger,
	}, nil
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("events: set prefetch: %w", err)
	}
	deliveries, err := c.channel.Consume(c.queue, c.name, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("events: consume %s: %w", c.queue, err)
	}
	c.logger.Info("event consumer started", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("events: delivery channel closed")
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	event, err := Decode(delivery.Body)
	if err != nil {
		c.logger.Warn("discarding malformed event", zap.Uint64("delivery_tag", delivery.DeliveryTag), zap.Error(err))
		c.settle(delivery.Nack(false, false))
		return
	}

	if err := c.dispatch(ctx, event); err != nil {
		c.logger.Error("event handling failed",
			zap.String("kind", string(event.Kind)),
			zap.String("note_id", event.NoteID()),
			zap.Bool("redelivered", delivery.Redelivered),
			zap.Error(err))
		c.settle(delivery.Nack(false, true))
		return
	}
	c.settle(delivery.Ack(false))
}

func (c *Consumer) dispatch(ctx context.Context, event Event) error {
	switch event.Kind {
	case KindCreated:
		_, err := c.handler.HandleCreatedNote(ctx, *event.Note)
		return err
	case KindRemoved:
		_, err := c.handler.HandleDeletedNote(ctx, *event.Note)
		return err
	case KindEdited:
		_, err := c.handler.HandleUpdatedNote(ctx, *event.Before, *event.After)
		return err
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, event.Kind)
	}
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.Warn("delivery acknowledgement failed", zap.Error(err))
	}
}
