package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// Channel is the subset of *amqp.Channel the publisher and consumer use.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// Connection owns an AMQP connection and one channel on it.
type Connection struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects to the broker and opens a channel.
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: connect to broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	return &Connection{conn: conn, channel: channel}, nil
}

// Channel returns the open channel.
func (c *Connection) Channel() *amqp.Channel {
	return c.channel
}

// Close closes the channel and the connection.
func (c *Connection) Close() error {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// DeclareQueue declares the durable work queue shared by publishers and consumers.
func DeclareQueue(channel Channel, name string) error {
	if _, err := channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("events: declare queue %s: %w", name, err)
	}
	return nil
}
