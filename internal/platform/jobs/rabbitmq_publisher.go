package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/finitefield/order-engine/internal/services"
)

// RabbitMQEventPublisher publishes order events to a durable topic exchange with the event type as
// routing key. The channel runs in confirm mode and Publish waits for the broker ack.
type RabbitMQEventPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string

	mu sync.Mutex
}

// NewRabbitMQEventPublisher dials url and declares exchange.
func NewRabbitMQEventPublisher(url, exchange string) (*RabbitMQEventPublisher, error) {
	url = strings.TrimSpace(url)
	exchange = strings.TrimSpace(exchange)
	if url == "" {
		return nil, errors.New("rabbitmq event publisher: url is required")
	}
	if exchange == "" {
		return nil, errors.New("rabbitmq event publisher: exchange is required")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq declare exchange %q: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}

	return &RabbitMQEventPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish sends one persistent message and blocks until the broker confirms it.
func (p *RabbitMQEventPublisher) Publish(ctx context.Context, message services.EventMessage) error {
	if p == nil || p.channel == nil {
		return errors.New("rabbitmq event publisher: not initialised")
	}

	timestamp := message.CreatedAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    message.ID,
		Type:         message.Type,
		Timestamp:    timestamp.UTC(),
		Headers:      amqp.Table{"orderId": message.AggregateID},
		Body:         message.Payload,
	}

	// amqp channels are not safe for concurrent publishes in confirm mode.
	p.mu.Lock()
	confirmation, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.exchange, message.Type, false, false, publishing)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", message.Type, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: await confirm: %w", message.Type, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: broker nacked message %s", message.Type, message.ID)
	}
	return nil
}

// Close shuts the channel and connection.
func (p *RabbitMQEventPublisher) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
