package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/finitefield/order-engine/internal/services"
)

// PubSubEventPublisher publishes order outbox events to a Pub/Sub topic. Messages carry the order id
// as ordering key so subscribers see one order's events in commit order.
type PubSubEventPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubEventPublisher enables message ordering on topic and wraps it.
func NewPubSubEventPublisher(topic *pubsub.Topic) (*PubSubEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubEventPublisher{topic: topic}, nil
}

// Publish sends one event and waits for the server acknowledgement.
func (p *PubSubEventPublisher) Publish(ctx context.Context, message services.EventMessage) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	orderingKey := strings.TrimSpace(message.AggregateID)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        message.Payload,
		Attributes:  eventAttributes(message),
		OrderingKey: orderingKey,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses its ordering key until resumed.
		if orderingKey != "" {
			p.topic.ResumePublish(orderingKey)
		}
		return fmt.Errorf("publish %s: %w", message.Type, err)
	}
	return nil
}

func eventAttributes(message services.EventMessage) map[string]string {
	attrs := make(map[string]string, 4)
	setAttr(attrs, "eventId", message.ID)
	setAttr(attrs, "eventType", message.Type)
	setAttr(attrs, "orderId", message.AggregateID)
	if !message.CreatedAt.IsZero() {
		attrs["occurredAt"] = message.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
