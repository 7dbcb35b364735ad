package jobs

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/finitefield/order-engine/internal/services"
)

func TestPubSubEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	defer topic.Stop()

	publisher, err := NewPubSubEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	createdAt := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	msg := services.EventMessage{
		ID:          "evt-1",
		Type:        "order.created",
		AggregateID: "ord_1",
		Payload:     []byte(`{"orderId":"ord_1","type":"order.created"}`),
		CreatedAt:   createdAt,
	}
	if err := publisher.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	got := messages[0]
	if string(got.Data) != string(msg.Payload) {
		t.Fatalf("unexpected payload %s", got.Data)
	}
	if got.Attributes["eventId"] != "evt-1" || got.Attributes["eventType"] != "order.created" || got.Attributes["orderId"] != "ord_1" {
		t.Fatalf("unexpected attributes %#v", got.Attributes)
	}
	if got.Attributes["occurredAt"] != "2025-03-10T09:00:00Z" {
		t.Fatalf("unexpected occurredAt %q", got.Attributes["occurredAt"])
	}
	if got.OrderingKey != "ord_1" {
		t.Fatalf("expected order id as ordering key, got %q", got.OrderingKey)
	}
}

func TestNewPubSubEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubEventPublisher(nil); err == nil {
		t.Fatal("expected error without topic")
	}
}
