package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/finitefield/order-engine/internal/domain"
)

type capturePublisher struct {
	messages []EventMessage
	failFor  map[string]error
}

func (c *capturePublisher) Publish(_ context.Context, message EventMessage) error {
	if err := c.failFor[message.ID]; err != nil {
		return err
	}
	c.messages = append(c.messages, message)
	return nil
}

func TestOutboxRelayPublishesAndMarks(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	for i, id := range []string{"evt-1", "evt-2", "evt-3"} {
		err := f.store.Outbox().Insert(ctx, domain.OutboxRecord{
			ID:          id,
			EventType:   orderEventCreated,
			AggregateID: "ord_1",
			Payload:     []byte(`{"orderId":"ord_1"}`),
			CreatedAt:   baseTime.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	publisher := &capturePublisher{failFor: map[string]error{"evt-2": errors.New("broker unavailable")}}
	relay, err := NewOutboxRelay(OutboxRelayDeps{
		Outbox:    f.store.Outbox(),
		Publisher: publisher,
		Clock:     f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewOutboxRelay: %v", err)
	}

	result, err := relay.RelayPending(ctx)
	if err != nil {
		t.Fatalf("RelayPending: %v", err)
	}
	if result.Sent != 2 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(publisher.messages) != 2 || publisher.messages[0].ID != "evt-1" || publisher.messages[1].ID != "evt-3" {
		t.Fatalf("expected records relayed oldest first, got %+v", publisher.messages)
	}
	if publisher.messages[0].Type != orderEventCreated || string(publisher.messages[0].Payload) != `{"orderId":"ord_1"}` {
		t.Fatalf("unexpected message: %+v", publisher.messages[0])
	}

	pending, _ := f.store.Outbox().FetchPending(ctx, 10, 0)
	if len(pending) != 1 || pending[0].ID != "evt-2" || pending[0].Attempts != 1 || pending[0].LastError != "broker unavailable" {
		t.Fatalf("expected only the failed record to remain pending, got %+v", pending)
	}

	delete(publisher.failFor, "evt-2")
	result, err = relay.RelayPending(ctx)
	if err != nil || result.Sent != 1 {
		t.Fatalf("expected retry to succeed, got %+v err=%v", result, err)
	}
	if pending, _ := f.store.Outbox().FetchPending(ctx, 10, 0); len(pending) != 0 {
		t.Fatalf("expected outbox drained, got %+v", pending)
	}
}

func TestOutboxRelayParksRecordsThatKeepFailing(t *testing.T) {
	f := newOrderFixture(t)
	ctx := context.Background()
	// Both poisoned records are older than the good one and together fill a batch.
	for i, id := range []string{"evt-poison-1", "evt-poison-2", "evt-good"} {
		err := f.store.Outbox().Insert(ctx, domain.OutboxRecord{
			ID:          id,
			EventType:   orderEventCreated,
			AggregateID: "ord_" + id,
			Payload:     []byte(`{}`),
			CreatedAt:   baseTime.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	rejected := errors.New("message rejected")
	publisher := &capturePublisher{failFor: map[string]error{"evt-poison-1": rejected, "evt-poison-2": rejected}}
	var parked []string
	relay, err := NewOutboxRelay(OutboxRelayDeps{
		Outbox:      f.store.Outbox(),
		Publisher:   publisher,
		BatchSize:   2,
		MaxAttempts: 3,
		Clock:       f.clock.Now,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			if event == "outbox.record.parked" {
				parked = append(parked, fields["eventId"].(string))
			}
		},
	})
	if err != nil {
		t.Fatalf("NewOutboxRelay: %v", err)
	}

	if _, err := relay.RelayPending(ctx); err != nil {
		t.Fatalf("RelayPending: %v", err)
	}
	result, err := relay.RelayPending(ctx)
	if err != nil {
		t.Fatalf("RelayPending: %v", err)
	}
	if result.Sent != 1 || len(publisher.messages) != 1 || publisher.messages[0].ID != "evt-good" {
		t.Fatalf("expected the good record published despite failing older ones, got %+v %+v", result, publisher.messages)
	}

	for range 5 {
		if _, err := relay.RelayPending(ctx); err != nil {
			t.Fatalf("RelayPending: %v", err)
		}
	}
	if len(parked) != 2 {
		t.Fatalf("expected both poisoned records parked once, got %v", parked)
	}
	if pending, _ := f.store.Outbox().FetchPending(ctx, 10, 3); len(pending) != 0 {
		t.Fatalf("expected nothing left to relay, got %+v", pending)
	}
	stuck, _ := f.store.Outbox().FetchPending(ctx, 10, 0)
	if len(stuck) != 2 || stuck[0].Attempts != 3 || stuck[0].LastError != "message rejected" {
		t.Fatalf("expected parked records kept with their last error, got %+v", stuck)
	}
}

func TestNewOutboxRelayRequiresDependencies(t *testing.T) {
	if _, err := NewOutboxRelay(OutboxRelayDeps{}); err == nil {
		t.Fatal("expected error without repository")
	}
	f := newOrderFixture(t)
	if _, err := NewOutboxRelay(OutboxRelayDeps{Outbox: f.store.Outbox()}); err == nil {
		t.Fatal("expected error without publisher")
	}
}
