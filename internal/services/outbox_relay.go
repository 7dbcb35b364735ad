package services

import (
	"context"
	"errors"
	"time"

	"github.com/finitefield/order-engine/internal/repositories"
)

const (
	defaultRelayBatchSize   = 50
	defaultRelayInterval    = 10 * time.Second
	defaultRelayMaxAttempts = 10
)

// OutboxRelayDeps bundles collaborators required by the outbox relay.
type OutboxRelayDeps struct {
	Outbox    repositories.OutboxRepository
	Publisher EventPublisher
	BatchSize int
	// MaxAttempts is how many failed publishes a record gets before the relay stops fetching it.
	MaxAttempts int
	Clock       func() time.Time
	Metrics     Metrics
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type outboxRelay struct {
	outbox      repositories.OutboxRepository
	publisher   EventPublisher
	batchSize   int
	maxAttempts int
	clock       func() time.Time
	metrics     Metrics
	logger      func(context.Context, string, map[string]any)
}

var _ OutboxRelay = (*outboxRelay)(nil)

// NewOutboxRelay constructs the relay that drains committed order events to the publisher. Delivery is
// at least once: a crash between publish and MarkSent republishes the record.
func NewOutboxRelay(deps OutboxRelayDeps) (OutboxRelay, error) {
	if deps.Outbox == nil {
		return nil, errors.New("outbox relay: outbox repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("outbox relay: publisher is required")
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultRelayBatchSize
	}
	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultRelayMaxAttempts
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &outboxRelay{
		outbox:      deps.Outbox,
		publisher:   deps.Publisher,
		batchSize:   batch,
		maxAttempts: maxAttempts,
		clock:       func() time.Time { return clock().UTC() },
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// RelayPending publishes one batch of unsent records, least attempted and then oldest first. A publish
// failure is recorded on the record and the batch continues. A record that reaches the attempt cap is
// parked: it stays unsent with its last error and is no longer fetched.
func (r *outboxRelay) RelayPending(ctx context.Context) (RelayResult, error) {
	records, err := r.outbox.FetchPending(ctx, r.batchSize, r.maxAttempts)
	if err != nil {
		return RelayResult{}, mapRepositoryError(err, "", "")
	}

	var result RelayResult
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			r.metrics.ObserveOutboxRelay(result.Sent, result.Failed)
			return result, err
		}
		pubErr := r.publisher.Publish(ctx, EventMessage{
			ID:          record.ID,
			Type:        record.EventType,
			AggregateID: record.AggregateID,
			Payload:     record.Payload,
			CreatedAt:   record.CreatedAt,
		})
		if pubErr != nil {
			result.Failed++
			r.logger(ctx, "outbox.publish.failed", map[string]any{
				"eventId":  record.ID,
				"type":     record.EventType,
				"attempts": record.Attempts + 1,
				"error":    pubErr.Error(),
			})
			if err := r.outbox.MarkFailed(ctx, record.ID, pubErr.Error()); err != nil {
				r.metrics.ObserveOutboxRelay(result.Sent, result.Failed)
				return result, mapRepositoryError(err, "", "")
			}
			if record.Attempts+1 >= r.maxAttempts {
				r.logger(ctx, "outbox.record.parked", map[string]any{
					"eventId":     record.ID,
					"type":        record.EventType,
					"aggregateId": record.AggregateID,
					"attempts":    record.Attempts + 1,
				})
			}
			continue
		}
		if err := r.outbox.MarkSent(ctx, record.ID, r.clock()); err != nil {
			r.metrics.ObserveOutboxRelay(result.Sent, result.Failed)
			return result, mapRepositoryError(err, "", "")
		}
		result.Sent++
	}
	r.metrics.ObserveOutboxRelay(result.Sent, result.Failed)
	return result, nil
}

// Run relays pending records once per interval until ctx is cancelled.
func (r *outboxRelay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RelayPending(ctx); err != nil && ctx.Err() == nil {
				r.logger(ctx, "outbox.relay.failed", map[string]any{"error": err.Error()})
			}
		}
	}
}
