package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/finitefield/order-engine/internal/repositories"
)

const (
	defaultSweepBatchSize = 100
	defaultSweepInterval  = time.Hour
	defaultSweepCutoff    = 24 * time.Hour
	sweeperActorID        = "system:expiration-sweeper"
	sweeperCancelReason   = "expired"
)

// OrderExpirationSweeperDeps bundles collaborators required by the sweeper.
type OrderExpirationSweeperDeps struct {
	Orders    repositories.OrderRepository
	Lifecycle OrderService
	BatchSize int
	Clock     func() time.Time
	Tracer    trace.Tracer
	Metrics   Metrics
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type orderExpirationSweeper struct {
	orders    repositories.OrderRepository
	lifecycle OrderService
	batchSize int
	clock     func() time.Time
	tracer    trace.Tracer
	metrics   Metrics
	logger    func(context.Context, string, map[string]any)
}

var _ OrderExpirationSweeper = (*orderExpirationSweeper)(nil)

// NewOrderExpirationSweeper constructs a sweeper that cancels stale pending orders through the lifecycle
// service, so expiry follows exactly the same path as a customer cancellation.
func NewOrderExpirationSweeper(deps OrderExpirationSweeperDeps) (OrderExpirationSweeper, error) {
	if deps.Orders == nil {
		return nil, errors.New("order expiration sweeper: order repository is required")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("order expiration sweeper: order service is required")
	}

	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/finitefield/order-engine/internal/services")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderExpirationSweeper{
		orders:    deps.Orders,
		lifecycle: deps.Lifecycle,
		batchSize: batch,
		clock: func() time.Time {
			return clock().UTC()
		},
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// SweepExpired cancels pending orders created more than cutoff ago. Orders confirmed concurrently are
// counted as skipped; other failures are counted and logged without stopping the sweep.
func (s *orderExpirationSweeper) SweepExpired(ctx context.Context, cutoff time.Duration) (SweepResult, error) {
	if cutoff <= 0 {
		return SweepResult{}, &ValidationError{Field: "cutoff", Reason: "must be positive"}
	}

	ctx, span := s.tracer.Start(ctx, "orders.sweep_expired")
	defer span.End()

	threshold := s.clock().Add(-cutoff)
	span.SetAttributes(
		attribute.String("orders.sweep.threshold", threshold.Format(time.RFC3339)),
		attribute.Int("orders.sweep.batch_size", s.batchSize),
	)

	var (
		result SweepResult
		after  *repositories.PendingOrderRef
	)
	for {
		page, err := s.orders.ListPendingCreatedBefore(ctx, threshold, after, s.batchSize)
		if err != nil {
			err = mapRepositoryError(err, "", "")
			span.RecordError(err)
			span.SetStatus(codes.Error, "list expired orders")
			s.metrics.ObserveSweep(result.Cancelled, result.Skipped, result.Failed)
			return result, err
		}

		for _, ref := range page {
			if err := ctx.Err(); err != nil {
				s.metrics.ObserveSweep(result.Cancelled, result.Skipped, result.Failed)
				return result, err
			}
			result.Scanned++
			_, err := s.lifecycle.Cancel(ctx, OrderTransitionCommand{
				OrderID: ref.ID,
				ActorID: sweeperActorID,
				Reason:  sweeperCancelReason,
			})
			switch {
			case err == nil:
				result.Cancelled++
			case errors.Is(err, ErrOrderInvalidState):
				result.Skipped++
			default:
				result.Failed++
				s.logger(ctx, "order.sweep.cancel_failed", map[string]any{
					"orderId": ref.ID,
					"error":   err.Error(),
				})
			}
		}

		// Failed orders stay pending, so the next page resumes past this one instead of re-reading it.
		if len(page) < s.batchSize {
			break
		}
		last := page[len(page)-1]
		after = &last
	}

	span.SetAttributes(
		attribute.Int("orders.sweep.cancelled", result.Cancelled),
		attribute.Int("orders.sweep.skipped", result.Skipped),
		attribute.Int("orders.sweep.failed", result.Failed),
	)
	s.metrics.ObserveSweep(result.Cancelled, result.Skipped, result.Failed)
	if result.Scanned > 0 {
		s.logger(ctx, "order.sweep.completed", map[string]any{
			"cancelled": result.Cancelled,
			"skipped":   result.Skipped,
			"failed":    result.Failed,
			"threshold": threshold,
		})
	}
	return result, nil
}

// Run sweeps once per interval until ctx is cancelled.
func (s *orderExpirationSweeper) Run(ctx context.Context, interval, cutoff time.Duration) error {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if cutoff <= 0 {
		cutoff = defaultSweepCutoff
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx, cutoff); err != nil && ctx.Err() == nil {
				s.logger(ctx, "order.sweep.failed", map[string]any{"error": err.Error()})
			}
		}
	}
}
