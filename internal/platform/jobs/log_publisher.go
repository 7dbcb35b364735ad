package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/finitefield/order-engine/internal/services"
)

// LogEventPublisher writes events to the structured log. It backs local development where no
// broker is configured.
type LogEventPublisher struct {
	logger *zap.Logger
}

func NewLogEventPublisher(logger *zap.Logger) *LogEventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEventPublisher{logger: logger.Named("events")}
}

func (p *LogEventPublisher) Publish(_ context.Context, message services.EventMessage) error {
	p.logger.Info("order event",
		zap.String("eventId", message.ID),
		zap.String("eventType", message.Type),
		zap.String("orderId", message.AggregateID),
		zap.Time("occurredAt", message.CreatedAt),
		zap.ByteString("payload", message.Payload),
	)
	return nil
}
