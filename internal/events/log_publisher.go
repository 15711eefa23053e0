package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/bikeshop/order-service/internal/services"
)

// LogPublisher writes events to the structured log. It is the development sink.
type LogPublisher struct {
	logger *zap.Logger
}

var _ services.EventPublisher = (*LogPublisher)(nil)

// NewLogPublisher returns a publisher logging through logger, or a no-op logger when nil.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, event services.Event) error {
	env := NewEnvelope(event)
	p.logger.Info("order event",
		zap.String("type", env.Type),
		zap.String("correlationId", env.CorrelationID),
		zap.Time("timestamp", env.Timestamp),
		zap.Any("data", env.Data),
	)
	return nil
}
