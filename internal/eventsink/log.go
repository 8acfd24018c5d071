package eventsink

import (
	"context"

	"go.uber.org/zap"

	"captable/internal/logger"
)

// LogSink writes events to the structured application log. It is the
// default sink for local development.
type LogSink struct {
	log *zap.SugaredLogger
}

// NewLogSink creates a sink backed by the global logger.
func NewLogSink() *LogSink {
	return &LogSink{log: logger.Named("audit")}
}

// Emit logs the event.
func (s *LogSink) Emit(_ context.Context, event Event) error {
	s.log.Infow("audit event",
		"event_id", event.ID,
		"event_type", event.EventType,
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
		"actor_id", event.ActorID,
		"timestamp", event.Timestamp,
	)
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
