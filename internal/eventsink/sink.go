// Package eventsink delivers audit events to external observability and
// eventing systems. Sinks are selected by configuration; the audit trail
// only depends on the Sink interface.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event is the wire form of an audit record handed to a sink.
type Event struct {
	ID          string         `json:"id"`
	EventType   string         `json:"event_type"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	ActorID     string         `json:"actor_id"`
	BeforeState map[string]any `json:"before_state,omitempty"`
	AfterState  map[string]any `json:"after_state,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Sink emits a single event. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, event Event) error
	Close() error
}

// BatchSink is implemented by sinks that can deliver several events in one
// round trip. The returned slice has one entry per event, nil on success.
// A non-nil second return value means the batch as a whole could not be
// attempted and the caller should fall back to per-event delivery.
type BatchSink interface {
	Sink
	EmitBatch(ctx context.Context, events []Event) ([]error, error)
}

// Kinds accepted by New.
const (
	KindLog   = "log"
	KindKafka = "kafka"
	KindRedis = "redis"
)

// Options configures the sink built by New.
type Options struct {
	Kind                   string
	KafkaBrokers           []string
	KafkaTopic             string
	// KafkaPartitions > 0 makes New create the topic when it is missing.
	KafkaPartitions        int32
	KafkaReplicationFactor int16
	RedisAddr              string
	RedisPassword          string
	RedisStreamKey         string
}

// New builds the sink named by opts.Kind.
func New(ctx context.Context, opts Options) (Sink, error) {
	switch opts.Kind {
	case "", KindLog:
		return NewLogSink(), nil
	case KindKafka:
		sink, err := NewKafkaSink(ctx, opts.KafkaBrokers, opts.KafkaTopic)
		if err != nil {
			return nil, err
		}
		if opts.KafkaPartitions > 0 {
			replication := opts.KafkaReplicationFactor
			if replication <= 0 {
				replication = 1
			}
			if err := sink.EnsureTopic(ctx, opts.KafkaPartitions, replication); err != nil {
				_ = sink.Close()
				return nil, err
			}
		}
		return sink, nil
	case KindRedis:
		return NewRedisStreamSink(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisStreamKey)
	default:
		return nil, fmt.Errorf("unknown event sink %q", opts.Kind)
	}
}

func encode(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode audit event %s: %w", event.ID, err)
	}
	return payload, nil
}
