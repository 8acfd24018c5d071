package eventsink

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends audit events to a Redis stream.
type RedisStreamSink struct {
	client *redis.Client
	stream string
}

// NewRedisStreamSink connects to Redis and verifies the connection.
func NewRedisStreamSink(ctx context.Context, addr, password, stream string) (*RedisStreamSink, error) {
	if stream == "" {
		return nil, errors.New("redis sink requires a stream key")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStreamSinkFromClient(client, stream), nil
}

// NewRedisStreamSinkFromClient wraps an existing client.
func NewRedisStreamSinkFromClient(client *redis.Client, stream string) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream}
}

func (s *RedisStreamSink) args(event Event) (*redis.XAddArgs, error) {
	payload, err := encode(event)
	if err != nil {
		return nil, err
	}
	return &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event_id":   event.ID,
			"event_type": event.EventType,
			"entity_id":  event.EntityID,
			"payload":    payload,
		},
	}, nil
}

// Emit appends one event.
func (s *RedisStreamSink) Emit(ctx context.Context, event Event) error {
	args, err := s.args(event)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, args).Err()
}

// EmitBatch appends all events in one pipeline round trip.
func (s *RedisStreamSink) EmitBatch(ctx context.Context, events []Event) ([]error, error) {
	errs := make([]error, len(events))
	cmds := make([]*redis.StringCmd, len(events))

	pipe := s.client.Pipeline()
	for i, ev := range events {
		args, err := s.args(ev)
		if err != nil {
			errs[i] = err
			continue
		}
		cmds[i] = pipe.XAdd(ctx, args)
	}

	// Exec returns the first command error; per-command errors are read below.
	if _, err := pipe.Exec(ctx); err != nil && errors.Is(err, context.Canceled) {
		return nil, err
	}
	for i, cmd := range cmds {
		if cmd != nil {
			errs[i] = cmd.Err()
		}
	}
	return errs, nil
}

// Health checks the Redis connection.
func (s *RedisStreamSink) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}
