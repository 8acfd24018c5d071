package eventsink

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink produces audit events to a Kafka topic keyed by entity ID, so
// all events for one mortgage or transfer land on the same partition.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink connects to the given brokers and verifies reachability.
func NewKafkaSink(ctx context.Context, brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka sink requires a topic")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka ping failed: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

// EnsureTopic creates the audit topic if it does not exist yet.
func (s *KafkaSink) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	adm := kadm.NewClient(s.client)
	resp, err := adm.CreateTopics(ctx, partitions, replicationFactor, nil, s.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", s.topic, err)
	}
	for _, t := range resp {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}

func (s *KafkaSink) record(event Event) (*kgo.Record, error) {
	payload, err := encode(event)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.EntityID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}, nil
}

// Emit produces one event and waits for the broker acknowledgement.
func (s *KafkaSink) Emit(ctx context.Context, event Event) error {
	rec, err := s.record(event)
	if err != nil {
		return err
	}
	return s.client.ProduceSync(ctx, rec).FirstErr()
}

// EmitBatch produces all events and reports the outcome per event.
func (s *KafkaSink) EmitBatch(ctx context.Context, events []Event) ([]error, error) {
	errs := make([]error, len(events))
	records := make([]*kgo.Record, 0, len(events))
	index := make(map[*kgo.Record]int, len(events))

	for i, ev := range events {
		rec, err := s.record(ev)
		if err != nil {
			errs[i] = err
			continue
		}
		index[rec] = i
		records = append(records, rec)
	}
	if len(records) == 0 {
		return errs, nil
	}

	for _, res := range s.client.ProduceSync(ctx, records...) {
		if i, ok := index[res.Record]; ok {
			errs[i] = res.Err
		}
	}
	return errs, nil
}

// Close flushes and closes the client.
func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
