// Package stream publishes driver locations and ride lifecycle events to
// Kafka.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const writeTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes driver locations keyed by driver id and ride events
// keyed by ride id, so each key keeps its order within a partition.
type KafkaProducer struct {
	locations messageWriter
	events    messageWriter
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewKafkaProducer(brokers []string, locationTopic, eventTopic string) *KafkaProducer {
	p := &KafkaProducer{}
	if locationTopic != "" {
		p.locations = newWriter(brokers, locationTopic)
	}
	if eventTopic != "" {
		p.events = newWriter(brokers, eventTopic)
	}
	return p
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	if k.locations == nil {
		return nil
	}
	return k.publish(ctx, k.locations, d.ID, d)
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, e models.RideEvent) error {
	if k.events == nil {
		return nil
	}
	return k.publish(ctx, k.events, e.RideID, e)
}

func (k *KafkaProducer) publish(ctx context.Context, w messageWriter, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []messageWriter{k.locations, k.events} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}

// DecodeLocation parses a location message written by PublishLocation.
func DecodeLocation(m kafka.Message) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(m.Value, &d); err != nil {
		return d, err
	}
	if d.ID == "" {
		d.ID = string(m.Key)
	}
	if d.ID == "" {
		return d, errors.New("location message without driver id")
	}
	return d, nil
}
