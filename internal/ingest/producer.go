// Package ingest moves actor location updates from devices into the Location Store.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Publisher accepts location updates for eventual application to the store.
type Publisher interface {
	Publish(ctx context.Context, u models.LocationUpdate) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer keys messages by actor id so one actor's updates stay ordered
// within a partition.
type KafkaProducer struct {
	writer messageWriter
}

var _ Publisher = (*KafkaProducer)(nil)

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) Publish(ctx context.Context, u models.LocationUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(u.ActorID), Value: b}
	if u.Location != nil {
		msg.Headers = []kafka.Header{{Key: "cell", Value: []byte(geo.Cell(u.Location.Coordinate))}}
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DirectPublisher applies updates to the store synchronously. Used when no
// broker is configured.
type DirectPublisher struct {
	Store Updater
}

func (d DirectPublisher) Publish(ctx context.Context, u models.LocationUpdate) error {
	return Apply(ctx, d.Store, u)
}
