package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Updater is the write side of the Location Store.
type Updater interface {
	Put(ctx context.Context, loc models.ActorLocation) error
	SetAvailability(ctx context.Context, actorID string, available bool) error
}

// Apply writes u to the store. The fix goes first so an actor going available
// is never visible without a position.
func Apply(ctx context.Context, store Updater, u models.LocationUpdate) error {
	if u.ActorID == "" {
		return fmt.Errorf("%w: actor id is required", models.ErrInvalidInput)
	}
	if u.Location == nil && u.Available == nil {
		return fmt.Errorf("%w: update carries neither location nor availability", models.ErrInvalidInput)
	}
	if u.Location != nil {
		loc := *u.Location
		if loc.ActorID == "" {
			loc.ActorID = u.ActorID
		}
		if loc.ActorID != u.ActorID {
			return fmt.Errorf("%w: location belongs to %s", models.ErrInvalidInput, loc.ActorID)
		}
		if err := store.Put(ctx, loc); err != nil {
			return err
		}
	}
	if u.Available != nil {
		if err := store.SetAvailability(ctx, u.ActorID, *u.Available); err != nil {
			return err
		}
	}
	return nil
}

// ApplyWithRetry retries Apply with doubling delay. Invalid updates are not retried.
func ApplyWithRetry(ctx context.Context, store Updater, u models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = Apply(ctx, store, u); err == nil || errors.Is(err, models.ErrInvalidInput) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type ConsumerConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	Attempts int
	Delay    time.Duration
}

type Consumer struct {
	reader   messageReader
	store    Updater
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

func NewConsumer(cfg ConsumerConfig, store Updater, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.Brokers, Topic: cfg.Topic, GroupID: cfg.GroupID, MinBytes: 10e3, MaxBytes: 10e6})
	return newConsumer(r, store, logger, cfg.Attempts, cfg.Delay)
}

func newConsumer(r messageReader, store Updater, logger *slog.Logger, attempts int, delay time.Duration) *Consumer {
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return &Consumer{reader: r, store: store, logger: logger, attempts: attempts, delay: delay}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("shutting down consumer")
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var u models.LocationUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil {
		observability.IngestMessagesTotal.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid message", "offset", m.Offset, "error", err)
		return
	}
	if u.ActorID == "" {
		u.ActorID = string(m.Key)
	}
	if err := ApplyWithRetry(ctx, c.store, u, c.attempts, c.delay); err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			observability.IngestMessagesTotal.WithLabelValues("invalid").Inc()
		} else {
			observability.IngestMessagesTotal.WithLabelValues("failed").Inc()
		}
		c.logger.Warn("location update failed", "actor_id", u.ActorID, "error", err)
		return
	}
	observability.IngestMessagesTotal.WithLabelValues("applied").Inc()
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
