// Package dispatch delivers ride events to outside parties: event buses,
// push, webhooks and connected WebSocket clients.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type EventType string

const (
	EventBookingConfirmed EventType = "booking_confirmed"
	EventRideStarted      EventType = "ride_started"
	EventRideCompleted    EventType = "ride_completed"
	EventRideCancelled    EventType = "ride_cancelled"
	EventSOS              EventType = "sos"
)

type Event struct {
	Type     EventType          `json:"type"`
	RideID   string             `json:"ride_id"`
	RiderID  string             `json:"rider_id,omitempty"`
	DriverID string             `json:"driver_id,omitempty"`
	ActorID  string             `json:"actor_id,omitempty"`
	Position *models.Coordinate `json:"position,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	At       time.Time          `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

const fireTimeout = 5 * time.Second

// Fire sends ev in the background. Delivery is never awaited; failures are logged.
func Fire(logger *slog.Logger, n Notifier, ev Event) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
		defer cancel()
		if err := n.Notify(ctx, ev); err != nil {
			observability.NotificationsTotal.WithLabelValues(string(ev.Type), "error").Inc()
			logger.Warn("notification failed", "type", ev.Type, "ride_id", ev.RideID, "error", err)
			return
		}
		observability.NotificationsTotal.WithLabelValues(string(ev.Type), "ok").Inc()
	}()
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to the log. Used when no broker is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, ev Event) error {
	l.Logger.Info("[dispatch] event", "type", ev.Type, "ride_id", ev.RideID, "driver_id", ev.DriverID, "actor_id", ev.ActorID)
	return nil
}
