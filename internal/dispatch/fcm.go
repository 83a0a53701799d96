package dispatch

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/example/ride-dispatch/internal/models"
)

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier pushes events to the ride's topic ("ride-<id>"), which the rider
// and driver apps subscribe to.
type FCMNotifier struct {
	client messageSender
}

func NewFCMNotifier(ctx context.Context, projectID, credentialsFile string) (*FCMNotifier, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return &FCMNotifier{client: client}, nil
}

func (f *FCMNotifier) Notify(ctx context.Context, ev Event) error {
	data := map[string]string{
		"type":    string(ev.Type),
		"ride_id": ev.RideID,
		"at":      ev.At.Format(time.RFC3339),
	}
	if ev.DriverID != "" {
		data["driver_id"] = ev.DriverID
	}
	if ev.Position != nil {
		data["lat"] = fmt.Sprintf("%f", ev.Position.Lat)
		data["lon"] = fmt.Sprintf("%f", ev.Position.Lon)
	}
	msg := &messaging.Message{
		Topic:        "ride-" + ev.RideID,
		Data:         data,
		Notification: &messaging.Notification{Title: title(ev.Type), Body: body(ev)},
		Android:      &messaging.AndroidConfig{Priority: priority(ev.Type)},
	}
	if _, err := f.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: fcm send: %w", models.ErrExternalService, err)
	}
	return nil
}

func title(t EventType) string {
	switch t {
	case EventBookingConfirmed:
		return "Driver on the way"
	case EventRideStarted:
		return "Trip started"
	case EventRideCompleted:
		return "Trip completed"
	case EventRideCancelled:
		return "Ride cancelled"
	case EventSOS:
		return "Emergency alert"
	}
	return "Ride update"
}

func body(ev Event) string {
	if ev.Type == EventRideCancelled && ev.Reason != "" {
		return ev.Reason
	}
	if ev.Type == EventSOS {
		return "An SOS was raised on ride " + ev.RideID
	}
	return "Ride " + ev.RideID
}

func priority(t EventType) string {
	if t == EventSOS || t == EventBookingConfirmed {
		return "high"
	}
	return "normal"
}
