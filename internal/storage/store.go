// Package storage persists ride requests.
package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// TransitionFields are written together with a status change. Nil fields are left unchanged.
type TransitionFields struct {
	AssignedDriverID *string
	CancelReason     *string
	At               time.Time
}

// RideStore defines persistence operations for rides.
type RideStore interface {
	Create(ctx context.Context, r models.RideRequest) (string, error)
	Get(ctx context.Context, id string) (models.RideRequest, error)
	// Transition moves id from expected to next in one conditional write. It
	// returns false when the stored status is not expected, or when
	// AssignedDriverID is set and a driver is already bound.
	Transition(ctx context.Context, id string, expected, next models.RideStatus, f TransitionFields) (bool, error)
	Subscribe(rideID string, fn func(models.RideRequest)) (unsubscribe func())
}
