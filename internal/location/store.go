// Package location holds each actor's last-known position and availability.
package location

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

// Filter narrows a Query. A nil Available matches every actor.
type Filter struct {
	Available *bool
	// Unbound drops actors already bound to a ride.
	Unbound bool
}

// AvailableOnly matches actors that can be offered a new ride.
func AvailableOnly() Filter {
	v := true
	return Filter{Available: &v, Unbound: true}
}

func (f Filter) match(s models.ActorState) bool {
	if f.Unbound && s.BoundRide != "" {
		return false
	}
	return f.Available == nil || *f.Available == s.Available
}

// Store is the Location Store contract. Position and availability are written
// only by their actor. The ride binding is written only by dispatch, through
// Bind and Unbind.
type Store interface {
	Get(ctx context.Context, actorID string) (models.ActorState, bool, error)
	Query(ctx context.Context, f Filter) ([]models.ActorState, error)
	// Subscribe registers fn for changes to actorID, or to every actor when actorID is "".
	Subscribe(actorID string, fn func(models.ActorState)) (unsubscribe func())
	// Put stores a fix. Fixes older than the stored one are ignored.
	Put(ctx context.Context, loc models.ActorLocation) error
	SetAvailability(ctx context.Context, actorID string, available bool) error
	// Bind claims an available, unbound actor for rideID. It reports false when
	// the actor is unknown, unavailable or already bound.
	Bind(ctx context.Context, actorID, rideID string) (bool, error)
	// Unbind clears the binding only if it is still held by rideID.
	Unbind(ctx context.Context, actorID, rideID string) (bool, error)
}

// RadiusQuerier is implemented by stores with a native radius index.
// Results may include actors slightly outside the radius; callers filter exactly.
type RadiusQuerier interface {
	QueryWithin(ctx context.Context, center models.Coordinate, radiusMeters float64, f Filter) ([]models.ActorState, error)
}
