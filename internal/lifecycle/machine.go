// Package lifecycle owns ride request state transitions.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// AllowedTransitions is the ride state flow as code.
var AllowedTransitions = map[models.RideStatus][]models.RideStatus{
	models.StatusQuoted:     {models.StatusRequested, models.StatusCancelled},
	models.StatusRequested:  {models.StatusAssigned, models.StatusCancelled},
	models.StatusAssigned:   {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted},
}

func CanTransition(from, to models.RideStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type QuoteCommand struct {
	RiderID      string
	Pickup       models.Coordinate
	Destination  models.Coordinate
	VehicleClass string
}

// Quote is an unpersisted QUOTED ride with the route its fare was computed from.
type Quote struct {
	Ride  models.RideRequest `json:"ride"`
	Route eta.Route          `json:"route"`
}

type Machine struct {
	Store     storage.RideStore
	Rates     geo.RateTables
	Estimator *eta.Estimator
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

func NewMachine(store storage.RideStore, rates geo.RateTables, estimator *eta.Estimator, logger *slog.Logger) *Machine {
	return &Machine{
		Store:     store,
		Rates:     rates,
		Estimator: estimator,
		Logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
}

// Quote prices a ride. Nothing is persisted.
func (m *Machine) Quote(ctx context.Context, cmd QuoteCommand) (Quote, error) {
	if cmd.RiderID == "" {
		return Quote{}, fmt.Errorf("%w: rider id is required", models.ErrInvalidInput)
	}
	if err := cmd.Pickup.Validate(); err != nil {
		return Quote{}, err
	}
	if err := cmd.Destination.Validate(); err != nil {
		return Quote{}, err
	}
	rt, ok := m.Rates.Lookup(cmd.VehicleClass)
	if !ok {
		return Quote{}, fmt.Errorf("%w: unknown vehicle class %q", models.ErrInvalidInput, cmd.VehicleClass)
	}

	route := m.Estimator.Trip(ctx, cmd.Pickup, cmd.Destination)
	now := m.Now()
	ride := models.RideRequest{
		ID:           m.NewID(),
		RiderID:      cmd.RiderID,
		Pickup:       cmd.Pickup,
		Destination:  cmd.Destination,
		VehicleClass: cmd.VehicleClass,
		QuotedFare:   geo.EstimatedFare(route.DistanceMeters, route.TravelSeconds, rt),
		Status:       models.StatusQuoted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return Quote{Ride: ride, Route: route}, nil
}

// Submit persists a quoted ride as REQUESTED.
func (m *Machine) Submit(ctx context.Context, quoted models.RideRequest) (models.RideRequest, error) {
	if quoted.Status != models.StatusQuoted {
		m.record(models.StatusRequested, "rejected")
		return models.RideRequest{}, fmt.Errorf("%w: cannot submit ride in status %s", models.ErrInvalidStateTransition, quoted.Status)
	}
	r := quoted
	r.Status = models.StatusRequested
	r.UpdatedAt = m.Now()
	if _, err := m.Store.Create(ctx, r); err != nil {
		m.record(models.StatusRequested, "error")
		return models.RideRequest{}, err
	}
	m.record(models.StatusRequested, "ok")
	m.Logger.Info("ride requested", "ride_id", r.ID, "rider_id", r.RiderID, "vehicle_class", r.VehicleClass)
	return r, nil
}

// CancelQuote abandons a quote. The ride was never persisted, so only the local copy changes.
func (m *Machine) CancelQuote(quoted models.RideRequest, reason string) (models.RideRequest, error) {
	if quoted.Status != models.StatusQuoted {
		return models.RideRequest{}, fmt.Errorf("%w: cannot cancel quote in status %s", models.ErrInvalidStateTransition, quoted.Status)
	}
	quoted.Status = models.StatusCancelled
	if reason != "" {
		quoted.CancelReason = &reason
	}
	quoted.UpdatedAt = m.Now()
	return quoted, nil
}

func (m *Machine) Get(ctx context.Context, id string) (models.RideRequest, error) {
	return m.Store.Get(ctx, id)
}

// Assign binds driverID to a REQUESTED ride.
func (m *Machine) Assign(ctx context.Context, id, driverID string) (models.RideRequest, error) {
	if driverID == "" {
		return models.RideRequest{}, fmt.Errorf("%w: driver id is required", models.ErrInvalidInput)
	}
	return m.transition(ctx, id, models.StatusAssigned, storage.TransitionFields{AssignedDriverID: &driverID})
}

func (m *Machine) Start(ctx context.Context, id string) (models.RideRequest, error) {
	return m.transition(ctx, id, models.StatusInProgress, storage.TransitionFields{})
}

func (m *Machine) Complete(ctx context.Context, id string) (models.RideRequest, error) {
	return m.transition(ctx, id, models.StatusCompleted, storage.TransitionFields{})
}

func (m *Machine) Cancel(ctx context.Context, id, reason string) (models.RideRequest, error) {
	f := storage.TransitionFields{}
	if reason != "" {
		f.CancelReason = &reason
	}
	return m.transition(ctx, id, models.StatusCancelled, f)
}

func (m *Machine) transition(ctx context.Context, id string, next models.RideStatus, f storage.TransitionFields) (models.RideRequest, error) {
	r, err := m.Store.Get(ctx, id)
	if err != nil {
		m.record(next, "error")
		return models.RideRequest{}, err
	}
	if !CanTransition(r.Status, next) {
		m.record(next, "rejected")
		return models.RideRequest{}, fmt.Errorf("%w: %s -> %s", models.ErrInvalidStateTransition, r.Status, next)
	}
	f.At = m.Now()
	ok, err := m.Store.Transition(ctx, id, r.Status, next, f)
	if err != nil {
		m.record(next, "error")
		return models.RideRequest{}, err
	}
	if !ok {
		// another writer moved the ride since we read it
		m.record(next, "rejected")
		return models.RideRequest{}, fmt.Errorf("%w: %s -> %s lost to a concurrent update", models.ErrInvalidStateTransition, r.Status, next)
	}
	m.record(next, "ok")
	m.Logger.Info("ride transitioned", "ride_id", id, "from", r.Status, "to", next)

	r.Status = next
	r.UpdatedAt = f.At
	if f.AssignedDriverID != nil {
		r.AssignedDriverID = f.AssignedDriverID
	}
	if f.CancelReason != nil {
		r.CancelReason = f.CancelReason
	}
	return r, nil
}

func (m *Machine) record(to models.RideStatus, result string) {
	observability.RideTransitionsTotal.WithLabelValues(string(to), result).Inc()
}
