// Package booking turns a rider's driver selection into a binding assignment
// and coordinates the rest of the ride with tracking and notifications.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/tracking"
)

type SessionManager interface {
	Start(rideID string) *tracking.Session
	Get(rideID string) (*tracking.Session, bool)
	Stop(rideID string)
}

type SelectionResult struct {
	RideID     string                 `json:"ride_id"`
	Candidate  models.DriverCandidate `json:"candidate"`
	SelectedAt time.Time              `json:"selected_at"`
}

type BookingResult struct {
	Ride   models.RideRequest     `json:"ride"`
	Driver models.DriverCandidate `json:"driver"`
}

type Service struct {
	Lifecycle  *lifecycle.Machine
	Locations  location.Store
	Sessions   SessionManager
	Notifier   dispatch.Notifier
	Payments   payments.Gateway
	Speeds     geo.SpeedProfiles
	StaleAfter time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// RequestRide persists a quoted ride and starts tracking candidates for it.
func (s *Service) RequestRide(ctx context.Context, quoted models.RideRequest) (models.RideRequest, error) {
	r, err := s.Lifecycle.Submit(ctx, quoted)
	if err != nil {
		return models.RideRequest{}, err
	}
	s.Sessions.Start(r.ID)
	return r, nil
}

// Select records the rider's tentative choice. Nothing is written outside the session.
func (s *Service) Select(ctx context.Context, rideID, driverID string) (SelectionResult, error) {
	ride, err := s.Lifecycle.Get(ctx, rideID)
	if err != nil {
		return SelectionResult{}, err
	}
	if ride.Status != models.StatusRequested {
		return SelectionResult{}, fmt.Errorf("%w: ride is %s", models.ErrInvalidStateTransition, ride.Status)
	}
	sess, ok := s.Sessions.Get(rideID)
	if !ok {
		return SelectionResult{}, models.ErrSessionNotFound
	}
	c, err := sess.Select(driverID)
	if err != nil {
		return SelectionResult{}, err
	}
	s.Logger.Info("driver selected", "ride_id", rideID, "driver_id", driverID)
	return SelectionResult{RideID: rideID, Candidate: c, SelectedAt: s.now()}, nil
}

// ConfirmBooking binds the selected driver to the ride. The driver's state is
// re-read here, never taken from the selection, and the binding is claimed
// with a compare-and-swap before the ride moves to ASSIGNED. Once the claim
// is issued the caller's cancellation no longer applies.
func (s *Service) ConfirmBooking(ctx context.Context, rideID string) (BookingResult, error) {
	sess, ok := s.Sessions.Get(rideID)
	if !ok {
		return BookingResult{}, models.ErrSessionNotFound
	}
	driverID := sess.Selection()
	if driverID == "" {
		return BookingResult{}, models.ErrNoSelection
	}
	ride, err := s.Lifecycle.Get(ctx, rideID)
	if err != nil {
		return BookingResult{}, s.fail(err)
	}
	if ride.Status != models.StatusRequested {
		return BookingResult{}, s.fail(fmt.Errorf("%w: ride is %s", models.ErrInvalidStateTransition, ride.Status))
	}

	st, found, err := s.Locations.Get(ctx, driverID)
	if err != nil {
		return BookingResult{}, s.fail(external("read driver", err))
	}
	now := s.now()
	if !found || !st.Dispatchable() || st.Location == nil || !st.Location.IsFresh(now, s.StaleAfter) {
		sess.ClearSelection()
		s.Logger.Info("selected driver no longer available", "ride_id", rideID, "driver_id", driverID)
		return BookingResult{}, s.fail(models.ErrCandidateUnavailable)
	}

	if s.Payments != nil {
		if err := s.Payments.Hold(ctx, rideID, ride.QuotedFare); err != nil {
			return BookingResult{}, s.fail(external("hold fare", err))
		}
	}

	ctx = context.WithoutCancel(ctx)
	claimed, err := s.Locations.Bind(ctx, driverID, rideID)
	if err != nil {
		s.releaseHold(ctx, rideID)
		return BookingResult{}, s.fail(external("claim driver", err))
	}
	if !claimed {
		s.releaseHold(ctx, rideID)
		sess.ClearSelection()
		s.Logger.Info("lost driver claim", "ride_id", rideID, "driver_id", driverID)
		return BookingResult{}, s.fail(models.ErrCandidateUnavailable)
	}

	assigned, err := s.Lifecycle.Assign(ctx, rideID, driverID)
	if err != nil {
		s.release(ctx, rideID, driverID)
		s.releaseHold(ctx, rideID)
		if errors.Is(err, models.ErrInvalidStateTransition) || errors.Is(err, models.ErrNotFound) {
			return BookingResult{}, s.fail(err)
		}
		return BookingResult{}, s.fail(external("assign ride", err))
	}

	sess.ClearSelection()
	sess.Nudge()
	observability.BookingsTotal.WithLabelValues("confirmed").Inc()
	s.Logger.Info("booking confirmed", "ride_id", rideID, "driver_id", driverID)

	d := geo.DistanceMeters(st.Location.Coordinate, assigned.Pickup)
	driver := models.DriverCandidate{
		DriverID:                      driverID,
		Location:                      *st.Location,
		DistanceMeters:                d,
		EtaToPickupSeconds:            s.Speeds.PickupSeconds(d),
		EtaPickupToDestinationSeconds: s.Speeds.TripSeconds(geo.DistanceMeters(assigned.Pickup, assigned.Destination)),
		Cell:                          geo.Cell(st.Location.Coordinate),
	}
	dispatch.Fire(s.Logger, s.Notifier, dispatch.Event{
		Type:     dispatch.EventBookingConfirmed,
		RideID:   rideID,
		RiderID:  assigned.RiderID,
		DriverID: driverID,
		At:       now,
	})
	return BookingResult{Ride: assigned, Driver: driver}, nil
}

// Start marks the assigned trip as begun.
func (s *Service) Start(ctx context.Context, rideID string) (models.RideRequest, error) {
	r, err := s.Lifecycle.Start(ctx, rideID)
	if err != nil {
		return models.RideRequest{}, err
	}
	s.nudge(rideID)
	dispatch.Fire(s.Logger, s.Notifier, dispatch.Event{Type: dispatch.EventRideStarted, RideID: rideID, RiderID: r.RiderID, DriverID: r.DriverID(), At: s.now()})
	return r, nil
}

// Complete finishes the trip and frees the driver.
func (s *Service) Complete(ctx context.Context, rideID string) (models.RideRequest, error) {
	r, err := s.Lifecycle.Complete(ctx, rideID)
	if err != nil {
		return models.RideRequest{}, err
	}
	s.finish(ctx, r)
	if s.Payments != nil {
		if err := s.Payments.Capture(context.WithoutCancel(ctx), rideID); err != nil {
			s.Logger.Error("failed to capture fare", "ride_id", rideID, "error", err)
		}
	}
	dispatch.Fire(s.Logger, s.Notifier, dispatch.Event{Type: dispatch.EventRideCompleted, RideID: rideID, RiderID: r.RiderID, DriverID: r.DriverID(), At: s.now()})
	return r, nil
}

// Cancel cancels a REQUESTED or ASSIGNED ride, freeing any bound driver.
func (s *Service) Cancel(ctx context.Context, rideID, reason string) (models.RideRequest, error) {
	r, err := s.Lifecycle.Cancel(ctx, rideID, reason)
	if err != nil {
		return models.RideRequest{}, err
	}
	s.finish(ctx, r)
	s.releaseHold(context.WithoutCancel(ctx), rideID)
	dispatch.Fire(s.Logger, s.Notifier, dispatch.Event{Type: dispatch.EventRideCancelled, RideID: rideID, RiderID: r.RiderID, DriverID: r.DriverID(), Reason: reason, At: s.now()})
	return r, nil
}

// SOS raises an emergency alert for a participant of a live ride. When pos is
// nil the actor's last known fix is used.
func (s *Service) SOS(ctx context.Context, rideID, actorID string, pos *models.Coordinate) error {
	r, err := s.Lifecycle.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: ride is %s", models.ErrInvalidStateTransition, r.Status)
	}
	if actorID != r.RiderID && actorID != r.DriverID() {
		return fmt.Errorf("%w: %s is not part of ride %s", models.ErrInvalidInput, actorID, rideID)
	}
	if pos == nil {
		if st, ok, err := s.Locations.Get(ctx, actorID); err == nil && ok && st.Location != nil {
			c := st.Location.Coordinate
			pos = &c
		}
	} else if err := pos.Validate(); err != nil {
		return err
	}
	s.Logger.Warn("sos raised", "ride_id", rideID, "actor_id", actorID)
	dispatch.Fire(s.Logger, s.Notifier, dispatch.Event{
		Type:     dispatch.EventSOS,
		RideID:   rideID,
		RiderID:  r.RiderID,
		DriverID: r.DriverID(),
		ActorID:  actorID,
		Position: pos,
		At:       s.now(),
	})
	return nil
}

func (s *Service) finish(ctx context.Context, r models.RideRequest) {
	if id := r.DriverID(); id != "" {
		s.release(context.WithoutCancel(ctx), r.ID, id)
	}
	s.Sessions.Stop(r.ID)
}

// release drops the ride's binding on the driver. Availability is left as the
// driver last reported it.
func (s *Service) release(ctx context.Context, rideID, driverID string) {
	if _, err := s.Locations.Unbind(ctx, driverID, rideID); err != nil {
		s.Logger.Error("failed to release driver", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
}

func (s *Service) releaseHold(ctx context.Context, rideID string) {
	if s.Payments == nil {
		return
	}
	if err := s.Payments.Release(ctx, rideID); err != nil {
		s.Logger.Error("failed to release fare hold", "ride_id", rideID, "error", err)
	}
}

func (s *Service) nudge(rideID string) {
	if sess, ok := s.Sessions.Get(rideID); ok {
		sess.Nudge()
	}
}

func (s *Service) fail(err error) error {
	result := "error"
	switch {
	case errors.Is(err, models.ErrCandidateUnavailable):
		result = "candidate_unavailable"
	case errors.Is(err, models.ErrInvalidStateTransition):
		result = "invalid_state"
	}
	observability.BookingsTotal.WithLabelValues(result).Inc()
	return err
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func external(op string, err error) error {
	if errors.Is(err, models.ErrExternalService) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", models.ErrExternalService, op, err)
}
