package models

import (
	"fmt"
	"time"
)

// Coordinate is an immutable WGS84 point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

func (c Coordinate) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidInput, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidInput, c.Lon)
	}
	return nil
}

// ActorLocation is a position fix produced by a driver or rider device.
type ActorLocation struct {
	ActorID        string     `json:"actor_id"`
	Coordinate     Coordinate `json:"coordinate"`
	AccuracyMeters float64    `json:"accuracy_meters"`
	CapturedAt     time.Time  `json:"captured_at"`
}

func (l ActorLocation) Validate() error {
	if l.ActorID == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidInput)
	}
	if l.AccuracyMeters < 0 {
		return fmt.Errorf("%w: accuracy_meters must be >= 0", ErrInvalidInput)
	}
	if l.CapturedAt.IsZero() {
		return fmt.Errorf("%w: captured_at is required", ErrInvalidInput)
	}
	return l.Coordinate.Validate()
}

// MaxClockSkew is how far past the server clock a fix may be dated.
const MaxClockSkew = 5 * time.Second

// ValidateAt is Validate plus a bound on device clock skew. A fix dated in the
// future would otherwise shadow every later real fix.
func (l ActorLocation) ValidateAt(now time.Time) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.CapturedAt.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("%w: captured_at %s is ahead of server time", ErrInvalidInput, l.CapturedAt.Format(time.RFC3339))
	}
	return nil
}

// IsFresh reports whether the fix may still be treated as the actor's current position.
func (l ActorLocation) IsFresh(now time.Time, staleAfter time.Duration) bool {
	age := now.Sub(l.CapturedAt)
	return age <= staleAfter && age >= -MaxClockSkew
}

// ActorState is the Location Store record for one actor.
// Location is nil until the actor reports a first fix.
// Available is the actor's own flag. BoundRide is set by dispatch while a
// driver is assigned to a ride and is never touched by the actor.
type ActorState struct {
	ActorID   string         `json:"actor_id"`
	Location  *ActorLocation `json:"location,omitempty"`
	Available bool           `json:"available"`
	BoundRide string         `json:"bound_ride,omitempty"`
}

// Dispatchable reports whether the actor may be offered to a new ride.
func (s ActorState) Dispatchable() bool {
	return s.Available && s.BoundRide == ""
}

// DriverCandidate is a per-tick view of a driver considered for a ride. It is never persisted.
type DriverCandidate struct {
	DriverID                      string        `json:"driver_id"`
	Location                      ActorLocation `json:"location"`
	IsAvailable                   bool          `json:"is_available"`
	DistanceMeters                float64       `json:"distance_meters"`
	EtaToPickupSeconds            float64       `json:"eta_to_pickup_seconds"`
	EtaPickupToDestinationSeconds float64       `json:"eta_pickup_to_destination_seconds"`
	Cell                          string        `json:"cell,omitempty"`
}

type RideStatus string

const (
	StatusQuoted     RideStatus = "QUOTED"
	StatusRequested  RideStatus = "REQUESTED"
	StatusAssigned   RideStatus = "ASSIGNED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusCancelled  RideStatus = "CANCELLED"
)

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// FareBreakdown itemizes a quoted fare for display.
type FareBreakdown struct {
	Currency       string  `json:"currency"`
	Base           float64 `json:"base"`
	DistanceFare   float64 `json:"distance_fare"`
	TimeFare       float64 `json:"time_fare"`
	Subtotal       float64 `json:"subtotal"`
	MinimumFare    float64 `json:"minimum_fare"`
	Total          float64 `json:"total"`
	MinimumApplied bool    `json:"minimum_applied"`
}

type RideRequest struct {
	ID               string        `json:"ride_id"`
	RiderID          string        `json:"rider_id"`
	Pickup           Coordinate    `json:"pickup"`
	Destination      Coordinate    `json:"destination"`
	VehicleClass     string        `json:"vehicle_class"`
	QuotedFare       FareBreakdown `json:"quoted_fare"`
	Status           RideStatus    `json:"status"`
	AssignedDriverID *string       `json:"assigned_driver_id,omitempty"`
	CancelReason     *string       `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// DriverID returns the assigned driver or "" when none is bound.
func (r RideRequest) DriverID() string {
	if r.AssignedDriverID == nil {
		return ""
	}
	return *r.AssignedDriverID
}

// LocationUpdate is the ingest wire message. Either field may be omitted.
type LocationUpdate struct {
	ActorID   string         `json:"actor_id"`
	Location  *ActorLocation `json:"location,omitempty"`
	Available *bool          `json:"available,omitempty"`
}
