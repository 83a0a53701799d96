package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCoordinateValidate(t *testing.T) {
	cases := []struct {
		c     Coordinate
		valid bool
	}{
		{Coordinate{Lat: 6.5244, Lon: 3.3792}, true},
		{Coordinate{Lat: 90, Lon: -180}, true},
		{Coordinate{Lat: 90.0001, Lon: 0}, false},
		{Coordinate{Lat: 0, Lon: 180.5}, false},
	}
	for _, tc := range cases {
		err := tc.c.Validate()
		if tc.valid && err != nil {
			t.Errorf("%+v: unexpected error %v", tc.c, err)
		}
		if !tc.valid && !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%+v: expected ErrInvalidInput, got %v", tc.c, err)
		}
	}
}

func TestActorLocationFreshness(t *testing.T) {
	now := time.Now()
	loc := ActorLocation{ActorID: "d1", CapturedAt: now.Add(-29 * time.Second)}
	if !loc.IsFresh(now, 30*time.Second) {
		t.Fatal("29s old fix should be fresh")
	}
	loc.CapturedAt = now.Add(-31 * time.Second)
	if loc.IsFresh(now, 30*time.Second) {
		t.Fatal("31s old fix should be stale")
	}
}

func TestActorLocationRejectsNegativeAccuracy(t *testing.T) {
	loc := ActorLocation{ActorID: "d1", AccuracyMeters: -1, CapturedAt: time.Now()}
	if err := loc.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRideRequestJSONRoundTrip(t *testing.T) {
	driver := "d1"
	created := time.Date(2025, 3, 4, 5, 6, 7, 891011121, time.UTC)
	in := RideRequest{
		ID:               "r1",
		RiderID:          "u1",
		Pickup:           Coordinate{Lat: 6.5244, Lon: 3.3792},
		Destination:      Coordinate{Lat: 6.4550, Lon: 3.3941},
		VehicleClass:     "bike",
		QuotedFare:       FareBreakdown{Currency: "USD", Base: 2, Total: 9.41},
		Status:           StatusAssigned,
		AssignedDriverID: &driver,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out RideRequest
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.DriverID() != "d1" || !out.CreatedAt.Equal(created) || out.Pickup != in.Pickup || out.QuotedFare != in.QuotedFare {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []RideStatus{StatusCompleted, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RideStatus{StatusQuoted, StatusRequested, StatusAssigned, StatusInProgress} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestActorLocationRejectsFutureFix(t *testing.T) {
	now := time.Now()
	loc := ActorLocation{ActorID: "d1", CapturedAt: now.Add(24 * time.Hour)}
	if err := loc.ValidateAt(now); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if loc.IsFresh(now, 30*time.Second) {
		t.Fatal("future fix should not count as fresh")
	}
	loc.CapturedAt = now.Add(2 * time.Second)
	if err := loc.ValidateAt(now); err != nil {
		t.Fatalf("small skew should be tolerated, got %v", err)
	}
	if !loc.IsFresh(now, 30*time.Second) {
		t.Fatal("slightly ahead fix should be fresh")
	}
}

func TestActorStateDispatchable(t *testing.T) {
	if !(ActorState{Available: true}).Dispatchable() {
		t.Fatal("available unbound actor should be dispatchable")
	}
	if (ActorState{Available: true, BoundRide: "r1"}).Dispatchable() {
		t.Fatal("bound actor should not be dispatchable")
	}
}
