// Package matcher finds candidate drivers around a point.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// radiusMargin widens the native radius pre-filter; the exact haversine
// check runs afterwards, so the margin only needs to cover index error.
const radiusMargin = 1.01

type Finder struct {
	Store      location.Store
	StaleAfter time.Duration
	Speeds     geo.SpeedProfiles
	Now        func() time.Time
}

func NewFinder(store location.Store, staleAfter time.Duration, speeds geo.SpeedProfiles) *Finder {
	return &Finder{Store: store, StaleAfter: staleAfter, Speeds: speeds, Now: time.Now}
}

// FindCandidates returns available drivers with a fresh fix within radiusMeters of
// target, nearest first, ties by driver id. No match yields an empty slice.
func (f *Finder) FindCandidates(ctx context.Context, target models.Coordinate, radiusMeters float64) ([]models.DriverCandidate, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters < 0 {
		return nil, fmt.Errorf("%w: radius must be >= 0", models.ErrInvalidInput)
	}
	states, err := f.query(ctx, target, radiusMeters)
	if err != nil {
		if errors.Is(err, models.ErrExternalService) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: location query: %w", models.ErrExternalService, err)
	}

	now := f.now()
	out := make([]models.DriverCandidate, 0, len(states))
	for _, s := range states {
		c, ok := f.Candidate(s, target, now)
		if !ok || c.DistanceMeters > radiusMeters {
			continue
		}
		out = append(out, c)
	}
	SortCandidates(out)
	observability.CandidatesFound.Observe(float64(len(out)))
	return out, nil
}

// Candidate builds the candidate view of s relative to target. It reports false
// when the actor is unavailable or bound, has never reported, or its fix is
// stale or ahead of now.
func (f *Finder) Candidate(s models.ActorState, target models.Coordinate, now time.Time) (models.DriverCandidate, bool) {
	if !s.Dispatchable() || s.Location == nil || !s.Location.IsFresh(now, f.StaleAfter) {
		return models.DriverCandidate{}, false
	}
	d := geo.DistanceMeters(s.Location.Coordinate, target)
	return models.DriverCandidate{
		DriverID:           s.ActorID,
		Location:           *s.Location,
		IsAvailable:        true,
		DistanceMeters:     d,
		EtaToPickupSeconds: f.Speeds.PickupSeconds(d),
		Cell:               geo.Cell(s.Location.Coordinate),
	}, true
}

func (f *Finder) query(ctx context.Context, target models.Coordinate, radiusMeters float64) ([]models.ActorState, error) {
	if rq, ok := f.Store.(location.RadiusQuerier); ok {
		return rq.QueryWithin(ctx, target, radiusMeters*radiusMargin+1, location.AvailableOnly())
	}
	return f.Store.Query(ctx, location.AvailableOnly())
}

func (f *Finder) now() time.Time {
	if f.Now == nil {
		return time.Now()
	}
	return f.Now()
}

// SortCandidates orders by distance, then driver id.
func SortCandidates(cs []models.DriverCandidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].DistanceMeters != cs[j].DistanceMeters {
			return cs[i].DistanceMeters < cs[j].DistanceMeters
		}
		return cs[i].DriverID < cs[j].DriverID
	})
}
