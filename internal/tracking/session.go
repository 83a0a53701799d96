// Package tracking runs the per-ride refresh loop that keeps a rider's view of
// candidate or assigned drivers current.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Config struct {
	Interval     time.Duration
	TickTimeout  time.Duration
	RadiusMeters float64
	StaleAfter   time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, TickTimeout: 4 * time.Second, RadiusMeters: 5000, StaleAfter: 30 * time.Second}
}

// View is what a tick publishes to the ride's subscriber.
type View struct {
	RideID     string                   `json:"ride_id"`
	Seq        uint64                   `json:"seq"`
	Status     models.RideStatus        `json:"status"`
	Candidates []models.DriverCandidate `json:"candidates"`
	// AssignedDriver is set once a driver is bound and has a fresh fix. While
	// IN_PROGRESS its distance and trip leg are measured to the destination.
	AssignedDriver      *models.DriverCandidate `json:"assigned_driver,omitempty"`
	AssignedDriverStale bool                    `json:"assigned_driver_stale,omitempty"`
	SelectedDriverID    string                  `json:"selected_driver_id,omitempty"`
	SelectionLost       bool                    `json:"selection_lost,omitempty"`
	Dropped             []string                `json:"dropped,omitempty"`
	ComputedAt          time.Time               `json:"computed_at"`
}

type RideReader interface {
	Get(ctx context.Context, id string) (models.RideRequest, error)
}

type CandidateFinder interface {
	FindCandidates(ctx context.Context, target models.Coordinate, radiusMeters float64) ([]models.DriverCandidate, error)
}

type LocationReader interface {
	Get(ctx context.Context, actorID string) (models.ActorState, bool, error)
}

type Deps struct {
	Rides     RideReader
	Finder    CandidateFinder
	Locations LocationReader
	Estimator *eta.Estimator
	Logger    *slog.Logger
	Now       func() time.Time
}

// Session refreshes one ride. Ticks never overlap; a result is published only
// if it is newer than the last published one and the session is still open.
type Session struct {
	rideID  string
	cfg     Config
	deps    Deps
	publish func(View)
	logger  *slog.Logger

	tickMu sync.Mutex
	seq    atomic.Uint64
	nudge  chan struct{}

	// emitMu orders check, store and publish so subscribers see views in seq order.
	emitMu sync.Mutex

	mu        sync.Mutex
	view      View
	hasView   bool
	published uint64
	selection string
	closed    bool
	cancelRun context.CancelFunc
	done      chan struct{}
}

func NewSession(rideID string, cfg Config, deps Deps, publish func(View)) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if publish == nil {
		publish = func(View) {}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		rideID:  rideID,
		cfg:     cfg,
		deps:    deps,
		publish: publish,
		logger:  logger.With("ride_id", rideID),
		nudge:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *Session) RideID() string { return s.rideID }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run ticks immediately and then every Interval until Close, ctx cancellation
// or a terminal ride status.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelRun = cancel
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.nudge:
		}
		s.runTick(ctx)
	}
}

// Nudge requests an early tick. At most one request is kept pending.
func (s *Session) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

func (s *Session) runTick(ctx context.Context) {
	if s.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TickTimeout)
		defer cancel()
	}
	_, _, _ = s.Tick(ctx)
}

// Tick computes and publishes one view. It reports whether the view was
// published; on error the previous view stays current.
func (s *Session) Tick(ctx context.Context) (View, bool, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	defer func() { observability.TrackingTickDuration.Observe(time.Since(start).Seconds()) }()

	seq := s.seq.Add(1)
	v, err := s.compute(ctx, seq)
	if err != nil {
		observability.TrackingTicksTotal.WithLabelValues("skipped").Inc()
		s.logger.Warn("tracking tick skipped", "seq", seq, "error", err)
		return View{}, false, err
	}
	out, ok := s.commit(v)
	if !ok {
		observability.TrackingTicksTotal.WithLabelValues("discarded").Inc()
		return View{}, false, nil
	}
	observability.TrackingTicksTotal.WithLabelValues("published").Inc()
	if out.Status.Terminal() {
		s.logger.Info("ride reached terminal status, ending session", "status", out.Status)
		s.Close()
	}
	return out, true, nil
}

func (s *Session) compute(ctx context.Context, seq uint64) (View, error) {
	ride, err := s.deps.Rides.Get(ctx, s.rideID)
	if err != nil {
		return View{}, external("read ride", err)
	}
	v := View{
		RideID:     s.rideID,
		Seq:        seq,
		Status:     ride.Status,
		Candidates: []models.DriverCandidate{},
		ComputedAt: s.deps.Now(),
	}

	switch ride.Status {
	case models.StatusRequested:
		cands, err := s.deps.Finder.FindCandidates(ctx, ride.Pickup, s.cfg.RadiusMeters)
		if err != nil {
			return View{}, external("find candidates", err)
		}
		trip := s.deps.Estimator.Trip(ctx, ride.Pickup, ride.Destination)
		for i := range cands {
			cands[i].EtaToPickupSeconds = s.deps.Estimator.Pickup(cands[i].Location.Coordinate, ride.Pickup)
			cands[i].EtaPickupToDestinationSeconds = trip.TravelSeconds
		}
		v.Candidates = cands

	case models.StatusAssigned, models.StatusInProgress:
		driverID := ride.DriverID()
		st, ok, err := s.deps.Locations.Get(ctx, driverID)
		if err != nil {
			return View{}, external("read driver location", err)
		}
		if !ok || st.Location == nil {
			s.logger.Debug("assigned driver has no fix", "driver_id", driverID, "error", models.ErrLocationUnavailable)
			v.AssignedDriverStale = true
			break
		}
		if !st.Location.IsFresh(v.ComputedAt, s.cfg.StaleAfter) {
			s.logger.Debug("assigned driver fix is stale", "driver_id", driverID, "captured_at", st.Location.CapturedAt, "error", models.ErrStaleData)
			v.AssignedDriverStale = true
			break
		}
		pos := st.Location.Coordinate
		c := models.DriverCandidate{
			DriverID:    driverID,
			Location:    *st.Location,
			IsAvailable: st.Available,
			Cell:        geo.Cell(pos),
		}
		if ride.Status == models.StatusAssigned {
			c.DistanceMeters = geo.DistanceMeters(pos, ride.Pickup)
			c.EtaToPickupSeconds = s.deps.Estimator.Pickup(pos, ride.Pickup)
			c.EtaPickupToDestinationSeconds = s.deps.Estimator.Trip(ctx, ride.Pickup, ride.Destination).TravelSeconds
		} else {
			c.DistanceMeters = geo.DistanceMeters(pos, ride.Destination)
			c.EtaPickupToDestinationSeconds = s.deps.Estimator.Trip(ctx, pos, ride.Destination).TravelSeconds
		}
		v.AssignedDriver = &c
	}
	return v, nil
}

// commit publishes v unless a newer view already went out or the session is closed.
func (s *Session) commit(v View) (View, bool) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		observability.TrackingDiscardedTotal.WithLabelValues("closed").Inc()
		s.logger.Debug("discarding tick result after close", "seq", v.Seq)
		return View{}, false
	}
	if v.Seq <= s.published {
		s.mu.Unlock()
		observability.TrackingDiscardedTotal.WithLabelValues("superseded").Inc()
		s.logger.Debug("discarding superseded tick result", "seq", v.Seq, "published", s.published)
		return View{}, false
	}

	if s.hasView && s.view.Status == models.StatusRequested && v.Status == models.StatusRequested {
		current := make(map[string]struct{}, len(v.Candidates))
		for _, c := range v.Candidates {
			current[c.DriverID] = struct{}{}
		}
		for _, c := range s.view.Candidates {
			if _, ok := current[c.DriverID]; !ok {
				v.Dropped = append(v.Dropped, c.DriverID)
			}
		}
		if len(v.Dropped) > 0 {
			observability.CandidateDropoutsTotal.Add(float64(len(v.Dropped)))
			s.logger.Info("candidates dropped", "seq", v.Seq, "dropped", v.Dropped)
		}
	}
	if s.selection != "" && v.Status == models.StatusRequested && !hasCandidate(v.Candidates, s.selection) {
		s.logger.Info("selected driver dropped out", "driver_id", s.selection, "seq", v.Seq)
		s.selection = ""
		v.SelectionLost = true
	}
	v.SelectedDriverID = s.selection
	s.view = v
	s.hasView = true
	s.published = v.Seq
	s.mu.Unlock()

	s.publish(v)
	return v, true
}

// Select records the rider's tentative choice from the current view.
func (s *Session) Select(driverID string) (models.DriverCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.DriverCandidate{}, models.ErrSessionNotFound
	}
	if !s.hasView {
		return models.DriverCandidate{}, fmt.Errorf("%w: no candidates published yet", models.ErrCandidateUnavailable)
	}
	if s.view.Status != models.StatusRequested {
		return models.DriverCandidate{}, fmt.Errorf("%w: cannot select a driver while %s", models.ErrInvalidStateTransition, s.view.Status)
	}
	for _, c := range s.view.Candidates {
		if c.DriverID == driverID {
			s.selection = driverID
			return c, nil
		}
	}
	return models.DriverCandidate{}, models.ErrCandidateUnavailable
}

func (s *Session) Selection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

func (s *Session) ClearSelection() {
	s.mu.Lock()
	s.selection = ""
	s.mu.Unlock()
}

// View returns the last published view.
func (s *Session) View() (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view, s.hasView
}

// Close ends the session. It is safe to call at any time, including mid-tick;
// an in-flight tick's result is discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancelRun
	close(s.done)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func hasCandidate(cs []models.DriverCandidate, id string) bool {
	for _, c := range cs {
		if c.DriverID == id {
			return true
		}
	}
	return false
}

func external(op string, err error) error {
	if errors.Is(err, models.ErrExternalService) || errors.Is(err, models.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", models.ErrExternalService, op, err)
}
