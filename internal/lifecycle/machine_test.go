package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func newMachine() *Machine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	est := &eta.Estimator{Speeds: geo.DefaultSpeedProfiles()}
	return NewMachine(storage.NewMemoryStore(), geo.DefaultRateTables(), est, logger)
}

func quoteCmd() QuoteCommand {
	return QuoteCommand{
		RiderID:      "rider-1",
		Pickup:       models.Coordinate{Lat: 6.5300, Lon: 3.3800},
		Destination:  models.Coordinate{Lat: 6.4500, Lon: 3.4000},
		VehicleClass: "bike",
	}
}

func requested(t *testing.T, m *Machine) models.RideRequest {
	t.Helper()
	q, err := m.Quote(context.Background(), quoteCmd())
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	r, err := m.Submit(context.Background(), q.Ride)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return r
}

func TestQuoteIsNotPersisted(t *testing.T) {
	m := newMachine()
	q, err := m.Quote(context.Background(), quoteCmd())
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Ride.Status != models.StatusQuoted || q.Ride.QuotedFare.Total <= 0 {
		t.Fatalf("unexpected quote %+v", q.Ride)
	}
	if _, err := m.Get(context.Background(), q.Ride.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("quote should not be stored, got %v", err)
	}
	want := geo.EstimatedFare(q.Route.DistanceMeters, q.Route.TravelSeconds, geo.DefaultRateTables()["bike"])
	if q.Ride.QuotedFare != want {
		t.Fatalf("fare %+v, want %+v", q.Ride.QuotedFare, want)
	}
}

func TestQuoteRejectsUnknownClass(t *testing.T) {
	cmd := quoteCmd()
	cmd.VehicleClass = "boat"
	if _, err := newMachine().Quote(context.Background(), cmd); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	r := requested(t, m)

	steps := []func() (models.RideRequest, error){
		func() (models.RideRequest, error) { return m.Assign(ctx, r.ID, "d1") },
		func() (models.RideRequest, error) { return m.Start(ctx, r.ID) },
		func() (models.RideRequest, error) { return m.Complete(ctx, r.ID) },
	}
	want := []models.RideStatus{models.StatusAssigned, models.StatusInProgress, models.StatusCompleted}
	for i, step := range steps {
		got, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.Status != want[i] {
			t.Fatalf("step %d: status %s, want %s", i, got.Status, want[i])
		}
	}
	final, _ := m.Get(ctx, r.ID)
	if final.DriverID() != "d1" {
		t.Fatalf("driver not kept: %+v", final)
	}
}

func TestNoSkippingStates(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	r := requested(t, m)
	if _, err := m.Start(ctx, r.ID); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("REQUESTED -> IN_PROGRESS should fail, got %v", err)
	}
	if _, err := m.Complete(ctx, r.ID); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("REQUESTED -> COMPLETED should fail, got %v", err)
	}
}

func TestCancelNotAllowedInProgress(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	r := requested(t, m)
	_, _ = m.Assign(ctx, r.ID, "d1")
	_, _ = m.Start(ctx, r.ID)
	if _, err := m.Cancel(ctx, r.ID, "late"); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestTerminalRejectsEverything(t *testing.T) {
	ctx := context.Background()
	m := newMachine()

	cancelled := requested(t, m)
	if _, err := m.Cancel(ctx, cancelled.ID, "rider changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	completed := requested(t, m)
	_, _ = m.Assign(ctx, completed.ID, "d1")
	_, _ = m.Start(ctx, completed.ID)
	_, _ = m.Complete(ctx, completed.ID)

	for _, id := range []string{cancelled.ID, completed.ID} {
		ops := map[string]func() error{
			"assign":   func() error { _, err := m.Assign(ctx, id, "d2"); return err },
			"start":    func() error { _, err := m.Start(ctx, id); return err },
			"complete": func() error { _, err := m.Complete(ctx, id); return err },
			"cancel":   func() error { _, err := m.Cancel(ctx, id, ""); return err },
		}
		for name, op := range ops {
			if err := op(); !errors.Is(err, models.ErrInvalidStateTransition) {
				t.Fatalf("%s on terminal ride %s: expected invalid transition, got %v", name, id, err)
			}
		}
		r, _ := m.Get(ctx, id)
		if len(AllowedTransitions[r.Status]) != 0 {
			t.Fatalf("terminal status %s has outgoing transitions", r.Status)
		}
	}
}

func TestSubmitAndCancelQuote(t *testing.T) {
	m := newMachine()
	q, _ := m.Quote(context.Background(), quoteCmd())
	c, err := m.CancelQuote(q.Ride, "too expensive")
	if err != nil || c.Status != models.StatusCancelled {
		t.Fatalf("cancel quote: %+v %v", c, err)
	}
	if _, err := m.Submit(context.Background(), c); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("cancelled quote should not submit, got %v", err)
	}
}

func TestGetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	r := requested(t, m)
	for i := 0; i < 5; i++ {
		got, err := m.Get(ctx, r.ID)
		if err != nil || got.Status != models.StatusRequested {
			t.Fatalf("get %d: %+v %v", i, got, err)
		}
	}
}

func TestConcurrentAssignVsCancel(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	r := requested(t, m)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m.Assign(ctx, r.ID, "d1")
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := m.Cancel(ctx, r.ID, "rider_cancel")
		errs <- err
	}()
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, models.ErrInvalidStateTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	final, _ := m.Get(ctx, r.ID)
	switch success {
	case 1:
		if final.Status != models.StatusAssigned && final.Status != models.StatusCancelled {
			t.Fatalf("unexpected final status %s", final.Status)
		}
	case 2:
		// assign won, then cancel from ASSIGNED
		if final.Status != models.StatusCancelled {
			t.Fatalf("expected cancelled, got %s", final.Status)
		}
	default:
		t.Fatalf("expected 1 or 2 successes, got %d", success)
	}
}

func TestConcurrentAssignSameRide(t *testing.T) {
	ctx := context.Background()
	m := newMachine()
	r := requested(t, m)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Assign(ctx, r.ID, string(rune('a'+i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, models.ErrInvalidStateTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one assignment, got %d", wins)
	}
}
