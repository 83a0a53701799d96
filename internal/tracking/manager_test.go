package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type chanPublisher chan View

func (c chanPublisher) Publish(v View) {
	select {
	case c <- v:
	default:
	}
}

func waitView(t *testing.T, c chanPublisher, match func(View) bool) View {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-c:
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for view")
		}
	}
}

func TestManagerRunsAndStopsSessions(t *testing.T) {
	f := newFixture(t)
	f.cfg.Interval = 10 * time.Millisecond
	pub := make(chanPublisher, 16)
	m := NewManager(f.cfg, f.rides, f.deps, pub)
	defer m.Close()

	s := m.Start("ride-1")
	if again := m.Start("ride-1"); again != s {
		t.Fatal("Start should return the running session")
	}
	waitView(t, pub, func(v View) bool { return v.RideID == "ride-1" })

	m.Stop("ride-1")
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := m.Get("ride-1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stopped session still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManagerTicksOnRideChange(t *testing.T) {
	f := newFixture(t)
	f.cfg.Interval = time.Hour
	pub := make(chanPublisher, 16)
	m := NewManager(f.cfg, f.rides, f.deps, pub)
	defer m.Close()

	s := m.Start("ride-1")
	waitView(t, pub, func(v View) bool { return v.Seq == 1 })

	_, _ = f.rides.Transition(context.Background(), "ride-1", models.StatusRequested, models.StatusCancelled, storage.TransitionFields{})
	v := waitView(t, pub, func(v View) bool { return v.Status == models.StatusCancelled })
	if v.Seq < 2 {
		t.Fatalf("expected a later tick, got seq %d", v.Seq)
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session should end after cancellation")
	}
}
