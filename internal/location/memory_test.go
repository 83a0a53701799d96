package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func fix(id string, lat, lon float64, at time.Time) models.ActorLocation {
	return models.ActorLocation{ActorID: id, Coordinate: models.Coordinate{Lat: lat, Lon: lon}, AccuracyMeters: 5, CapturedAt: at}
}

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	if err := s.Put(ctx, fix("d1", 6.52, 3.37, now)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("expected d1, ok=%v err=%v", ok, err)
	}
	if got.Location == nil || got.Location.Coordinate.Lat != 6.52 {
		t.Fatalf("unexpected state %+v", got)
	}
	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Fatal("expected missing actor to be absent")
	}
}

func TestMemoryStoreIgnoresOlderFix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	_ = s.Put(ctx, fix("d1", 1, 1, now))
	_ = s.Put(ctx, fix("d1", 2, 2, now.Add(-time.Second)))
	got, _, _ := s.Get(ctx, "d1")
	if got.Location.Coordinate.Lat != 1 {
		t.Fatalf("older fix overwrote newer one: %+v", got.Location)
	}
}

func TestMemoryStoreRejectsInvalidFix(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Put(context.Background(), fix("d1", 91, 0, time.Now())); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Put(ctx, fix("d1", 1, 1, time.Now()))
	got, _, _ := s.Get(ctx, "d1")
	got.Location.Coordinate.Lat = 50
	again, _, _ := s.Get(ctx, "d1")
	if again.Location.Coordinate.Lat != 1 {
		t.Fatal("caller mutated stored state")
	}
}

func TestMemoryStoreBindAndUnbind(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if ok, _ := s.Bind(ctx, "ghost", "r1"); ok {
		t.Fatal("bind on unknown actor should fail")
	}
	_ = s.SetAvailability(ctx, "d1", false)
	if ok, _ := s.Bind(ctx, "d1", "r1"); ok {
		t.Fatal("bind on unavailable actor should fail")
	}
	_ = s.SetAvailability(ctx, "d1", true)
	if ok, _ := s.Bind(ctx, "d1", "r1"); !ok {
		t.Fatal("bind should succeed")
	}
	if ok, _ := s.Bind(ctx, "d1", "r2"); ok {
		t.Fatal("second bind should fail")
	}
	if ok, _ := s.Unbind(ctx, "d1", "r2"); ok {
		t.Fatal("unbind by another ride should fail")
	}
	got, _, _ := s.Get(ctx, "d1")
	if got.BoundRide != "r1" || got.Dispatchable() {
		t.Fatalf("expected d1 bound to r1, got %+v", got)
	}
	if ok, _ := s.Unbind(ctx, "d1", "r1"); !ok {
		t.Fatal("unbind should succeed")
	}
	if got, _, _ := s.Get(ctx, "d1"); !got.Dispatchable() {
		t.Fatalf("expected d1 dispatchable again, got %+v", got)
	}
}

func TestMemoryStoreAvailabilityDoesNotReleaseBinding(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SetAvailability(ctx, "d1", true)
	_, _ = s.Bind(ctx, "d1", "r1")

	// driver apps resend their flag with every fix
	_ = s.SetAvailability(ctx, "d1", true)
	if ok, _ := s.Bind(ctx, "d1", "r2"); ok {
		t.Fatal("re-sent availability must not reopen a bound driver")
	}

	_ = s.SetAvailability(ctx, "d1", false)
	_, _ = s.Unbind(ctx, "d1", "r1")
	got, _, _ := s.Get(ctx, "d1")
	if got.Available || got.BoundRide != "" {
		t.Fatalf("unbind must leave the driver's own flag alone, got %+v", got)
	}
}

func TestMemoryStoreRejectsFutureFix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	if err := s.Put(ctx, fix("d1", 6.5244, 3.3792, now.Add(24*time.Hour))); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := s.Put(ctx, fix("d1", 6.53, 3.38, now)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _, _ := s.Get(ctx, "d1")
	if got.Location == nil || got.Location.Coordinate.Lat != 6.53 {
		t.Fatalf("real fix should be stored, got %+v", got.Location)
	}
}

func TestMemoryStoreConcurrentClaimHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SetAvailability(ctx, "d1", true)

	var wg sync.WaitGroup
	wins := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := s.Bind(ctx, "d1", "r1")
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)
	n := 0
	for ok := range wins {
		if ok {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
}

func TestMemoryStoreQueryFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SetAvailability(ctx, "b", true)
	_ = s.SetAvailability(ctx, "a", true)
	_ = s.SetAvailability(ctx, "c", false)

	all, _ := s.Query(ctx, Filter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 actors, got %d", len(all))
	}
	avail, _ := s.Query(ctx, AvailableOnly())
	if len(avail) != 2 || avail[0].ActorID != "a" || avail[1].ActorID != "b" {
		t.Fatalf("unexpected available set %+v", avail)
	}
}

func TestMemoryStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var got []models.ActorState
	unsub := s.Subscribe("d1", func(st models.ActorState) { got = append(got, st) })

	_ = s.Put(ctx, fix("d1", 1, 1, time.Now()))
	_ = s.Put(ctx, fix("d2", 1, 1, time.Now()))
	_ = s.SetAvailability(ctx, "d1", true)
	unsub()
	_ = s.SetAvailability(ctx, "d1", false)

	if len(got) != 2 {
		t.Fatalf("expected 2 notifications for d1, got %d", len(got))
	}
	if !got[1].Available {
		t.Fatal("second notification should carry availability")
	}
}
