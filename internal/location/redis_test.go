package location

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

func TestRedisStoreRejectsPolarFixBeforeWriting(t *testing.T) {
	// Nothing listens here; a network round trip would surface ErrExternalService.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	defer client.Close()
	s := NewRedisStore(client, "test_geo", nil)

	for _, lat := range []float64{85.1, -89.9} {
		err := s.Put(context.Background(), fix("d1", lat, 3, time.Now()))
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Fatalf("lat %v: expected ErrInvalidInput, got %v", lat, err)
		}
	}
	err := s.Put(context.Background(), fix("d1", 6.5, 3, time.Now().Add(24*time.Hour)))
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("future fix: expected ErrInvalidInput, got %v", err)
	}
}

// Runs against a real Redis when REDIS_ADDR is set.
func TestRedisStoreIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	s := NewRedisStore(client, "test_geo", nil)

	now := time.Now().Truncate(time.Millisecond)
	if err := s.Put(ctx, fix("d1", 6.5244, 3.3792, now)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, fix("d1", 7, 4, now.Add(-time.Minute))); err != nil {
		t.Fatalf("put older: %v", err)
	}
	got, ok, err := s.Get(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Location.Coordinate.Lat != 6.5244 || !got.Location.CapturedAt.Equal(now) {
		t.Fatalf("unexpected location %+v", got.Location)
	}

	if err := s.SetAvailability(ctx, "d1", true); err != nil {
		t.Fatalf("set availability: %v", err)
	}
	near, err := s.QueryWithin(ctx, got.Location.Coordinate, 1000, AvailableOnly())
	if err != nil || len(near) != 1 {
		t.Fatalf("query within: %v %+v", err, near)
	}
	if ok, _ := s.Bind(ctx, "d1", "r1"); !ok {
		t.Fatal("bind should succeed")
	}
	if ok, _ := s.Bind(ctx, "d1", "r2"); ok {
		t.Fatal("second bind should fail")
	}
	if err := s.SetAvailability(ctx, "d1", true); err != nil {
		t.Fatalf("set availability: %v", err)
	}
	if ok, _ := s.Bind(ctx, "d1", "r2"); ok {
		t.Fatal("re-sent availability must not release the binding")
	}
	avail, _ := s.Query(ctx, AvailableOnly())
	if len(avail) != 0 {
		t.Fatalf("expected no dispatchable actors, got %+v", avail)
	}
	if ok, _ := s.Unbind(ctx, "d1", "r2"); ok {
		t.Fatal("unbind by another ride should fail")
	}
	if ok, _ := s.Unbind(ctx, "d1", "r1"); !ok {
		t.Fatal("unbind should succeed")
	}
	got, _, _ = s.Get(ctx, "d1")
	if !got.Dispatchable() {
		t.Fatalf("expected d1 dispatchable after unbind, got %+v", got)
	}
}
