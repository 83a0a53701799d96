package geo

import (
	"math"
	"math/rand"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDistanceZero(t *testing.T) {
	c := models.Coordinate{Lat: 6.5244, Lon: 3.3792}
	if d := DistanceMeters(c, c); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKnownValues(t *testing.T) {
	tests := []struct {
		name      string
		a, b      models.Coordinate
		want      float64
		tolerance float64
	}{
		{
			name:      "Lagos driver to rider (~650m)",
			a:         models.Coordinate{Lat: 6.5244, Lon: 3.3792},
			b:         models.Coordinate{Lat: 6.5300, Lon: 3.3800},
			want:      650,
			tolerance: 30,
		},
		{
			name:      "New York to Los Angeles (~3944km)",
			a:         models.Coordinate{Lat: 40.7128, Lon: -74.0060},
			b:         models.Coordinate{Lat: 34.0522, Lon: -118.2437},
			want:      3944000,
			tolerance: 50000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(tt.a, tt.b)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Errorf("DistanceMeters() = %f, want %f (±%f)", got, tt.want, tt.tolerance)
			}
		})
	}
}

func randomCoord(r *rand.Rand) models.Coordinate {
	return models.Coordinate{Lat: r.Float64()*180 - 90, Lon: r.Float64()*360 - 180}
}

func TestDistanceSymmetryAndTriangle(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		a, b, c := randomCoord(r), randomCoord(r), randomCoord(r)
		ab, ba := DistanceMeters(a, b), DistanceMeters(b, a)
		if math.Abs(ab-ba) > 1e-6 {
			t.Fatalf("not symmetric: %f vs %f", ab, ba)
		}
		if ab > DistanceMeters(a, c)+DistanceMeters(c, b)+1e-3 {
			t.Fatalf("triangle inequality violated for %+v %+v %+v", a, b, c)
		}
	}
}

func TestEstimatedTravelSeconds(t *testing.T) {
	// 1km at 25km/h = 144s exactly
	if got := EstimatedTravelSeconds(1000, 25); got != 144 {
		t.Fatalf("expected 144, got %f", got)
	}
	// ceil: 1001m at 36km/h = 100.1s
	if got := EstimatedTravelSeconds(1001, 36); got != 101 {
		t.Fatalf("expected 101, got %f", got)
	}
	if got := EstimatedTravelSeconds(500, 0); got != 0 {
		t.Fatalf("expected 0 for zero speed, got %f", got)
	}
}

func TestSpeedProfilesUseDistinctLegs(t *testing.T) {
	p := SpeedProfiles{PickupKmh: 20, TripKmh: 40}
	if p.PickupSeconds(2000) != 360 || p.TripSeconds(2000) != 180 {
		t.Fatalf("unexpected leg estimates: %f %f", p.PickupSeconds(2000), p.TripSeconds(2000))
	}
}

func TestCellSharesPrefixForNearbyPoints(t *testing.T) {
	a := Cell(models.Coordinate{Lat: 6.5244, Lon: 3.3792})
	b := Cell(models.Coordinate{Lat: 6.5245, Lon: 3.3793})
	if len(a) != cellPrecision || a[:5] != b[:5] {
		t.Fatalf("expected shared prefix, got %s %s", a, b)
	}
}
