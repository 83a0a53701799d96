package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// RateTable prices one vehicle class.
type RateTable struct {
	Currency  string
	Base      float64
	PerMeter  float64
	PerSecond float64
	Minimum   float64
}

// RateTables maps vehicle class to its rate table.
type RateTables map[string]RateTable

// DefaultRateTables mirrors the fares shown by the rider app. Van rates keep
// the app's 300/250 ratio against bike.
func DefaultRateTables() RateTables {
	return RateTables{
		"bike": {Currency: "USD", Base: 2.0, PerMeter: 0.001, PerSecond: 0.003, Minimum: 5.0},
		"van":  {Currency: "USD", Base: 2.4, PerMeter: 0.0012, PerSecond: 0.0036, Minimum: 6.0},
	}
}

func (t RateTables) Lookup(vehicleClass string) (RateTable, bool) {
	rt, ok := t[vehicleClass]
	return rt, ok
}

// EstimatedFare returns max(base + distance*rate + duration*rate, minimum) with every
// component rounded to cents.
func EstimatedFare(distanceMeters, durationSeconds float64, rt RateTable) models.FareBreakdown {
	distanceFare := math.Max(0, distanceMeters) * rt.PerMeter
	timeFare := math.Max(0, durationSeconds) * rt.PerSecond
	subtotal := rt.Base + distanceFare + timeFare

	fb := models.FareBreakdown{
		Currency:     rt.Currency,
		Base:         cents(rt.Base),
		DistanceFare: cents(distanceFare),
		TimeFare:     cents(timeFare),
		Subtotal:     cents(subtotal),
		MinimumFare:  cents(rt.Minimum),
	}
	fb.Total = fb.Subtotal
	if fb.Subtotal < fb.MinimumFare {
		fb.Total = fb.MinimumFare
		fb.MinimumApplied = true
	}
	return fb
}

func cents(v float64) float64 { return math.Round(v*100) / 100 }
