package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// mean earth radius (IUGG) in meters
const earthRadiusMeters = 6371008.8

const cellPrecision = 7

// SpeedProfiles holds the average speeds used for the two ETA legs.
// Pickup maneuvering in traffic is slower than the open transit leg.
type SpeedProfiles struct {
	PickupKmh float64
	TripKmh   float64
}

func DefaultSpeedProfiles() SpeedProfiles {
	return SpeedProfiles{PickupKmh: 25, TripKmh: 40}
}

// DistanceMeters is the haversine great-circle distance between a and b.
func DistanceMeters(a, b models.Coordinate) float64 {
	if a == b {
		return 0
	}
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// clamp guards against h drifting past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// EstimatedTravelSeconds returns ceil(distance / 1000 / speed * 3600).
func EstimatedTravelSeconds(distanceMeters, averageSpeedKmh float64) float64 {
	if distanceMeters <= 0 || averageSpeedKmh <= 0 {
		return 0
	}
	return math.Ceil(distanceMeters / 1000 / averageSpeedKmh * 3600)
}

// PickupSeconds estimates the driver -> pickup leg.
func (p SpeedProfiles) PickupSeconds(distanceMeters float64) float64 {
	return EstimatedTravelSeconds(distanceMeters, p.PickupKmh)
}

// TripSeconds estimates the pickup -> destination leg.
func (p SpeedProfiles) TripSeconds(distanceMeters float64) float64 {
	return EstimatedTravelSeconds(distanceMeters, p.TripKmh)
}

// Cell returns the geohash cell (~150m) containing c.
func Cell(c models.Coordinate) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, cellPrecision)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
