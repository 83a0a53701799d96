// Package eta estimates route distance and travel time between two points.
package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const SourceStraightLine = "straight_line"

// Route is a routing provider answer.
type Route struct {
	Coordinates    []models.Coordinate `json:"coordinates"`
	DistanceMeters float64             `json:"distance_meters"`
	TravelSeconds  float64             `json:"travel_seconds"`
	Source         string              `json:"source"`
}

// Provider is an optional real-road routing backend.
type Provider interface {
	Route(ctx context.Context, origin, destination models.Coordinate) (Route, error)
}

// DefaultCacheEntries bounds a Cache. Trip legs of moving drivers rarely repeat.
const DefaultCacheEntries = 10000

// Cache is a tiny in-memory TTL cache for routes keyed by coords. Expired
// entries are swept on Set at most once per ttl, and the cache never holds more
// than max entries.
type Cache struct {
	mu        sync.RWMutex
	store     map[string]cacheEntry
	ttl       time.Duration
	max       int
	lastSweep time.Time
	now       func() time.Time
}

type cacheEntry struct {
	r  Route
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, max: DefaultCacheEntries, now: time.Now}
}

func keyFor(a, b models.Coordinate) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// ~0.1m resolution
func fmtCoord(c models.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coordinate) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.r, true
}

func (c *Cache) Set(a, b models.Coordinate, r Route) {
	k := keyFor(a, b)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) >= c.ttl {
		for key, e := range c.store {
			if now.Sub(e.ts) > c.ttl {
				delete(c.store, key)
			}
		}
		c.lastSweep = now
	}
	if _, ok := c.store[k]; !ok && len(c.store) >= c.max {
		// evict an arbitrary entry
		for key := range c.store {
			delete(c.store, key)
			break
		}
	}
	c.store[k] = cacheEntry{r: r, ts: now}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Estimator combines an optional Provider and Cache with the straight-line
// speed profiles. Provider failures fall back to haversine.
type Estimator struct {
	Provider Provider
	Cache    *Cache
	Speeds   geo.SpeedProfiles
	Logger   *slog.Logger
}

// Pickup estimates the driver to pickup leg from straight-line distance.
func (e *Estimator) Pickup(driver, pickup models.Coordinate) float64 {
	return e.Speeds.PickupSeconds(geo.DistanceMeters(driver, pickup))
}

// Trip estimates the pickup to destination leg.
func (e *Estimator) Trip(ctx context.Context, from, to models.Coordinate) Route {
	if e.Cache != nil {
		if r, ok := e.Cache.Get(from, to); ok {
			return r
		}
	}
	if e.Provider != nil {
		r, err := e.Provider.Route(ctx, from, to)
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, r)
			}
			return r
		}
		if e.Logger != nil {
			e.Logger.Warn("routing provider failed, using straight line", "error", err)
		}
	}
	return StraightLine(from, to, e.Speeds.TripKmh)
}

func StraightLine(from, to models.Coordinate, speedKmh float64) Route {
	d := geo.DistanceMeters(from, to)
	return Route{
		Coordinates:    []models.Coordinate{from, to},
		DistanceMeters: d,
		TravelSeconds:  geo.EstimatedTravelSeconds(d, speedKmh),
		Source:         SourceStraightLine,
	}
}
