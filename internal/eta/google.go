package eta

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

type directionsClient interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// GoogleMaps routes through the Directions API.
type GoogleMaps struct {
	client directionsClient
}

var _ Provider = (*GoogleMaps)(nil)

func NewGoogleMaps(apiKey string) (*GoogleMaps, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMaps{client: c}, nil
}

func (g *GoogleMaps) Route(ctx context.Context, from, to models.Coordinate) (Route, error) {
	routes, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	})
	if err != nil {
		return Route{}, fmt.Errorf("%w: directions: %w", models.ErrExternalService, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, fmt.Errorf("%w: directions returned no route", models.ErrExternalService)
	}

	r := routes[0]
	var out Route
	for _, leg := range r.Legs {
		out.DistanceMeters += float64(leg.Distance.Meters)
		out.TravelSeconds += leg.Duration.Seconds()
	}
	if pts, err := r.OverviewPolyline.Decode(); err == nil {
		out.Coordinates = make([]models.Coordinate, 0, len(pts))
		for _, p := range pts {
			out.Coordinates = append(out.Coordinates, models.Coordinate{Lat: p.Lat, Lon: p.Lng})
		}
	}
	out.Source = "google"
	return out, nil
}

func latLng(c models.Coordinate) string {
	return fmt.Sprintf("%f,%f", c.Lat, c.Lon)
}
