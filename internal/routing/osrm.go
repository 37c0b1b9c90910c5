package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-queue/internal/models"
)

// Provider computes a driving route between two points. forceFresh asks
// any intermediate cache to be bypassed.
type Provider interface {
	GetRoute(ctx context.Context, origin, destination models.Coord, forceFresh bool) (models.RouteInfo, error)
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// GetRoute queries OSRM /route with the full GeoJSON geometry so the
// waypoints can be drawn and used for deviation checks.
func (o *OSRMClient) GetRoute(ctx context.Context, from, to models.Coord, forceFresh bool) (models.RouteInfo, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return models.RouteInfo{}, err
	}
	if forceFresh {
		req.Header.Set("Cache-Control", "no-cache")
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.RouteInfo{}, fmt.Errorf("%w: osrm: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return models.RouteInfo{}, fmt.Errorf("%w: osrm status %d", models.ErrTransient, resp.StatusCode)
	}

	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.RouteInfo{}, fmt.Errorf("decode osrm response: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.RouteInfo{}, fmt.Errorf("%w: osrm no route: %v", models.ErrRouteUnavailable, out.Code)
	}

	r := out.Routes[0]
	info := models.RouteInfo{
		Waypoints:       make([]models.Coord, 0, len(r.Geometry.Coordinates)),
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
		Origin:          from,
		Target:          to,
		ComputedAt:      time.Now(),
	}
	for _, c := range r.Geometry.Coordinates {
		info.Waypoints = append(info.Waypoints, models.Coord{Lat: c[1], Lon: c[0]})
	}
	return info, nil
}
