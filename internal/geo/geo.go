package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-queue/internal/models"
)

// Positions receives the driver's location while they are online so the
// dispatch side can find them; Remove takes them out when they go offline.
type Positions interface {
	Upsert(ctx context.Context, d models.Driver) error
	Remove(ctx context.Context, driverID string) error
}

// Index is the in-process Positions used when Redis is not configured.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(ctx context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Remove(ctx context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

func (g *Index) Get(driverID string) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over Coords.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// DistanceToPath returns the distance in meters from p to the closest
// segment of path. Segments are projected on a local equirectangular plane,
// which is accurate at the few-hundred-meter scale deviation checks use.
// An empty path is infinitely far away.
func DistanceToPath(p models.Coord, path []models.Coord) float64 {
	switch len(path) {
	case 0:
		return math.Inf(1)
	case 1:
		return Distance(p, path[0])
	}
	best := math.Inf(1)
	for i := 1; i < len(path); i++ {
		if d := distanceToSegment(p, path[i-1], path[i]); d < best {
			best = d
		}
	}
	return best
}

func distanceToSegment(p, a, b models.Coord) float64 {
	const R = 6371000.0
	rad := math.Pi / 180
	k := math.Cos(p.Lat * rad)
	// meters relative to p
	ax, ay := (a.Lon-p.Lon)*rad*R*k, (a.Lat-p.Lat)*rad*R
	bx, by := (b.Lon-p.Lon)*rad*R*k, (b.Lat-p.Lat)*rad*R
	dx, dy := bx-ax, by-ay
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return math.Hypot(ax, ay)
	}
	t := -(ax*dx + ay*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(ax+t*dx, ay+t*dy)
}
