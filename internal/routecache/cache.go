// Package routecache computes routes once per booking and target and keeps
// them so that switching the active booking does not wait on the router.
//
// A failed computation is never replaced by a made-up route: the entry stays
// empty and callers get models.ErrRouteUnavailable.
package routecache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-queue/internal/geo"
	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/observability"
	"github.com/example/ride-queue/internal/routing"
)

type Cache struct {
	provider  routing.Provider
	store     Store
	deviation float64
	timeout   time.Duration
	logger    *slog.Logger
}

// New builds a cache. deviationMeters is how far the driver may drift from a
// computed path before it is recomputed.
func New(provider routing.Provider, store Store, deviationMeters float64, timeout time.Duration, logger *slog.Logger) *Cache {
	return &Cache{provider: provider, store: store, deviation: deviationMeters, timeout: timeout, logger: logger}
}

// Lookup returns the cached route for bookingID if it leads to target.
func (c *Cache) Lookup(ctx context.Context, bookingID string, target models.Coord) (models.RouteInfo, bool) {
	e, ok, err := c.store.Get(ctx, bookingID)
	if err != nil {
		c.logger.Warn("route_cache_read_failed", "booking_id", bookingID, "error", err)
		return models.RouteInfo{}, false
	}
	if !ok || e.Target != target {
		return models.RouteInfo{}, false
	}
	return e.Route, true
}

// GetOrFetch returns the route for (bookingID, target), computing it from
// origin only when nothing is cached for that pair.
func (c *Cache) GetOrFetch(ctx context.Context, bookingID string, origin, target models.Coord) (models.RouteInfo, error) {
	if r, ok := c.Lookup(ctx, bookingID, target); ok {
		observability.RouteCacheLookups.WithLabelValues("hit").Inc()
		return r, nil
	}
	observability.RouteCacheLookups.WithLabelValues("miss").Inc()
	return c.fetch(ctx, bookingID, origin, target, false)
}

// Invalidate drops whatever is cached for bookingID.
func (c *Cache) Invalidate(ctx context.Context, bookingID string) {
	if err := c.store.Delete(ctx, bookingID); err != nil {
		c.logger.Warn("route_cache_delete_failed", "booking_id", bookingID, "error", err)
	}
}

// Deviated reports whether position is further than the threshold from the
// cached path of bookingID. No cached path means nothing to deviate from.
func (c *Cache) Deviated(ctx context.Context, bookingID string, position models.Coord) bool {
	e, ok, err := c.store.Get(ctx, bookingID)
	if err != nil || !ok {
		return false
	}
	return geo.DistanceToPath(position, e.Route.Waypoints) > c.deviation
}

// Recompute forces a fresh route from origin. The old entry is dropped
// first so a failure leaves the booking without a route.
func (c *Cache) Recompute(ctx context.Context, bookingID string, origin, target models.Coord) (models.RouteInfo, error) {
	c.Invalidate(ctx, bookingID)
	return c.fetch(ctx, bookingID, origin, target, true)
}

func (c *Cache) fetch(ctx context.Context, bookingID string, origin, target models.Coord, fresh bool) (models.RouteInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	r, err := c.provider.GetRoute(ctx, origin, target, fresh)
	observability.RouteFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("route_fetch_failed", "booking_id", bookingID, "fresh", fresh, "error", err)
		return models.RouteInfo{}, fmt.Errorf("%w: booking %s: %w", models.ErrRouteUnavailable, bookingID, err)
	}
	if err := c.store.Put(ctx, Entry{BookingID: bookingID, Target: target, Route: r, StoredAt: time.Now()}); err != nil {
		c.logger.Warn("route_cache_write_failed", "booking_id", bookingID, "error", err)
	}
	return r, nil
}
