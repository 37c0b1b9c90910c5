package coordinator

import (
	"context"
	"errors"

	"github.com/example/ride-queue/internal/models"
)

// Reconcile applies an authoritative booking document to the session. It is
// fed by the per-booking watchers, the sweep, and the results of the
// driver's own writes, and is idempotent for repeated documents.
func (c *Coordinator) Reconcile(ctx context.Context, b models.Booking) error {
	switch b.Status {
	case models.StatusCancelled:
		return c.do(ctx, func(s *state) error {
			s.cancel(b)
			return nil
		})
	case models.StatusCompleted:
		return c.finishCompleted(ctx, b)
	default:
		return c.do(ctx, func(s *state) error {
			s.observe(b)
			return nil
		})
	}
}

// finishCompleted consults the rating record outside the loop; a failed
// lookup counts as not yet rated so the rating step is never skipped.
func (c *Coordinator) finishCompleted(ctx context.Context, b models.Booking) error {
	held := false
	for _, id := range c.Snapshot().Held() {
		if id == b.ID {
			held = true
			break
		}
	}
	if !held {
		return nil
	}
	rated, err := c.ratings.HasRated(ctx, c.driverID, b.ID)
	if err != nil {
		c.logger.Warn("rating_lookup_failed", "booking_id", b.ID, "error", err)
		rated = false
	}
	return c.do(ctx, func(s *state) error {
		s.completed(b, rated)
		return nil
	})
}

// refresh re-reads a booking after a lost conditional write.
func (c *Coordinator) refresh(ctx context.Context, id string) {
	b, err := c.gw.GetBooking(ctx, id)
	switch {
	case err == nil:
		if err := c.Reconcile(ctx, b); err != nil {
			c.logger.Warn("refresh_failed", "booking_id", id, "error", err)
		}
	case errors.Is(err, models.ErrNotFound):
		_ = c.do(ctx, func(s *state) error {
			s.remove(id)
			return nil
		})
	default:
		c.logger.Warn("refresh_failed", "booking_id", id, "error", err)
	}
}

// Sweep re-reads every held booking so changes missed by the watchers
// (dropped connections, restarts of the backend stream) are healed.
func (c *Coordinator) Sweep(ctx context.Context) {
	ids := c.Snapshot().Held()
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		c.refresh(ctx, id)
	}
	c.logger.Debug("sweep_done", "held", len(ids))
}
