package coordinator

import (
	"context"
	"fmt"
)

// RestoreSession rebuilds current and queue from the driver's persisted
// bookings. When the gateway cannot be read the session is left empty and
// offline rather than half populated.
func (c *Coordinator) RestoreSession(ctx context.Context) error {
	bookings, err := c.gw.QueryActiveBookings(ctx, c.driverID)
	if err != nil {
		c.logger.Warn("restore_failed", "error", err)
		if rerr := c.do(ctx, func(s *state) error { s.reset(); return nil }); rerr != nil {
			return rerr
		}
		return fmt.Errorf("restore session: %w", err)
	}
	err = c.do(ctx, func(s *state) error {
		s.restore(bookings)
		return nil
	})
	if err != nil {
		return err
	}
	snap := c.Snapshot()
	current := ""
	if snap.Current != nil {
		current = snap.Current.ID
	}
	c.logger.Info("session_restored", "current", current, "queued", len(snap.Queue))
	return nil
}
