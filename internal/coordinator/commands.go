package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-queue/internal/lifecycle"
	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/observability"
)

// Accept takes an offered request. A slot is reserved first so the remote
// write can never overfill the session; the booking only enters the session
// after the gateway confirms the assignment.
func (c *Coordinator) Accept(ctx context.Context, requestID string) (models.Booking, error) {
	if err := c.do(ctx, func(s *state) error { return s.reserve() }); err != nil {
		c.rejected(err)
		return models.Booking{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = c.do(context.WithoutCancel(ctx), func(s *state) error { s.release(); return nil })
		}
	}()

	req, err := c.gw.GetRequest(ctx, requestID)
	if err != nil {
		c.rejected(err)
		return models.Booking{}, err
	}
	if req.DriverID != "" && req.DriverID != c.driverID {
		err := fmt.Errorf("%w: request %s offered to another driver", models.ErrConflict, requestID)
		c.rejected(err)
		return models.Booking{}, err
	}

	// race check: a passenger may have cancelled while the offer was shown
	if b, err := c.gw.GetBooking(ctx, req.BookingID); err == nil && b.Status == models.StatusCancelled {
		c.dismiss(requestID)
		err := fmt.Errorf("%w: booking %s", models.ErrAlreadyCancelled, b.ID)
		c.rejected(err)
		return models.Booking{}, err
	}

	b, err := c.gw.AcceptRequest(ctx, requestID, c.driverID)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyCancelled) || errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrNotFound) {
			c.dismiss(requestID)
		}
		c.rejected(err)
		return models.Booking{}, err
	}

	err = c.do(context.WithoutCancel(ctx), func(s *state) error {
		s.commitAccept(b)
		return nil
	})
	if err != nil {
		return models.Booking{}, err
	}
	committed = true
	c.dismiss(requestID)
	return b, nil
}

// Decline refuses an offered request.
func (c *Coordinator) Decline(ctx context.Context, requestID string) error {
	err := c.gw.DeclineRequest(ctx, requestID, c.driverID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	c.dismiss(requestID)
	return nil
}

// SwitchTo makes a queued booking current; see state.switchTo for ordering.
func (c *Coordinator) SwitchTo(ctx context.Context, bookingID string) error {
	return c.do(ctx, func(s *state) error { return s.switchTo(bookingID) })
}

func (c *Coordinator) HeadToPickup(ctx context.Context) (models.Booking, error) {
	return c.drive(ctx, "", lifecycle.HeadToPickup, "")
}

func (c *Coordinator) ArrivedAtPickup(ctx context.Context) (models.Booking, error) {
	return c.drive(ctx, "", lifecycle.ArriveAtPickup, "")
}

func (c *Coordinator) StartTrip(ctx context.Context) (models.Booking, error) {
	return c.drive(ctx, "", lifecycle.StartTrip, "")
}

// CompleteTrip completes the current booking. The next booking is promoted
// only once the passenger has been rated.
func (c *Coordinator) CompleteTrip(ctx context.Context) (models.Booking, error) {
	return c.drive(ctx, "", lifecycle.CompleteTrip, "")
}

// CancelTrip cancels bookingID, or the current booking when bookingID is empty.
func (c *Coordinator) CancelTrip(ctx context.Context, bookingID, reason string) (models.Booking, error) {
	return c.drive(ctx, bookingID, lifecycle.Cancel, reason)
}

// drive applies a driver action. Illegal actions are rejected before any
// remote call; the session only changes after the write is persisted.
func (c *Coordinator) drive(ctx context.Context, bookingID string, a lifecycle.Action, reason string) (models.Booking, error) {
	var target models.Booking
	err := c.do(ctx, func(s *state) error {
		if bookingID == "" {
			if s.current == nil {
				return fmt.Errorf("%w: no current booking", models.ErrInvalidTransition)
			}
			target = *s.current
		} else {
			b, ok := s.booking(bookingID)
			if !ok {
				return fmt.Errorf("%w: booking %s is not held", models.ErrNotFound, bookingID)
			}
			if a != lifecycle.Cancel && (s.current == nil || s.current.ID != bookingID) {
				return fmt.Errorf("%w: %s only applies to the current booking", models.ErrInvalidTransition, a)
			}
			target = b
		}
		_, err := lifecycle.Next(target.Status, a)
		return err
	})
	if err != nil {
		return models.Booking{}, err
	}

	out, err := c.machine.Apply(ctx, target, a, reason)
	if err != nil {
		if errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrAlreadyCancelled) {
			c.refresh(context.WithoutCancel(ctx), target.ID)
		}
		return target, err
	}
	if err := c.Reconcile(context.WithoutCancel(ctx), out); err != nil {
		return out, err
	}
	return out, nil
}

// OnRatingAcknowledged is the rating gate's signal that the passenger of
// bookingID has been rated; a suspended promotion resumes.
func (c *Coordinator) OnRatingAcknowledged(ctx context.Context, bookingID string) error {
	if err := c.ratings.MarkRated(ctx, c.driverID, bookingID); err != nil {
		c.logger.Warn("rating_record_failed", "booking_id", bookingID, "error", err)
	}
	return c.do(ctx, func(s *state) error {
		s.ratingAcknowledged(bookingID)
		return nil
	})
}

// AcknowledgeCancellation clears the passenger-cancel notice.
func (c *Coordinator) AcknowledgeCancellation(ctx context.Context) error {
	return c.do(ctx, func(s *state) error {
		s.notice = nil
		return nil
	})
}

// SetOnline changes availability. Going offline withdraws the driver's
// position from dispatch; held bookings are kept.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) error {
	var loc *models.Coord
	err := c.do(ctx, func(s *state) error {
		s.online = online
		if s.location != nil {
			l := *s.location
			loc = &l
		}
		return nil
	})
	if err != nil || c.pos == nil {
		return err
	}
	if !online {
		if err := c.pos.Remove(ctx, c.driverID); err != nil {
			c.logger.Warn("position_remove_failed", "error", err)
		}
		return nil
	}
	if loc != nil {
		c.publishPosition(ctx, *loc)
	}
	return nil
}

// ToggleOnline flips availability and returns the new value.
func (c *Coordinator) ToggleOnline(ctx context.Context) (bool, error) {
	online := !c.Snapshot().Online
	return online, c.SetOnline(ctx, online)
}

// UpdateLocation records a position fix. While online it is published for
// dispatch. The current booking's route is recomputed when the driver has
// strayed from it; queued bookings' routes are left alone.
func (c *Coordinator) UpdateLocation(ctx context.Context, at models.Coord) error {
	var (
		online  bool
		current *models.Booking
		busy    bool
	)
	err := c.do(ctx, func(s *state) error {
		s.location = &at
		online = s.online
		if s.current != nil {
			b := *s.current
			current = &b
			_, busy = s.inflight[b.ID]
		}
		return nil
	})
	if err != nil {
		return err
	}
	if online {
		c.publishPosition(ctx, at)
	}
	if current == nil || busy || c.routes == nil {
		return nil
	}
	if !c.routes.Deviated(ctx, current.ID, at) {
		return nil
	}
	target := current.RouteTarget()
	c.logger.Info("route_deviation", "booking_id", current.ID, "lat", at.Lat, "lon", at.Lon)
	return c.do(ctx, func(s *state) error {
		if s.current == nil || s.current.ID != current.ID {
			return nil
		}
		if _, ok := s.inflight[current.ID]; ok {
			return nil
		}
		s.inflight[current.ID] = target
		c.fetchRoute(current.ID, at, target, true)
		return nil
	})
}

func (c *Coordinator) publishPosition(ctx context.Context, at models.Coord) {
	d := models.Driver{ID: c.driverID, Loc: at, Online: true, Updated: time.Now()}
	if c.pos != nil {
		if err := c.pos.Upsert(ctx, d); err != nil {
			c.logger.Warn("position_upsert_failed", "error", err)
		}
	}
	if c.locs != nil {
		if err := c.locs.PublishLocation(ctx, d); err != nil {
			c.logger.Warn("location_publish_failed", "error", err)
		}
	}
}

func (c *Coordinator) dismiss(requestID string) {
	if c.requests != nil {
		c.requests.Dismiss(requestID)
	}
}

func (c *Coordinator) rejected(err error) {
	reason := "error"
	switch {
	case errors.Is(err, models.ErrQueueFull):
		reason = "queue_full"
	case errors.Is(err, models.ErrOffline):
		reason = "offline"
	case errors.Is(err, models.ErrAlreadyCancelled):
		reason = "already_cancelled"
	case errors.Is(err, models.ErrConflict):
		reason = "conflict"
	case errors.Is(err, models.ErrTransient):
		reason = "transient"
	}
	observability.AcceptRejections.WithLabelValues(reason).Inc()
	c.logger.Info("accept_rejected", "reason", reason, "error", err)
}
