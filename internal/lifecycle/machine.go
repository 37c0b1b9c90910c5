package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-queue/internal/models"
)

// Store is the write side of the booking gateway used for transitions.
type Store interface {
	UpdateStatus(ctx context.Context, id string, from, to models.BookingStatus) (models.Booking, error)
	Cancel(ctx context.Context, id, reason string, by models.Actor) (models.Booking, error)
}

// Notifier receives committed transitions for best-effort side effects.
type Notifier interface {
	Fire(before, after models.Booking)
}

// Machine applies driver actions. The new status is written through the
// Store first; the caller only sees the updated booking on success.
type Machine struct {
	store   Store
	hooks   Notifier
	timeout time.Duration
	logger  *slog.Logger
}

func NewMachine(store Store, hooks Notifier, timeout time.Duration, logger *slog.Logger) *Machine {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Machine{store: store, hooks: hooks, timeout: timeout, logger: logger}
}

// Apply runs action a against b. On any error b is returned unchanged.
func (m *Machine) Apply(ctx context.Context, b models.Booking, a Action, reason string) (models.Booking, error) {
	next, err := Next(b.Status, a)
	if err != nil {
		return b, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var out models.Booking
	if next == models.StatusCancelled {
		out, err = m.store.Cancel(ctx, b.ID, reason, models.ActorDriver)
	} else {
		out, err = m.store.UpdateStatus(ctx, b.ID, b.Status, next)
	}
	if err != nil {
		m.logger.Warn("transition_failed", "booking_id", b.ID, "action", a.String(), "from", b.Status, "error", err)
		return b, err
	}

	m.logger.Info("transition_applied", "booking_id", b.ID, "action", a.String(), "from", b.Status, "to", out.Status)
	if m.hooks != nil {
		m.hooks.Fire(b, out)
	}
	return out, nil
}
