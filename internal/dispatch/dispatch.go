// Package dispatch delivers what happens in a driver session to the outside:
// snapshots and offers to the driver's websocket, and best-effort notices to
// other parties after a committed transition.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/observability"
)

// Hook reacts to one committed booking transition. Failures are logged and
// counted, never propagated back into the session.
type Hook interface {
	Name() string
	Handle(ctx context.Context, before, after models.Booking) error
}

// Hooks fans a committed transition out to every hook on its own goroutine.
type Hooks struct {
	hooks   []Hook
	timeout time.Duration
	logger  *slog.Logger
}

func NewHooks(timeout time.Duration, logger *slog.Logger, hooks ...Hook) *Hooks {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Hooks{hooks: hooks, timeout: timeout, logger: logger.With("component", "hooks")}
}

// Fire returns immediately.
func (h *Hooks) Fire(before, after models.Booking) {
	for _, hook := range h.hooks {
		go h.run(hook, before, after)
	}
}

func (h *Hooks) run(hook Hook, before, after models.Booking) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := hook.Handle(ctx, before, after); err != nil {
		observability.SideEffectFailures.WithLabelValues(hook.Name()).Inc()
		h.logger.Warn("side_effect_failed", "hook", hook.Name(), "booking_id", after.ID, "status", after.Status, "error", err)
	}
}
