// Package intake turns the matching service's request stream into the list
// of offers the driver can act on right now.
package intake

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/observability"
)

// Source is the part of the gateway intake reads from.
type Source interface {
	ObserveRequests(ctx context.Context, driverID string) (<-chan []models.IncomingRequest, error)
	GetBooking(ctx context.Context, id string) (models.Booking, error)
}

// Emission is one filtered view. Delta is the change in size against the
// previous emission; a positive Delta is where the UI alerts the driver.
type Emission struct {
	Requests []models.IncomingRequest
	Delta    int
}

func (e Emission) Grew() bool { return e.Delta > 0 }

type Intake struct {
	source  Source
	windows Windows
	tick    time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	dismissed map[string]struct{}
	visible   map[string]models.IncomingRequest
	refresh   chan struct{}
}

func New(source Source, windows Windows, logger *slog.Logger) *Intake {
	return &Intake{
		source:    source,
		windows:   windows,
		tick:      time.Second,
		now:       time.Now,
		logger:    logger.With("component", "intake"),
		dismissed: make(map[string]struct{}),
		visible:   make(map[string]models.IncomingRequest),
		refresh:   make(chan struct{}, 1),
	}
}

// Lookup returns a request the driver is currently being shown.
func (in *Intake) Lookup(requestID string) (models.IncomingRequest, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	r, ok := in.visible[requestID]
	return r, ok
}

// Dismiss hides a request from every later emission.
func (in *Intake) Dismiss(requestID string) {
	in.mu.Lock()
	in.dismissed[requestID] = struct{}{}
	in.mu.Unlock()
	select {
	case in.refresh <- struct{}{}:
	default:
	}
}

// Observe streams filtered views for driverID until ctx is done. A broken
// upstream stream is resubscribed with backoff; the returned channel only
// closes when ctx ends.
func (in *Intake) Observe(ctx context.Context, driverID string) <-chan Emission {
	out := make(chan Emission, 1)
	go in.run(ctx, driverID, out)
	return out
}

func (in *Intake) run(ctx context.Context, driverID string, out chan Emission) {
	defer close(out)
	logger := in.logger.With("driver_id", driverID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	ticker := time.NewTicker(in.tick)
	defer ticker.Stop()

	var snapshot []models.IncomingRequest
	prevCount := 0
	var prevIDs []string

	emit := func() {
		list := in.filter(snapshot)
		ids := requestIDs(list)
		if prevIDs != nil && equalIDs(ids, prevIDs) {
			return
		}
		e := Emission{Requests: list, Delta: len(list) - prevCount}
		prevCount, prevIDs = len(list), ids
		observability.IntakeVisible.Set(float64(len(list)))
		replaceLatest(out, e)
	}

	for {
		stream, err := in.source.ObserveRequests(ctx, driverID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("intake_subscribe_failed", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

	read:
		for {
			select {
			case <-ctx.Done():
				return
			case set, ok := <-stream:
				if !ok {
					logger.Info("intake_stream_closed")
					break read
				}
				snapshot = in.verify(ctx, set)
				emit()
			case <-ticker.C:
				emit()
			case <-in.refresh:
				emit()
			}
		}
	}
}

// verify drops requests whose booking is already cancelled. A failed lookup
// keeps the request: hiding a live offer is worse than showing a dead one.
func (in *Intake) verify(ctx context.Context, set []models.IncomingRequest) []models.IncomingRequest {
	out := make([]models.IncomingRequest, 0, len(set))
	now := in.now()
	for _, r := range set {
		if r.Status != models.RequestPending || in.windows.PhaseAt(r.CreatedAt, now) != PhaseInitial {
			continue
		}
		b, err := in.source.GetBooking(ctx, r.BookingID)
		if err != nil {
			in.logger.Debug("intake_verify_failed", "request_id", r.RequestID, "error", err)
			out = append(out, r)
			continue
		}
		if b.Status == models.StatusCancelled {
			continue
		}
		out = append(out, r)
	}
	return out
}

// filter applies the time- and dismissal-dependent rules and records what
// is visible for Lookup.
func (in *Intake) filter(set []models.IncomingRequest) []models.IncomingRequest {
	now := in.now()
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]models.IncomingRequest, 0, len(set))
	visible := make(map[string]models.IncomingRequest, len(set))
	for _, r := range set {
		if _, gone := in.dismissed[r.RequestID]; gone {
			continue
		}
		if r.Status != models.RequestPending || in.windows.PhaseAt(r.CreatedAt, now) != PhaseInitial {
			continue
		}
		out = append(out, r)
		visible[r.RequestID] = r
	}
	in.visible = visible
	return out
}

func requestIDs(list []models.IncomingRequest) []string {
	ids := make([]string, len(list))
	for i, r := range list {
		ids[i] = r.RequestID
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// replaceLatest never blocks the loop. An unread emission is superseded and
// its delta folded into the new one so growth is not lost.
func replaceLatest(ch chan Emission, e Emission) {
	for {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case old := <-ch:
			e.Delta += old.Delta
		default:
		}
	}
}
