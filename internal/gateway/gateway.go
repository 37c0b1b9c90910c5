// Package gateway is the driver's view of the remote booking store and the
// matching service: conditional writes that settle races, and change streams
// of full-document snapshots.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/storage"
)

// Gateway is consumed by the coordinator, intake and restore.
type Gateway interface {
	GetBooking(ctx context.Context, id string) (models.Booking, error)
	ObserveBooking(ctx context.Context, id string) (<-chan models.Booking, error)
	UpdateStatus(ctx context.Context, id string, from, to models.BookingStatus) (models.Booking, error)
	Cancel(ctx context.Context, id, reason string, by models.Actor) (models.Booking, error)
	GetRequest(ctx context.Context, requestID string) (models.IncomingRequest, error)
	AcceptRequest(ctx context.Context, requestID, driverID string) (models.Booking, error)
	DeclineRequest(ctx context.Context, requestID, driverID string) error
	ObserveRequests(ctx context.Context, driverID string) (<-chan []models.IncomingRequest, error)
	QueryActiveBookings(ctx context.Context, driverID string) ([]models.Booking, error)
}

// Publisher forwards committed booking changes to the rest of the platform.
type Publisher interface {
	PublishBooking(ctx context.Context, b models.Booking) error
}

// Local implements Gateway on a BookingStore. Every committed write is pushed
// to the hub so watchers see it, and to the publisher when one is set.
type Local struct {
	store     storage.BookingStore
	hub       *Hub
	publisher Publisher
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewLocal(store storage.BookingStore, hub *Hub, publisher Publisher, timeout time.Duration, logger *slog.Logger) *Local {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Local{
		store:     store,
		hub:       hub,
		publisher: publisher,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger.With("component", "gateway"),
	}
}

func (l *Local) GetBooking(ctx context.Context, id string) (models.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	b, err := l.store.GetBooking(ctx, id)
	return b, classify(err)
}

// ObserveBooking emits the current document first, then every change until
// ctx is done, after which the channel is closed.
func (l *Local) ObserveBooking(ctx context.Context, id string) (<-chan models.Booking, error) {
	ch, err := l.hub.SubscribeBooking(id, func() (models.Booking, bool, error) {
		b, err := l.GetBooking(ctx, id)
		switch {
		case err == nil:
			return b, true, nil
		case errors.Is(err, models.ErrNotFound):
			return models.Booking{}, false, nil
		default:
			return models.Booking{}, false, err
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		l.hub.UnsubscribeBooking(id, ch)
	}()
	return ch, nil
}

func (l *Local) UpdateStatus(ctx context.Context, id string, from, to models.BookingStatus) (models.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	b, err := l.store.TransitionStatus(ctx, id, from, to, l.now())
	if err != nil {
		return b, classify(err)
	}
	l.committed(ctx, b)
	return b, nil
}

func (l *Local) Cancel(ctx context.Context, id, reason string, by models.Actor) (models.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	b, err := l.store.CancelBooking(ctx, id, reason, by, l.now())
	if err != nil {
		return b, classify(err)
	}
	l.committed(ctx, b)
	return b, nil
}

func (l *Local) GetRequest(ctx context.Context, requestID string) (models.IncomingRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	r, err := l.store.GetRequest(ctx, requestID)
	return r, classify(err)
}

// AcceptRequest assigns the request's booking to driverID. The assignment is
// conditional on the booking still being REQUESTED; a passenger cancel that
// got there first surfaces as models.ErrAlreadyCancelled.
func (l *Local) AcceptRequest(ctx context.Context, requestID, driverID string) (models.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := l.store.GetRequest(ctx, requestID)
	if err != nil {
		return models.Booking{}, classify(err)
	}
	if req.DriverID != driverID {
		return models.Booking{}, fmt.Errorf("%w: request %s offered to another driver", models.ErrConflict, requestID)
	}
	if req.Status != models.RequestPending && req.Status != models.RequestAccepted {
		return models.Booking{}, fmt.Errorf("%w: request %s is %s", models.ErrConflict, requestID, req.Status)
	}

	b, err := l.store.AssignDriver(ctx, req.BookingID, driverID, l.now())
	if err != nil {
		if errors.Is(err, models.ErrAlreadyCancelled) {
			l.setRequestStatus(ctx, req, models.RequestExpired)
		}
		return b, classify(err)
	}
	l.setRequestStatus(ctx, req, models.RequestAccepted)
	l.committed(ctx, b)
	return b, nil
}

func (l *Local) DeclineRequest(ctx context.Context, requestID, driverID string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := l.store.GetRequest(ctx, requestID)
	if err != nil {
		return classify(err)
	}
	if req.DriverID != driverID {
		return fmt.Errorf("%w: request %s offered to another driver", models.ErrConflict, requestID)
	}
	if err := l.store.SetRequestStatus(ctx, requestID, models.RequestDeclined); err != nil {
		return classify(err)
	}
	l.republishRequests(ctx, driverID)
	return nil
}

// ObserveRequests emits the driver's PENDING request set now and after every
// change to it.
func (l *Local) ObserveRequests(ctx context.Context, driverID string) (<-chan []models.IncomingRequest, error) {
	ch, err := l.hub.SubscribeRequests(driverID, func() ([]models.IncomingRequest, error) {
		callCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		set, err := l.store.PendingRequests(callCtx, driverID)
		return set, classify(err)
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		l.hub.UnsubscribeRequests(driverID, ch)
	}()
	return ch, nil
}

func (l *Local) QueryActiveBookings(ctx context.Context, driverID string) ([]models.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	out, err := l.store.ActiveForDriver(ctx, driverID)
	return out, classify(err)
}

// Ingest applies a booking snapshot produced elsewhere (passenger app,
// backend). Snapshots older than the stored document are ignored.
func (l *Local) Ingest(ctx context.Context, b models.Booking) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if cur, err := l.store.GetBooking(ctx, b.ID); err == nil && b.UpdatedAt.Before(cur.UpdatedAt) {
		l.logger.Debug("stale_snapshot_ignored", "booking_id", b.ID, "status", b.Status)
		return nil
	}
	if err := l.store.SaveBooking(ctx, b); err != nil {
		return classify(err)
	}
	l.hub.PublishBooking(b)
	return nil
}

// IngestRequest stores a request offered by the matching service.
func (l *Local) IngestRequest(ctx context.Context, r models.IncomingRequest) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if r.Status == "" {
		r.Status = models.RequestPending
	}
	if err := l.store.SaveRequest(ctx, r); err != nil {
		return classify(err)
	}
	l.republishRequests(ctx, r.DriverID)
	return nil
}

func (l *Local) committed(ctx context.Context, b models.Booking) {
	l.hub.PublishBooking(b)
	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishBooking(ctx, b); err != nil {
		l.logger.Warn("publish_booking_failed", "booking_id", b.ID, "status", b.Status, "error", err)
	}
}

func (l *Local) setRequestStatus(ctx context.Context, req models.IncomingRequest, status models.RequestStatus) {
	if err := l.store.SetRequestStatus(ctx, req.RequestID, status); err != nil {
		l.logger.Warn("request_status_failed", "request_id", req.RequestID, "status", status, "error", err)
		return
	}
	l.republishRequests(ctx, req.DriverID)
}

func (l *Local) republishRequests(ctx context.Context, driverID string) {
	set, err := l.store.PendingRequests(ctx, driverID)
	if err != nil {
		l.logger.Warn("pending_requests_failed", "driver_id", driverID, "error", err)
		return
	}
	l.hub.PublishRequests(driverID, set)
}

// classify keeps the domain sentinels and turns everything else (deadline,
// connection loss, driver errors) into models.ErrTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		models.ErrNotFound,
		models.ErrAlreadyCancelled,
		models.ErrConflict,
		models.ErrInvalidTransition,
		models.ErrTransient,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", models.ErrTransient, err)
}
