package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-queue/internal/models"
)

// BookingStore persists booking and request documents. Status writes are
// conditional on the stored status so that concurrent writers (this driver,
// the passenger, the backend) settle on a single winner; the loser gets the
// sentinel describing why.
type BookingStore interface {
	GetBooking(ctx context.Context, id string) (models.Booking, error)
	SaveBooking(ctx context.Context, b models.Booking) error
	AssignDriver(ctx context.Context, bookingID, driverID string, at time.Time) (models.Booking, error)
	TransitionStatus(ctx context.Context, id string, from, to models.BookingStatus, at time.Time) (models.Booking, error)
	CancelBooking(ctx context.Context, id, reason string, by models.Actor, at time.Time) (models.Booking, error)
	ActiveForDriver(ctx context.Context, driverID string) ([]models.Booking, error)

	GetRequest(ctx context.Context, id string) (models.IncomingRequest, error)
	SaveRequest(ctx context.Context, r models.IncomingRequest) error
	SetRequestStatus(ctx context.Context, id string, status models.RequestStatus) error
	PendingRequests(ctx context.Context, driverID string) ([]models.IncomingRequest, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]models.Booking
	requests map[string]models.IncomingRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]models.Booking),
		requests: make(map[string]models.IncomingRequest),
	}
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, models.ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) SaveBooking(ctx context.Context, b models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b
	return nil
}

func (m *MemoryStore) AssignDriver(ctx context.Context, bookingID, driverID string, at time.Time) (models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return models.Booking{}, models.ErrNotFound
	}
	if b.Status != models.StatusRequested {
		return b, assignConflict(b, driverID)
	}
	b.DriverID = driverID
	b.Status = models.StatusAccepted
	b.UpdatedAt = at
	m.bookings[bookingID] = b
	return b, nil
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, id string, from, to models.BookingStatus, at time.Time) (models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, models.ErrNotFound
	}
	if b.Status != from {
		return b, statusConflict(b)
	}
	b.Status = to
	b.UpdatedAt = at
	if to == models.StatusCompleted {
		t := at
		b.CompletionTime = &t
	}
	m.bookings[id] = b
	return b, nil
}

func (m *MemoryStore) CancelBooking(ctx context.Context, id, reason string, by models.Actor, at time.Time) (models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, models.ErrNotFound
	}
	if b.Status.Terminal() {
		return b, statusConflict(b)
	}
	b.Status = models.StatusCancelled
	b.CancelledBy = by
	b.CancelReason = reason
	b.UpdatedAt = at
	m.bookings[id] = b
	return b, nil
}

func (m *MemoryStore) ActiveForDriver(ctx context.Context, driverID string) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Booking, 0)
	for _, b := range m.bookings {
		if b.DriverID == driverID && b.Status.Held() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestTime.Before(out[j].RequestTime) })
	return out, nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (models.IncomingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.IncomingRequest{}, models.ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) SaveRequest(ctx context.Context, r models.IncomingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.RequestID] = r
	return nil
}

func (m *MemoryStore) SetRequestStatus(ctx context.Context, id string, status models.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ErrNotFound
	}
	r.Status = status
	m.requests[id] = r
	return nil
}

func (m *MemoryStore) PendingRequests(ctx context.Context, driverID string) ([]models.IncomingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.IncomingRequest, 0)
	for _, r := range m.requests {
		if r.DriverID == driverID && r.Status == models.RequestPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// statusConflict explains why a conditional write against b lost.
func statusConflict(b models.Booking) error {
	if b.Status == models.StatusCancelled {
		return models.ErrAlreadyCancelled
	}
	return models.ErrConflict
}

// assignConflict treats re-accepting a booking this driver already holds as
// success so a retried accept is idempotent.
func assignConflict(b models.Booking, driverID string) error {
	if b.DriverID == driverID && b.Status.Held() {
		return nil
	}
	return statusConflict(b)
}
