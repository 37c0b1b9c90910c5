package gateway

import (
	"sync"

	"github.com/example/ride-queue/internal/models"
)

const subscriberBuffer = 16

// Hub fans out full-document snapshots to watchers. A slow watcher loses the
// oldest buffered snapshot, never the newest, so it always converges on the
// latest document.
type Hub struct {
	mu       sync.Mutex
	bookings map[string]map[chan models.Booking]struct{}
	requests map[string]map[chan []models.IncomingRequest]struct{}
}

func NewHub() *Hub {
	return &Hub{
		bookings: make(map[string]map[chan models.Booking]struct{}),
		requests: make(map[string]map[chan []models.IncomingRequest]struct{}),
	}
}

// SubscribeBooking registers a watcher for id. seed is read under the hub
// lock and delivered first, so no published change can overtake it.
func (h *Hub) SubscribeBooking(id string, seed func() (models.Booking, bool, error)) (chan models.Booking, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	first, ok, err := seed()
	if err != nil {
		return nil, err
	}
	ch := make(chan models.Booking, subscriberBuffer)
	if ok {
		ch <- first
	}
	if h.bookings[id] == nil {
		h.bookings[id] = make(map[chan models.Booking]struct{})
	}
	h.bookings[id][ch] = struct{}{}
	return ch, nil
}

func (h *Hub) UnsubscribeBooking(id string, ch chan models.Booking) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.bookings[id]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.bookings, id)
		}
	}
}

func (h *Hub) PublishBooking(b models.Booking) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.bookings[b.ID] {
		sendLatest(ch, b)
	}
}

func (h *Hub) SubscribeRequests(driverID string, seed func() ([]models.IncomingRequest, error)) (chan []models.IncomingRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	first, err := seed()
	if err != nil {
		return nil, err
	}
	ch := make(chan []models.IncomingRequest, subscriberBuffer)
	ch <- first
	if h.requests[driverID] == nil {
		h.requests[driverID] = make(map[chan []models.IncomingRequest]struct{})
	}
	h.requests[driverID][ch] = struct{}{}
	return ch, nil
}

func (h *Hub) UnsubscribeRequests(driverID string, ch chan []models.IncomingRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.requests[driverID]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.requests, driverID)
		}
	}
}

func (h *Hub) PublishRequests(driverID string, set []models.IncomingRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.requests[driverID] {
		cp := make([]models.IncomingRequest, len(set))
		copy(cp, set)
		sendLatest(ch, cp)
	}
}

// sendLatest must be called with the hub lock held; the hub is the only
// sender so the drain-then-send cannot be interleaved with another send.
func sendLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
