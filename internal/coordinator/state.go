package coordinator

import (
	"fmt"
	"sort"

	"github.com/example/ride-queue/internal/lifecycle"
	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/observability"
)

// state is the session value owned by the coordinator loop. Mutating
// methods either fail without touching anything or leave the invariants
// intact; the loop checks them again before committing.
type state struct {
	driverID string
	maxDepth int
	online   bool
	location *models.Coord

	current       *models.Booking
	queue         []models.Booking
	reserved      int
	pendingRating *models.Booking
	notice        *models.CancellationNotice

	routes      map[string]models.RouteInfo
	unavailable map[string]models.Coord
	inflight    map[string]models.Coord

	notes []note
}

// note is a log line (and optional metric) emitted only if the mutation
// that produced it is committed.
type note struct {
	msg    string
	args   []any
	metric func()
}

func newState(driverID string, maxDepth int) *state {
	return &state{
		driverID:    driverID,
		maxDepth:    maxDepth,
		routes:      make(map[string]models.RouteInfo),
		unavailable: make(map[string]models.Coord),
		inflight:    make(map[string]models.Coord),
	}
}

func (s *state) clone() *state {
	cp := *s
	if s.location != nil {
		loc := *s.location
		cp.location = &loc
	}
	if s.current != nil {
		b := *s.current
		cp.current = &b
	}
	if s.pendingRating != nil {
		b := *s.pendingRating
		cp.pendingRating = &b
	}
	if s.notice != nil {
		n := *s.notice
		cp.notice = &n
	}
	cp.queue = append([]models.Booking(nil), s.queue...)
	cp.routes = make(map[string]models.RouteInfo, len(s.routes))
	for k, v := range s.routes {
		cp.routes[k] = v
	}
	cp.unavailable = make(map[string]models.Coord, len(s.unavailable))
	for k, v := range s.unavailable {
		cp.unavailable[k] = v
	}
	cp.inflight = make(map[string]models.Coord, len(s.inflight))
	for k, v := range s.inflight {
		cp.inflight[k] = v
	}
	cp.notes = nil
	return &cp
}

func (s *state) note(msg string, metric func(), args ...any) {
	s.notes = append(s.notes, note{msg: msg, args: args, metric: metric})
}

// held counts bookings in the session: the current one plus the queue.
func (s *state) held() int {
	n := len(s.queue)
	if s.current != nil {
		n++
	}
	return n
}

// find reports where id is held: -1 for current, its queue index, or ok=false.
func (s *state) find(id string) (int, bool) {
	if s.current != nil && s.current.ID == id {
		return -1, true
	}
	for i, b := range s.queue {
		if b.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *state) booking(id string) (models.Booking, bool) {
	idx, ok := s.find(id)
	if !ok {
		return models.Booking{}, false
	}
	if idx < 0 {
		return *s.current, true
	}
	return s.queue[idx], true
}

func (s *state) all() []models.Booking {
	out := make([]models.Booking, 0, s.held())
	if s.current != nil {
		out = append(out, *s.current)
	}
	return append(out, s.queue...)
}

// reserve holds a slot for an accept whose remote write is in flight, so
// concurrent accepts cannot overshoot the depth.
func (s *state) reserve() error {
	if !s.online {
		return models.ErrOffline
	}
	if s.held()+s.reserved >= s.maxDepth {
		return fmt.Errorf("%w: %d of %d held", models.ErrQueueFull, s.held(), s.maxDepth)
	}
	s.reserved++
	return nil
}

func (s *state) release() {
	if s.reserved > 0 {
		s.reserved--
	}
}

// commitAccept adds an accepted booking: it becomes current when the slot is
// free and no rating is pending, otherwise it joins the back of the queue.
func (s *state) commitAccept(b models.Booking) {
	s.release()
	if idx, ok := s.find(b.ID); ok {
		s.replaceAt(idx, b)
		return
	}
	if s.current == nil && s.pendingRating == nil {
		s.current = &b
		s.note("booking_accepted", observability.BookingsAccepted.Inc, "booking_id", b.ID, "slot", "current")
		return
	}
	s.queue = append(s.queue, b)
	s.note("booking_accepted", observability.BookingsAccepted.Inc, "booking_id", b.ID, "slot", "queue", "position", len(s.queue))
}

// switchTo makes a queued booking current. The displaced current booking
// goes to the front of the queue; the rest keep their order.
func (s *state) switchTo(id string) error {
	if s.current != nil && s.current.ID == id {
		return nil
	}
	if s.pendingRating != nil {
		return models.ErrRatingPending
	}
	idx, ok := s.find(id)
	if !ok {
		return fmt.Errorf("%w: booking %s is not queued", models.ErrNotFound, id)
	}
	target := s.queue[idx]
	rest := make([]models.Booking, 0, len(s.queue))
	if s.current != nil {
		rest = append(rest, *s.current)
	}
	rest = append(rest, s.queue[:idx]...)
	rest = append(rest, s.queue[idx+1:]...)
	s.queue = rest
	s.current = &target
	s.note("booking_switched", nil, "booking_id", id)
	return nil
}

// promote moves the queue head into the empty current slot unless a rating
// is pending.
func (s *state) promote() {
	if s.current != nil || s.pendingRating != nil || len(s.queue) == 0 {
		return
	}
	head := s.queue[0]
	s.queue = append([]models.Booking(nil), s.queue[1:]...)
	s.current = &head
	s.note("booking_promoted", observability.Promotions.Inc, "booking_id", head.ID)
}

// remove drops id from the session, promoting when it was current. Absent
// ids are a no-op so duplicate events settle to the same state.
func (s *state) remove(id string) (wasCurrent, ok bool) {
	idx, ok := s.find(id)
	if !ok {
		return false, false
	}
	if idx < 0 {
		s.current = nil
		s.promote()
		return true, true
	}
	s.queue = append(s.queue[:idx:idx], s.queue[idx+1:]...)
	return false, true
}

func (s *state) cancel(b models.Booking) {
	by := b.CancelledBy
	if by == "" {
		by = models.ActorSystem
	}
	wasCurrent, ok := s.remove(b.ID)
	if !ok {
		return
	}
	s.note("booking_cancelled", func() { observability.Cancellations.WithLabelValues(string(by)).Inc() },
		"booking_id", b.ID, "cancelled_by", by, "was_current", wasCurrent)
	if wasCurrent && by == models.ActorPassenger {
		at := b.UpdatedAt
		s.notice = &models.CancellationNotice{BookingID: b.ID, CancelledBy: by, Reason: b.CancelReason, At: at}
	}
}

// completed handles a booking that reached COMPLETED. Promotion waits for
// the rating gate unless the passenger is already rated.
func (s *state) completed(b models.Booking, rated bool) {
	idx, ok := s.find(b.ID)
	if !ok {
		return
	}
	if idx >= 0 {
		s.queue = append(s.queue[:idx:idx], s.queue[idx+1:]...)
		s.note("queued_booking_completed", nil, "booking_id", b.ID)
		return
	}
	s.current = nil
	if rated {
		s.note("booking_completed", nil, "booking_id", b.ID, "rating", "done")
		s.promote()
		return
	}
	s.pendingRating = &b
	s.note("booking_completed", nil, "booking_id", b.ID, "rating", "pending")
}

func (s *state) ratingAcknowledged(id string) {
	if s.pendingRating == nil || s.pendingRating.ID != id {
		return
	}
	s.pendingRating = nil
	s.note("rating_acknowledged", nil, "booking_id", id)
	s.promote()
}

// observe applies a non-terminal snapshot of a held booking. Snapshots that
// would move the status backwards are stale and ignored; a booking no longer
// assigned to this driver leaves the session.
func (s *state) observe(b models.Booking) {
	idx, ok := s.find(b.ID)
	if !ok {
		return
	}
	if (b.DriverID != "" && b.DriverID != s.driverID) || !b.Status.Held() {
		s.remove(b.ID)
		s.note("booking_released", nil, "booking_id", b.ID, "status", b.Status, "driver_id", b.DriverID)
		return
	}
	local, _ := s.booking(b.ID)
	if local.Status != b.Status && !lifecycle.Observed(local.Status, b.Status) {
		return
	}
	s.replaceAt(idx, b)
}

func (s *state) replaceAt(idx int, b models.Booking) {
	if idx < 0 {
		s.current = &b
		return
	}
	s.queue[idx] = b
}

// restore rebuilds the session from the driver's persisted bookings: the
// most advanced one is current, the others queue by request time.
func (s *state) restore(bookings []models.Booking) {
	seen := make(map[string]struct{}, len(bookings))
	held := make([]models.Booking, 0, len(bookings))
	for _, b := range bookings {
		if !b.Status.Held() || (b.DriverID != "" && b.DriverID != s.driverID) {
			continue
		}
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}
		held = append(held, b)
	}

	s.current, s.queue, s.pendingRating, s.notice, s.reserved = nil, nil, nil, nil, 0
	if len(held) == 0 {
		return
	}

	best := 0
	for i := 1; i < len(held); i++ {
		pi, pb := lifecycle.Priority(held[i].Status), lifecycle.Priority(held[best].Status)
		if pi > pb || (pi == pb && held[i].RequestTime.Before(held[best].RequestTime)) {
			best = i
		}
	}
	cur := held[best]
	s.current = &cur

	rest := append(append([]models.Booking(nil), held[:best]...), held[best+1:]...)
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].RequestTime.Before(rest[j].RequestTime) })
	if limit := s.maxDepth - 1; len(rest) > limit {
		dropped := make([]string, 0, len(rest)-limit)
		for _, b := range rest[limit:] {
			dropped = append(dropped, b.ID)
		}
		s.note("restore_over_capacity", nil, "dropped", dropped)
		rest = rest[:limit]
	}
	s.queue = rest
}

func (s *state) reset() {
	s.online = false
	s.current, s.queue, s.pendingRating, s.notice, s.reserved = nil, nil, nil, nil, 0
}

// pruneRoutes drops display routes for bookings no longer held or whose
// target moved (pickup to destination).
func (s *state) pruneRoutes() {
	targets := make(map[string]models.Coord, s.held())
	for _, b := range s.all() {
		targets[b.ID] = b.RouteTarget()
	}
	for id, r := range s.routes {
		if t, ok := targets[id]; !ok || r.Target != t {
			delete(s.routes, id)
		}
	}
	for id, t := range s.unavailable {
		if tt, ok := targets[id]; !ok || tt != t {
			delete(s.unavailable, id)
		}
	}
}

func (s *state) routeResult(id string, target models.Coord, r models.RouteInfo, err error) {
	if t, ok := s.inflight[id]; ok && t == target {
		delete(s.inflight, id)
	}
	b, ok := s.booking(id)
	if !ok || b.RouteTarget() != target {
		return
	}
	if err != nil {
		delete(s.routes, id)
		s.unavailable[id] = target
		return
	}
	r.Target = target
	s.routes[id] = r
	delete(s.unavailable, id)
}

// check verifies the session invariants.
func (s *state) check() error {
	if s.held() > s.maxDepth {
		return fmt.Errorf("holding %d bookings, max %d", s.held(), s.maxDepth)
	}
	if s.held()+s.reserved > s.maxDepth {
		return fmt.Errorf("holding %d bookings with %d reserved, max %d", s.held(), s.reserved, s.maxDepth)
	}
	seen := make(map[string]struct{}, s.held())
	for _, b := range s.all() {
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("booking %s held twice", b.ID)
		}
		seen[b.ID] = struct{}{}
		if !b.Status.Held() {
			return fmt.Errorf("booking %s held in status %s", b.ID, b.Status)
		}
	}
	if s.pendingRating != nil && s.current != nil {
		return fmt.Errorf("current booking %s set while rating %s pending", s.current.ID, s.pendingRating.ID)
	}
	if s.current == nil && len(s.queue) > 0 && s.pendingRating == nil {
		return fmt.Errorf("queue of %d with no current booking", len(s.queue))
	}
	return nil
}
