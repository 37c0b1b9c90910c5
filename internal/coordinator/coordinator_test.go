package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-queue/internal/gateway"
	"github.com/example/ride-queue/internal/lifecycle"
	"github.com/example/ride-queue/internal/logging"
	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/rating"
	"github.com/example/ride-queue/internal/routecache"
	"github.com/example/ride-queue/internal/storage"
)

type routeProvider struct {
	mu    sync.Mutex
	calls map[models.Coord]int
	fail  bool
}

func (p *routeProvider) GetRoute(ctx context.Context, origin, dest models.Coord, forceFresh bool) (models.RouteInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[models.Coord]int)
	}
	p.calls[dest]++
	if p.fail {
		return models.RouteInfo{}, models.ErrTransient
	}
	return models.RouteInfo{Waypoints: []models.Coord{origin, dest}, Origin: origin, Target: dest}, nil
}

func (p *routeProvider) count(dest models.Coord) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[dest]
}

type dismissals struct {
	mu  sync.Mutex
	ids []string
}

func (d *dismissals) Dismiss(id string) {
	d.mu.Lock()
	d.ids = append(d.ids, id)
	d.mu.Unlock()
}

func (d *dismissals) has(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, x := range d.ids {
		if x == id {
			return true
		}
	}
	return false
}

type harness struct {
	c        *Coordinator
	store    *storage.MemoryStore
	gw       *gateway.Local
	ratings  *rating.MemoryRecord
	routes   *routeProvider
	dismiss  *dismissals
	sequence int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.Discard()
	store := storage.NewMemoryStore()
	gw := gateway.NewLocal(store, gateway.NewHub(), nil, time.Second, logger)
	h := &harness{
		store:   store,
		gw:      gw,
		ratings: rating.NewMemoryRecord(),
		routes:  &routeProvider{},
		dismiss: &dismissals{},
	}
	h.c = New(Options{
		DriverID:      "d1",
		MaxQueueDepth: 5,
		Gateway:       gw,
		Machine:       lifecycle.NewMachine(gw, nil, time.Second, logger),
		Routes:        routecache.New(h.routes, routecache.NewMemoryStore(time.Hour), 75, time.Second, logger),
		Ratings:       h.ratings,
		Requests:      h.dismiss,
		Logger:        logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go h.c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.c.Done()
	})
	return h
}

// offer seeds a REQUESTED booking and a pending request for it.
func (h *harness) offer(t *testing.T) (requestID, bookingID string) {
	t.Helper()
	h.sequence++
	ctx := context.Background()
	bookingID = fmt.Sprintf("b%d", h.sequence)
	requestID = fmt.Sprintf("r%d", h.sequence)
	b := bk(bookingID, models.StatusRequested, h.sequence)
	b.DriverID = ""
	if err := h.store.SaveBooking(ctx, b); err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	if err := h.store.SaveRequest(ctx, models.IncomingRequest{RequestID: requestID, BookingID: bookingID, DriverID: "d1", Status: models.RequestPending, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	return requestID, bookingID
}

func (h *harness) accept(t *testing.T) string {
	t.Helper()
	req, id := h.offer(t)
	if _, err := h.c.Accept(context.Background(), req); err != nil {
		t.Fatalf("accept %s: %v", req, err)
	}
	return id
}

func eventually(t *testing.T, what string, cond func(Snapshot) bool, c *Coordinator) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := c.Snapshot(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s := c.Snapshot()
	t.Fatalf("%s: timed out, current=%v queue=%v", what, s.Current, s.Held())
	return s
}

func online(t *testing.T, h *harness) {
	t.Helper()
	if err := h.c.SetOnline(context.Background(), true); err != nil {
		t.Fatalf("online: %v", err)
	}
}

func TestAcceptRequiresOnline(t *testing.T) {
	h := newHarness(t)
	req, _ := h.offer(t)
	if _, err := h.c.Accept(context.Background(), req); !errors.Is(err, models.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestAcceptUpToDepthThenQueueFull(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	for i := 0; i < 5; i++ {
		h.accept(t)
	}
	s := h.c.Snapshot()
	if s.Current == nil || s.Current.ID != "b1" || !sameIDs(s.Held(), "b1", "b2", "b3", "b4", "b5") {
		t.Fatalf("unexpected session %v", s.Held())
	}

	req, bookingID := h.offer(t)
	if _, err := h.c.Accept(context.Background(), req); !errors.Is(err, models.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if after := h.c.Snapshot(); !sameIDs(after.Held(), s.Held()...) {
		t.Fatalf("session changed on rejected accept: %v", after.Held())
	}
	if b, _ := h.store.GetBooking(context.Background(), bookingID); b.Status != models.StatusRequested {
		t.Fatalf("rejected accept reached the gateway: %s", b.Status)
	}
}

func TestConcurrentAcceptsNeverOverfill(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	reqs := make([]string, 8)
	for i := range reqs {
		reqs[i], _ = h.offer(t)
	}
	var wg sync.WaitGroup
	for _, r := range reqs {
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			_, _ = h.c.Accept(context.Background(), r)
		}(r)
	}
	wg.Wait()
	if n := len(h.c.Snapshot().Held()); n != 5 {
		t.Fatalf("expected exactly 5 held, got %d", n)
	}
}

func TestAcceptAlreadyCancelled(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	h.accept(t)
	before := h.c.Snapshot().Held()

	req, bookingID := h.offer(t)
	if _, err := h.store.CancelBooking(context.Background(), bookingID, "", models.ActorPassenger, time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.c.Accept(context.Background(), req); !errors.Is(err, models.ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
	if !sameIDs(h.c.Snapshot().Held(), before...) {
		t.Fatalf("session changed: %v", h.c.Snapshot().Held())
	}
	if !h.dismiss.has(req) {
		t.Fatal("cancelled request not dismissed from intake")
	}
	// the freed reservation is usable again
	h.accept(t)
}

func TestPassengerCancelObservedFromStream(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	a := h.accept(t)
	b := h.accept(t)
	c := h.accept(t)

	cancelled, err := h.gw.Cancel(context.Background(), a, "no longer needed", models.ActorPassenger)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	s := eventually(t, "promotion after passenger cancel", func(s Snapshot) bool {
		return s.Current != nil && s.Current.ID == b
	}, h.c)
	if !sameIDs(s.Held(), b, c) || s.Cancellation == nil || s.Cancellation.BookingID != a {
		t.Fatalf("unexpected session %v notice=%+v", s.Held(), s.Cancellation)
	}

	// a duplicate event changes nothing
	if err := h.c.Reconcile(context.Background(), cancelled); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if again := h.c.Snapshot(); !sameIDs(again.Held(), b, c) {
		t.Fatalf("duplicate cancel double-promoted: %v", again.Held())
	}

	if err := h.c.AcknowledgeCancellation(context.Background()); err != nil || h.c.Snapshot().Cancellation != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
}

func TestDriverLifecycleAndRatingGate(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	a := h.accept(t)
	b := h.accept(t)
	ctx := context.Background()

	if _, err := h.c.CompleteTrip(ctx); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("complete from ACCEPTED must be rejected, got %v", err)
	}
	for _, step := range []func(context.Context) (models.Booking, error){h.c.HeadToPickup, h.c.ArrivedAtPickup, h.c.StartTrip} {
		if _, err := step(ctx); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if s := h.c.Snapshot(); s.Current.Status != models.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", s.Current.Status)
	}
	if _, err := h.c.CompleteTrip(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	s := h.c.Snapshot()
	if s.Current != nil || s.PendingRating == nil || s.PendingRating.ID != a || !sameIDs(s.Held(), b) {
		t.Fatalf("expected pending rating with %s queued, got current=%v held=%v", b, s.Current, s.Held())
	}
	if stored, _ := h.store.GetBooking(ctx, a); stored.Status != models.StatusCompleted || stored.CompletionTime == nil {
		t.Fatalf("completion not persisted: %+v", stored)
	}

	if err := h.c.OnRatingAcknowledged(ctx, a); err != nil {
		t.Fatalf("rating ack: %v", err)
	}
	s = h.c.Snapshot()
	if s.Current == nil || s.Current.ID != b || len(s.Queue) != 0 || s.PendingRating != nil {
		t.Fatalf("expected %s promoted, got %v", b, s.Held())
	}
}

func TestCompleteAlreadyRatedPromotesImmediately(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	a := h.accept(t)
	b := h.accept(t)
	ctx := context.Background()
	_ = h.ratings.MarkRated(ctx, "d1", a)

	for _, step := range []func(context.Context) (models.Booking, error){h.c.ArrivedAtPickup, h.c.StartTrip, h.c.CompleteTrip} {
		if _, err := step(ctx); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	s := h.c.Snapshot()
	if s.Current == nil || s.Current.ID != b || s.PendingRating != nil {
		t.Fatalf("expected immediate promotion of %s, got %v", b, s.Held())
	}
}

func TestSwitchToThroughCoordinator(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	a, b, c := h.accept(t), h.accept(t), h.accept(t)
	if err := h.c.SwitchTo(context.Background(), c); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if s := h.c.Snapshot(); !sameIDs(s.Held(), c, a, b) {
		t.Fatalf("unexpected order %v", s.Held())
	}
}

func TestAcceptThenDriverCancelRestoresSession(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	h.accept(t)
	h.accept(t)
	before := h.c.Snapshot().Held()

	n := h.accept(t)
	if _, err := h.c.CancelTrip(context.Background(), n, "wrong direction"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	s := h.c.Snapshot()
	if !sameIDs(s.Held(), before...) || s.Cancellation != nil {
		t.Fatalf("expected %v without notice, got %v notice=%+v", before, s.Held(), s.Cancellation)
	}
	if stored, _ := h.store.GetBooking(context.Background(), n); stored.CancelledBy != models.ActorDriver {
		t.Fatalf("cancel not persisted as driver: %+v", stored)
	}
}

func TestLostWriteReconcilesFromGateway(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	a := h.accept(t)
	b := h.accept(t)
	ctx := context.Background()

	// cancelled behind the watcher's back
	if _, err := h.store.CancelBooking(ctx, a, "", models.ActorPassenger, time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.c.ArrivedAtPickup(ctx); !errors.Is(err, models.ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
	s := h.c.Snapshot()
	if s.Current == nil || s.Current.ID != b || s.Cancellation == nil {
		t.Fatalf("session not re-derived from gateway: %v", s.Held())
	}
}

func TestSweepHealsMissedEvents(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	a := h.accept(t)
	b := h.accept(t)
	ctx := context.Background()

	if _, err := h.store.TransitionStatus(ctx, b, models.StatusAccepted, models.StatusDriverArriving, time.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := h.store.CancelBooking(ctx, a, "", models.ActorSystem, time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.c.Sweep(ctx)
	s := h.c.Snapshot()
	if s.Current == nil || s.Current.ID != b || s.Current.Status != models.StatusDriverArriving || s.Cancellation != nil {
		t.Fatalf("sweep did not reconcile: current=%+v", s.Current)
	}
}

func TestRestoreSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, b := range []models.Booking{
		bk("A", models.StatusInProgress, 3),
		bk("B", models.StatusAccepted, 2),
		bk("C", models.StatusDriverArrived, 1),
		bk("D", models.StatusCompleted, 0),
	} {
		_ = h.store.SaveBooking(ctx, b)
	}
	if err := h.c.RestoreSession(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if s := h.c.Snapshot(); !sameIDs(s.Held(), "A", "C", "B") {
		t.Fatalf("unexpected restore %v", s.Held())
	}
}

type failingGateway struct {
	*gateway.Local
}

func (failingGateway) QueryActiveBookings(ctx context.Context, driverID string) ([]models.Booking, error) {
	return nil, models.ErrTransient
}

func TestRestoreFailureLeavesSessionEmptyOffline(t *testing.T) {
	logger := logging.Discard()
	gw := gateway.NewLocal(storage.NewMemoryStore(), nil, nil, time.Second, logger)
	c := New(Options{DriverID: "d1", Gateway: failingGateway{gw}, Machine: lifecycle.NewMachine(gw, nil, time.Second, logger), Logger: logger})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	_ = c.SetOnline(ctx, true)
	if err := c.RestoreSession(ctx); !errors.Is(err, models.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if s := c.Snapshot(); s.Online || s.Current != nil || len(s.Queue) != 0 {
		t.Fatalf("expected empty offline session, got %+v", s)
	}
}

func TestRoutesFollowTargets(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	ctx := context.Background()
	if err := h.c.UpdateLocation(ctx, models.Coord{Lat: 1, Lon: 0}); err != nil {
		t.Fatalf("location: %v", err)
	}
	a := h.accept(t)
	b := h.accept(t)

	eventually(t, "routes for current and queued", func(s Snapshot) bool {
		return len(s.Routes) == 2
	}, h.c)
	pickupA := bk(a, models.StatusAccepted, 1).Pickup.Coord
	if s := h.c.Snapshot(); s.Routes[a].Target != pickupA {
		t.Fatalf("route for %s targets %v", a, s.Routes[a].Target)
	}

	// arriving switches the target to the destination
	if _, err := h.c.ArrivedAtPickup(ctx); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	dest := bk(a, models.StatusAccepted, 1).Destination.Coord
	eventually(t, "destination route", func(s Snapshot) bool {
		r, ok := s.Routes[a]
		return ok && r.Target == dest
	}, h.c)

	// switching does not refetch the queued booking's pickup route
	pickupB := bk(b, models.StatusAccepted, 2).Pickup.Coord
	callsB := h.routes.count(pickupB)
	if err := h.c.SwitchTo(ctx, b); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if h.routes.count(pickupB) != callsB {
		t.Fatal("switch recomputed a cached route")
	}
}

func TestStartTripRefreshesRoute(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	ctx := context.Background()
	_ = h.c.UpdateLocation(ctx, models.Coord{Lat: 1, Lon: 0})
	a := h.accept(t)
	if _, err := h.c.ArrivedAtPickup(ctx); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	dest := bk(a, models.StatusAccepted, 1).Destination.Coord
	eventually(t, "destination route", func(s Snapshot) bool {
		r, ok := s.Routes[a]
		return ok && r.Target == dest && h.routes.count(dest) == 1
	}, h.c)

	if _, err := h.c.StartTrip(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "route refetched on trip start", func(s Snapshot) bool {
		_, ok := s.Routes[a]
		return ok && h.routes.count(dest) == 2
	}, h.c)
}

func TestDeviationRecomputesCurrentRouteOnly(t *testing.T) {
	h := newHarness(t)
	online(t, h)
	ctx := context.Background()
	_ = h.c.UpdateLocation(ctx, models.Coord{Lat: 1, Lon: 0})
	a := h.accept(t)
	b := h.accept(t)
	eventually(t, "routes for current and queued", func(s Snapshot) bool {
		return len(s.Routes) == 2
	}, h.c)
	pickupA := bk(a, models.StatusAccepted, 1).Pickup.Coord
	pickupB := bk(b, models.StatusAccepted, 2).Pickup.Coord
	if h.routes.count(pickupA) != 1 || h.routes.count(pickupB) != 1 {
		t.Fatalf("expected one fetch each, got %d and %d", h.routes.count(pickupA), h.routes.count(pickupB))
	}

	// far from both straight-line paths
	if err := h.c.UpdateLocation(ctx, models.Coord{Lat: 5, Lon: 5}); err != nil {
		t.Fatalf("location: %v", err)
	}
	eventually(t, "current route recomputed", func(s Snapshot) bool {
		_, ok := s.Routes[a]
		return ok && h.routes.count(pickupA) == 2
	}, h.c)
	time.Sleep(50 * time.Millisecond)
	if n := h.routes.count(pickupB); n != 1 {
		t.Fatalf("queued route refetched after deviation: %d fetches", n)
	}
}

func TestRouteFailureLeavesRouteAbsent(t *testing.T) {
	h := newHarness(t)
	h.routes.fail = true
	online(t, h)
	_ = h.c.UpdateLocation(context.Background(), models.Coord{Lat: 1, Lon: 0})
	a := h.accept(t)

	s := eventually(t, "route marked unavailable", func(s Snapshot) bool {
		return len(s.RouteUnavailable) == 1
	}, h.c)
	if _, ok := s.Routes[a]; ok || s.Current == nil || s.Current.ID != a {
		t.Fatalf("failed route must stay absent without touching the session: %+v", s)
	}
}

func TestSubscribeDeliversLatest(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.c.Subscribe(ctx)
	first := <-ch
	online(t, h)
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-ch:
			if s.Online && s.Version > first.Version {
				return
			}
		case <-deadline:
			t.Fatal("no snapshot after going online")
		}
	}
}
