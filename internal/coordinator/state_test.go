package coordinator

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/example/ride-queue/internal/models"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func bk(id string, status models.BookingStatus, minute int) models.Booking {
	return models.Booking{
		ID:          id,
		DriverID:    "d1",
		Status:      status,
		RequestTime: t0.Add(time.Duration(minute) * time.Minute),
		Pickup:      models.Location{Coord: models.Coord{Lat: 1, Lon: float64(minute)}},
		Destination: models.Location{Coord: models.Coord{Lat: 2, Lon: float64(minute)}},
	}
}

func ids(bs []models.Booking) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.ID
	}
	return out
}

func sameIDs(a []string, b ...string) bool {
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

// sessionWith builds a state with current and queue set directly.
func sessionWith(current string, queue ...string) *state {
	s := newState("d1", 5)
	s.online = true
	if current != "" {
		b := bk(current, models.StatusAccepted, 0)
		s.current = &b
	}
	for i, id := range queue {
		s.queue = append(s.queue, bk(id, models.StatusAccepted, i+1))
	}
	return s
}

func currentID(s *state) string {
	if s.current == nil {
		return ""
	}
	return s.current.ID
}

func TestCommitAcceptFillsCurrentThenAppends(t *testing.T) {
	s := newState("d1", 5)
	s.online = true
	for i, id := range []string{"A", "B", "C"} {
		if err := s.reserve(); err != nil {
			t.Fatalf("reserve %s: %v", id, err)
		}
		s.commitAccept(bk(id, models.StatusAccepted, i))
	}
	if currentID(s) != "A" || !sameIDs(ids(s.queue), "B", "C") || s.reserved != 0 {
		t.Fatalf("unexpected session current=%s queue=%v reserved=%d", currentID(s), ids(s.queue), s.reserved)
	}
}

func TestReserveRejectsWhenFullOrOffline(t *testing.T) {
	s := sessionWith("A", "B", "C", "D")
	if err := s.reserve(); err != nil {
		t.Fatalf("fifth slot should be free: %v", err)
	}
	if err := s.reserve(); !errors.Is(err, models.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull with a reservation outstanding, got %v", err)
	}
	s.release()
	s.commitAccept(bk("E", models.StatusAccepted, 9))
	if err := s.reserve(); !errors.Is(err, models.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull at five held, got %v", err)
	}

	off := sessionWith("")
	off.online = false
	if err := off.reserve(); !errors.Is(err, models.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestSwitchToReinsertsCurrentAtFront(t *testing.T) {
	s := sessionWith("A", "B", "C", "D")
	if err := s.switchTo("C"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if currentID(s) != "C" || !sameIDs(ids(s.queue), "A", "B", "D") {
		t.Fatalf("got current=%s queue=%v", currentID(s), ids(s.queue))
	}
}

func TestSwitchToEdgeCases(t *testing.T) {
	s := sessionWith("A", "B")
	if err := s.switchTo("A"); err != nil || currentID(s) != "A" || !sameIDs(ids(s.queue), "B") {
		t.Fatalf("switching to current must be a no-op (err=%v)", err)
	}
	if err := s.switchTo("Z"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	pending := sessionWith("", "B")
	done := bk("A", models.StatusCompleted, 0)
	pending.pendingRating = &done
	if err := pending.switchTo("B"); !errors.Is(err, models.ErrRatingPending) {
		t.Fatalf("expected ErrRatingPending, got %v", err)
	}
}

func TestCancelCurrentByPassengerPromotesHead(t *testing.T) {
	s := sessionWith("A", "B", "C")
	c := bk("A", models.StatusCancelled, 0)
	c.CancelledBy = models.ActorPassenger
	c.CancelReason = "found another ride"
	s.cancel(c)

	if currentID(s) != "B" || !sameIDs(ids(s.queue), "C") {
		t.Fatalf("got current=%s queue=%v", currentID(s), ids(s.queue))
	}
	if s.notice == nil || s.notice.BookingID != "A" || s.notice.Reason != "found another ride" {
		t.Fatalf("expected acknowledgement notice, got %+v", s.notice)
	}
}

func TestCancelCurrentWithEmptyQueue(t *testing.T) {
	s := sessionWith("A")
	c := bk("A", models.StatusCancelled, 0)
	c.CancelledBy = models.ActorDriver
	s.cancel(c)
	if s.current != nil || len(s.queue) != 0 || s.notice != nil {
		t.Fatalf("expected empty session without notice, got current=%s notice=%+v", currentID(s), s.notice)
	}
}

func TestCancelQueuedKeepsOrder(t *testing.T) {
	s := sessionWith("A", "B", "C", "D")
	c := bk("C", models.StatusCancelled, 0)
	c.CancelledBy = models.ActorPassenger
	s.cancel(c)
	if currentID(s) != "A" || !sameIDs(ids(s.queue), "B", "D") || s.notice != nil {
		t.Fatalf("got current=%s queue=%v notice=%+v", currentID(s), ids(s.queue), s.notice)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	s := sessionWith("A", "B", "C")
	c := bk("A", models.StatusCancelled, 0)
	c.CancelledBy = models.ActorPassenger
	s.cancel(c)
	first := fmt.Sprintf("%s %v %+v", currentID(s), ids(s.queue), *s.notice)
	s.cancel(c)
	second := fmt.Sprintf("%s %v %+v", currentID(s), ids(s.queue), *s.notice)
	if first != second {
		t.Fatalf("second cancel changed state: %s -> %s", first, second)
	}
}

func TestCompletedWaitsForRating(t *testing.T) {
	s := sessionWith("A", "B", "C")
	s.completed(bk("A", models.StatusCompleted, 0), false)
	if s.current != nil || s.pendingRating == nil || !sameIDs(ids(s.queue), "B", "C") {
		t.Fatalf("promotion not suppressed: current=%s queue=%v", currentID(s), ids(s.queue))
	}
	if err := s.check(); err != nil {
		t.Fatalf("pending rating state invalid: %v", err)
	}

	// an accept while the rating is pending queues behind
	s.commitAccept(bk("D", models.StatusAccepted, 5))
	if s.current != nil || !sameIDs(ids(s.queue), "B", "C", "D") {
		t.Fatalf("accept during pending rating: current=%s queue=%v", currentID(s), ids(s.queue))
	}

	s.ratingAcknowledged("other")
	if s.current != nil {
		t.Fatal("unrelated acknowledgement resumed promotion")
	}
	s.ratingAcknowledged("A")
	if currentID(s) != "B" || !sameIDs(ids(s.queue), "C", "D") || s.pendingRating != nil {
		t.Fatalf("got current=%s queue=%v", currentID(s), ids(s.queue))
	}
}

func TestCompletedAlreadyRatedPromotes(t *testing.T) {
	s := sessionWith("A", "B")
	s.completed(bk("A", models.StatusCompleted, 0), true)
	if currentID(s) != "B" || len(s.queue) != 0 || s.pendingRating != nil {
		t.Fatalf("got current=%s queue=%v", currentID(s), ids(s.queue))
	}
}

func TestRestorePicksMostAdvanced(t *testing.T) {
	s := newState("d1", 5)
	s.restore([]models.Booking{
		bk("A", models.StatusInProgress, 3),
		bk("B", models.StatusAccepted, 2),
		bk("C", models.StatusDriverArrived, 1),
	})
	if currentID(s) != "A" || !sameIDs(ids(s.queue), "C", "B") {
		t.Fatalf("got current=%s queue=%v", currentID(s), ids(s.queue))
	}
}

func TestRestoreTieBreaksOnRequestTime(t *testing.T) {
	s := newState("d1", 5)
	s.restore([]models.Booking{
		bk("late", models.StatusDriverArriving, 5),
		bk("early", models.StatusDriverArriving, 1),
		bk("done", models.StatusCompleted, 0),
		bk("x", models.StatusAccepted, 0),
	})
	if currentID(s) != "early" || !sameIDs(ids(s.queue), "x", "late") {
		t.Fatalf("got current=%s queue=%v", currentID(s), ids(s.queue))
	}
}

func TestRestoreCapsAtDepth(t *testing.T) {
	s := newState("d1", 3)
	s.restore([]models.Booking{
		bk("A", models.StatusAccepted, 1),
		bk("B", models.StatusAccepted, 2),
		bk("C", models.StatusAccepted, 3),
		bk("D", models.StatusAccepted, 4),
	})
	if err := s.check(); err != nil {
		t.Fatalf("restored state invalid: %v", err)
	}
	if currentID(s) != "A" || !sameIDs(ids(s.queue), "B", "C") {
		t.Fatalf("got current=%s queue=%v", currentID(s), ids(s.queue))
	}
}

func TestObserveIgnoresStaleAndReleasesReassigned(t *testing.T) {
	s := sessionWith("A", "B")
	arrived := bk("A", models.StatusDriverArrived, 0)
	s.observe(arrived)
	s.observe(bk("A", models.StatusAccepted, 0))
	if s.current.Status != models.StatusDriverArrived {
		t.Fatalf("stale snapshot applied: %s", s.current.Status)
	}

	moved := bk("B", models.StatusAccepted, 1)
	moved.DriverID = "d2"
	s.observe(moved)
	if len(s.queue) != 0 {
		t.Fatalf("reassigned booking kept: %v", ids(s.queue))
	}
}

func TestCheckCatchesViolations(t *testing.T) {
	s := sessionWith("A", "A")
	if err := s.check(); err == nil {
		t.Fatal("duplicate not caught")
	}
	s = sessionWith("", "B")
	if err := s.check(); err == nil {
		t.Fatal("queue without current not caught")
	}
	s = sessionWith("A", "B", "C", "D", "E", "F")
	if err := s.check(); err == nil {
		t.Fatal("overflow not caught")
	}
}

func TestAcceptThenDriverCancelRoundTrips(t *testing.T) {
	for _, start := range []*state{sessionWith(""), sessionWith("A", "B")} {
		before := fmt.Sprintf("%s %v", currentID(start), ids(start.queue))
		if err := start.reserve(); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		start.commitAccept(bk("N", models.StatusAccepted, 9))
		c := bk("N", models.StatusCancelled, 9)
		c.CancelledBy = models.ActorDriver
		start.cancel(c)
		if after := fmt.Sprintf("%s %v", currentID(start), ids(start.queue)); after != before {
			t.Fatalf("round trip changed session: %s -> %s", before, after)
		}
	}
}

// TestInvariantsHoldUnderRandomOperations drives the state through random
// sequences of every mutation and checks the invariants after each step.
func TestInvariantsHoldUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []models.BookingStatus{models.StatusAccepted, models.StatusDriverArriving, models.StatusDriverArrived, models.StatusInProgress}
	for run := 0; run < 200; run++ {
		s := newState("d1", 5)
		s.online = true
		next := 0
		for step := 0; step < 60; step++ {
			held := s.all()
			pick := func() string {
				if len(held) == 0 {
					return "none"
				}
				return held[rng.Intn(len(held))].ID
			}
			cp := s.clone()
			switch rng.Intn(7) {
			case 0, 1:
				if cp.reserve() == nil {
					next++
					cp.commitAccept(bk(fmt.Sprintf("b%d", next), models.StatusAccepted, next))
				}
			case 2:
				_ = cp.switchTo(pick())
			case 3:
				c := bk(pick(), models.StatusCancelled, 0)
				c.CancelledBy = models.ActorPassenger
				cp.cancel(c)
			case 4:
				if cp.current != nil {
					cp.completed(bk(cp.current.ID, models.StatusCompleted, 0), rng.Intn(2) == 0)
				}
			case 5:
				if cp.pendingRating != nil {
					cp.ratingAcknowledged(cp.pendingRating.ID)
				}
			case 6:
				cp.observe(bk(pick(), statuses[rng.Intn(len(statuses))], 0))
			}
			if err := cp.check(); err != nil {
				t.Fatalf("run %d step %d: %v (current=%s queue=%v)", run, step, err, currentID(cp), ids(cp.queue))
			}
			s = cp
		}
	}
}
