package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-queue/internal/coordinator"
	"github.com/example/ride-queue/internal/intake"
	"github.com/example/ride-queue/internal/logging"
	"github.com/example/ride-queue/internal/models"
)

type recordingHook struct {
	mu    sync.Mutex
	seen  []models.BookingStatus
	fail  bool
	fired chan struct{}
}

func (h *recordingHook) Name() string { return "recording" }

func (h *recordingHook) Handle(ctx context.Context, before, after models.Booking) error {
	h.mu.Lock()
	h.seen = append(h.seen, after.Status)
	h.mu.Unlock()
	h.fired <- struct{}{}
	if h.fail {
		return errors.New("boom")
	}
	return nil
}

func TestHooksFireEveryHook(t *testing.T) {
	ok := &recordingHook{fired: make(chan struct{}, 1)}
	bad := &recordingHook{fail: true, fired: make(chan struct{}, 1)}
	h := NewHooks(time.Second, logging.Discard(), ok, bad)

	h.Fire(models.Booking{ID: "b1", Status: models.StatusAccepted}, models.Booking{ID: "b1", Status: models.StatusDriverArriving})
	for _, hook := range []*recordingHook{ok, bad} {
		select {
		case <-hook.fired:
		case <-time.After(time.Second):
			t.Fatal("hook not fired")
		}
	}
	if ok.seen[0] != models.StatusDriverArriving {
		t.Fatalf("unexpected status %v", ok.seen)
	}
}

func TestFCMNotifierPostsStatusChange(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]any
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewFCMNotifier(srv.URL, "secret")
	before := models.Booking{ID: "b1", PassengerID: "p1", Status: models.StatusAccepted}
	after := before
	after.Status = models.StatusDriverArrived
	if err := n.Handle(context.Background(), before, after); err != nil {
		t.Fatalf("handle: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer secret" {
		t.Fatalf("missing bearer key: %q", auth)
	}
	msg := body["message"].(map[string]any)
	data := msg["data"].(map[string]any)
	if msg["topic"] != "passenger-p1" || data["status"] != string(models.StatusDriverArrived) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestFCMNotifierReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	n := NewFCMNotifier(srv.URL, "")
	err := n.Handle(context.Background(), models.Booking{ID: "b1", PassengerID: "p1"}, models.Booking{ID: "b1", PassengerID: "p1", Status: models.StatusCancelled})
	if err == nil {
		t.Fatal("expected error on 503")
	}
	if err := n.Handle(context.Background(), models.Booking{Status: models.StatusAccepted}, models.Booking{Status: models.StatusAccepted, PassengerID: "p1"}); err != nil {
		t.Fatalf("no-op change must not post: %v", err)
	}
}

func TestPumpForwardsSnapshotsAndOffers(t *testing.T) {
	reg := NewWSRegistry()
	snaps := make(chan coordinator.Snapshot, 1)
	offers := make(chan intake.Emission, 1)
	done := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		done <- reg.Pump(r.Context(), "d1", conn, snaps, offers)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	snaps <- coordinator.Snapshot{DriverID: "d1", Online: true}
	var m struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := client.ReadJSON(&m); err != nil || m.Type != "session" {
		t.Fatalf("expected session message, got %+v err=%v", m, err)
	}

	offers <- intake.Emission{Requests: []models.IncomingRequest{{RequestID: "r1"}}, Delta: 1}
	if err := client.ReadJSON(&m); err != nil || m.Type != "requests" {
		t.Fatalf("expected requests message, got %+v err=%v", m, err)
	}
	var o Offers
	if err := json.Unmarshal(m.Data, &o); err != nil || !o.Alert || len(o.Requests) != 1 {
		t.Fatalf("unexpected offers %+v err=%v", o, err)
	}

	if err := reg.Push("d1", Message{Type: "ping"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := client.ReadJSON(&m); err != nil || m.Type != "ping" {
		t.Fatalf("expected ping, got %+v err=%v", m, err)
	}

	close(snaps)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop when the feed closed")
	}
	if err := reg.Push("d1", Message{Type: "ping"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after pump exit, got %v", err)
	}
}
