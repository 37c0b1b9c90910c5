package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-queue/internal/coordinator"
	"github.com/example/ride-queue/internal/intake"
	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// Message is the envelope pushed to the driver UI.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Offers is the payload of a "requests" message. Alert is set when the list
// grew and the UI should ring.
type Offers struct {
	Requests []models.IncomingRequest `json:"requests"`
	Alert    bool                     `json:"alert"`
}

// WSSession is one connected driver UI.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(m)
}

// WSRegistry holds the live connection of each driver. A reconnect replaces
// the previous connection.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	} else {
		observability.WSConnections.Inc()
	}
	return s
}

// Remove drops s if it is still the driver's connection.
func (r *WSRegistry) Remove(driverID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[driverID] == s {
		delete(r.sessions, driverID)
		observability.WSConnections.Dec()
	}
}

// Push sends one message to the driver's connection.
func (r *WSRegistry) Push(driverID string, m Message) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(m)
}

// Pump forwards session snapshots and offer lists to conn until ctx is done,
// either feed closes, or the client goes away.
func (r *WSRegistry) Pump(ctx context.Context, driverID string, conn *websocket.Conn, snaps <-chan coordinator.Snapshot, offers <-chan intake.Emission) error {
	s := r.Add(driverID, conn)
	defer func() {
		r.Remove(driverID, s)
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// the server's read timeout still applies to the hijacked conn
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var m Message
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			m = Message{Type: "session", Data: snap}
		case e, ok := <-offers:
			if !ok {
				return nil
			}
			m = Message{Type: "requests", Data: Offers{Requests: e.Requests, Alert: e.Grew()}}
		}
		if err := s.Send(m); err != nil {
			return err
		}
	}
}
