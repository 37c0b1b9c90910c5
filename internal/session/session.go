// Package session creates and tears down the one active driver session:
// the coordinator loop, its watchers and sweep, and the request intake that
// runs while the driver is online.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-queue/internal/coordinator"
	"github.com/example/ride-queue/internal/geo"
	"github.com/example/ride-queue/internal/intake"
	"github.com/example/ride-queue/internal/lifecycle"
	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/rating"
	"github.com/example/ride-queue/internal/routecache"
)

// Gateway is everything a driver session reads from the booking side.
type Gateway interface {
	coordinator.Gateway
	intake.Source
}

type Deps struct {
	Gateway       Gateway
	Machine       *lifecycle.Machine
	Routes        *routecache.Cache
	Ratings       rating.Record
	Positions     geo.Positions
	Locations     coordinator.LocationPublisher
	Windows       intake.Windows
	MaxQueueDepth int
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Manager holds at most one live session. A login for another driver
// replaces the previous session.
type Manager struct {
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	active *Session
}

func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Windows == (intake.Windows{}) {
		deps.Windows = intake.DefaultWindows()
	}
	return &Manager{deps: deps, logger: deps.Logger.With("component", "session")}
}

// Login returns the driver's session, creating it and restoring persisted
// bookings when none is active. A failed restore still yields the (empty,
// offline) session together with the error.
func (m *Manager) Login(ctx context.Context, driverID string) (*Session, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: missing driver", models.ErrAuthRequired)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		if m.active.driverID == driverID {
			return m.active, nil
		}
		m.logger.Info("session_replaced", "driver_id", m.active.driverID, "by", driverID)
		m.active.close()
		m.active = nil
	}

	s := start(m.deps, driverID)
	m.active = s
	m.logger.Info("session_started", "driver_id", driverID)
	if err := s.coord.RestoreSession(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Current returns the active session of driverID.
func (m *Manager) Current(driverID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.driverID != driverID {
		return nil, fmt.Errorf("%w: no session for driver %s", models.ErrAuthRequired, driverID)
	}
	return m.active, nil
}

// Logout tears down the driver's session. Logging out twice is harmless.
func (m *Manager) Logout(driverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.driverID != driverID {
		return
	}
	m.active.close()
	m.active = nil
	m.logger.Info("session_ended", "driver_id", driverID)
}

// Close ends whatever session is active; used at shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.close()
		m.active = nil
	}
}

type Session struct {
	driverID string
	coord    *coordinator.Coordinator
	intake   *intake.Intake
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	offers atomic.Pointer[intake.Emission]
	subMu  sync.Mutex
	subs   map[chan intake.Emission]struct{}
}

func start(d Deps, driverID string) *Session {
	logger := d.Logger.With("component", "session", "driver_id", driverID)
	in := intake.New(d.Gateway, d.Windows, d.Logger)
	coord := coordinator.New(coordinator.Options{
		DriverID:      driverID,
		MaxQueueDepth: d.MaxQueueDepth,
		SweepInterval: d.SweepInterval,
		Gateway:       d.Gateway,
		Machine:       d.Machine,
		Routes:        d.Routes,
		Ratings:       d.Ratings,
		Positions:     d.Positions,
		Locations:     d.Locations,
		Requests:      in,
		Logger:        d.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		driverID: driverID,
		coord:    coord,
		intake:   in,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
		subs:     make(map[chan intake.Emission]struct{}),
	}
	s.offers.Store(&intake.Emission{Requests: []models.IncomingRequest{}})

	go coord.Run(ctx)
	go s.followOnline(ctx)
	return s
}

func (s *Session) DriverID() string                      { return s.driverID }
func (s *Session) Coordinator() *coordinator.Coordinator { return s.coord }

// Accept takes a request the driver is currently being shown. Requests
// that aged out or were dismissed are no longer accepted.
func (s *Session) Accept(ctx context.Context, requestID string) (models.Booking, error) {
	if _, ok := s.intake.Lookup(requestID); !ok {
		return models.Booking{}, fmt.Errorf("%w: request %s is no longer offered", models.ErrNotFound, requestID)
	}
	return s.coord.Accept(ctx, requestID)
}

// Requests returns the latest offer list.
func (s *Session) Requests() intake.Emission { return *s.offers.Load() }

// SubscribeRequests yields the latest offer list and every later one until
// ctx is done or the session ends.
func (s *Session) SubscribeRequests(ctx context.Context) <-chan intake.Emission {
	ch := make(chan intake.Emission, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	ch <- *s.offers.Load()
	s.subMu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.subMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subMu.Unlock()
	}()
	return ch
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// followOnline runs the intake exactly while the session is online.
func (s *Session) followOnline(ctx context.Context) {
	defer close(s.done)
	var stop context.CancelFunc
	for snap := range s.coord.Subscribe(ctx) {
		switch {
		case snap.Online && stop == nil:
			var ictx context.Context
			ictx, stop = context.WithCancel(ctx)
			go s.forward(ictx.Done(), s.intake.Observe(ictx, s.driverID))
			s.logger.Info("intake_started")
		case !snap.Online && stop != nil:
			stop()
			stop = nil
			s.setOffers(intake.Emission{Requests: []models.IncomingRequest{}})
			s.logger.Info("intake_stopped")
		}
	}
	if stop != nil {
		stop()
	}
}

func (s *Session) forward(stopped <-chan struct{}, ch <-chan intake.Emission) {
	for e := range ch {
		select {
		case <-stopped:
			// drain until the intake closes its channel
			continue
		default:
		}
		s.setOffers(e)
	}
}

func (s *Session) setOffers(e intake.Emission) {
	s.offers.Store(&e)
	s.subMu.Lock()
	for ch := range s.subs {
		offerLatest(ch, e)
	}
	s.subMu.Unlock()
}

// offerLatest replaces an unread emission, keeping its growth.
func offerLatest(ch chan intake.Emission, e intake.Emission) {
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

func (s *Session) close() {
	s.cancel()
	<-s.coord.Done()
	<-s.done
}
