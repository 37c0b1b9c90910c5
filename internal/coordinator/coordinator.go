// Package coordinator owns one driver's session: the current booking, the
// bounded queue behind it, and the rules for accept, switch, promotion and
// reconciliation against the booking gateway.
//
// All session mutations run on a single loop goroutine. Gateway, routing
// and rating calls happen on the caller's goroutine or on background tasks
// and only their results are submitted to the loop.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-queue/internal/geo"
	"github.com/example/ride-queue/internal/lifecycle"
	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/observability"
	"github.com/example/ride-queue/internal/rating"
	"github.com/example/ride-queue/internal/routecache"
)

// ErrStopped is returned once the session loop has exited (driver logged out).
var ErrStopped = fmt.Errorf("%w: coordinator stopped", models.ErrSessionClosed)

// Gateway is what the coordinator reads from the booking store and the
// matching service. Status writes go through the lifecycle machine.
type Gateway interface {
	GetBooking(ctx context.Context, id string) (models.Booking, error)
	ObserveBooking(ctx context.Context, id string) (<-chan models.Booking, error)
	GetRequest(ctx context.Context, requestID string) (models.IncomingRequest, error)
	AcceptRequest(ctx context.Context, requestID, driverID string) (models.Booking, error)
	DeclineRequest(ctx context.Context, requestID, driverID string) error
	QueryActiveBookings(ctx context.Context, driverID string) ([]models.Booking, error)
}

// Dismisser hides a request from the driver's offer list.
type Dismisser interface {
	Dismiss(requestID string)
}

// LocationPublisher forwards position fixes to the rest of the platform.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Options struct {
	DriverID      string
	MaxQueueDepth int
	SweepInterval time.Duration

	Gateway   Gateway
	Machine   *lifecycle.Machine
	Routes    *routecache.Cache
	Ratings   rating.Record
	Positions geo.Positions
	Locations LocationPublisher
	Requests  Dismisser
	Logger    *slog.Logger
}

// Snapshot is a read-only copy of the session for presentation.
type Snapshot struct {
	Version          uint64                      `json:"version"`
	DriverID         string                      `json:"driver_id"`
	Online           bool                        `json:"online"`
	Location         *models.Coord               `json:"location,omitempty"`
	Current          *models.Booking             `json:"current,omitempty"`
	Queue            []models.Booking            `json:"queue"`
	MaxQueueDepth    int                         `json:"max_queue_depth"`
	PendingRating    *models.Booking             `json:"pending_rating,omitempty"`
	Cancellation     *models.CancellationNotice  `json:"cancellation,omitempty"`
	Routes           map[string]models.RouteInfo `json:"routes"`
	RouteUnavailable []string                    `json:"route_unavailable,omitempty"`
}

// Held returns the ids in the session, current first.
func (s Snapshot) Held() []string {
	out := make([]string, 0, len(s.Queue)+1)
	if s.Current != nil {
		out = append(out, s.Current.ID)
	}
	for _, b := range s.Queue {
		out = append(out, b.ID)
	}
	return out
}

type command struct {
	fn    func(*state) error
	reply chan error
}

type Coordinator struct {
	driverID string
	sweep    time.Duration
	gw       Gateway
	machine  *lifecycle.Machine
	routes   *routecache.Cache
	ratings  rating.Record
	pos      geo.Positions
	locs     LocationPublisher
	requests Dismisser
	logger   *slog.Logger

	mailbox chan command
	stopped chan struct{}
	started atomic.Bool

	// loop-owned
	st       *state
	version  uint64
	watchers map[string]context.CancelFunc
	runCtx   context.Context

	snap  atomic.Pointer[Snapshot]
	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

func New(opts Options) *Coordinator {
	if opts.MaxQueueDepth <= 0 {
		opts.MaxQueueDepth = 5
	}
	if opts.Ratings == nil {
		opts.Ratings = rating.NewMemoryRecord()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		driverID: opts.DriverID,
		sweep:    opts.SweepInterval,
		gw:       opts.Gateway,
		machine:  opts.Machine,
		routes:   opts.Routes,
		ratings:  opts.Ratings,
		pos:      opts.Positions,
		locs:     opts.Locations,
		requests: opts.Requests,
		logger:   logger.With("component", "coordinator", "driver_id", opts.DriverID),
		mailbox:  make(chan command),
		stopped:  make(chan struct{}),
		st:       newState(opts.DriverID, opts.MaxQueueDepth),
		watchers: make(map[string]context.CancelFunc),
		subs:     make(map[chan Snapshot]struct{}),
	}
	c.publish()
	return c
}

// SetRequests attaches the intake whose offers accept and decline consume.
// It must be called before Run.
func (c *Coordinator) SetRequests(d Dismisser) { c.requests = d }

// Run processes session mutations until ctx is done. It also drives the
// periodic sweep. Watchers started by the session stop when Run returns.
func (c *Coordinator) Run(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.runCtx = ctx
	defer close(c.stopped)

	var tick <-chan time.Time
	if c.sweep > 0 {
		t := time.NewTicker(c.sweep)
		defer t.Stop()
		tick = t.C
	}
	sweeping := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			for id, stop := range c.watchers {
				stop()
				delete(c.watchers, id)
			}
			c.logger.Info("session_loop_stopped")
			return
		case cmd := <-c.mailbox:
			cmd.reply <- c.apply(cmd.fn)
		case <-tick:
			select {
			case sweeping <- struct{}{}:
				go func() {
					defer func() { <-sweeping }()
					c.Sweep(ctx)
				}()
			default:
			}
		}
	}
}

// Done is closed when the loop has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.stopped }

// do submits fn to the loop and waits for it to be applied. Once accepted
// by the loop fn runs to completion even if ctx is cancelled meanwhile.
func (c *Coordinator) do(ctx context.Context, fn func(*state) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.mailbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.stopped:
		return ErrStopped
	}
}

// apply runs fn against a copy of the state and commits only when fn
// succeeds and the invariants hold.
func (c *Coordinator) apply(fn func(*state) error) error {
	next := c.st.clone()
	if err := fn(next); err != nil {
		return err
	}
	next.pruneRoutes()
	if err := next.check(); err != nil {
		c.logger.Error("invariant_violation", "error", err)
		return fmt.Errorf("rejected update: %w", err)
	}
	prev := c.st
	c.st = next
	for _, n := range next.notes {
		if n.metric != nil {
			n.metric()
		}
		c.logger.Info(n.msg, n.args...)
	}
	next.notes = nil
	c.effects(prev, next)
	c.publish()
	return nil
}

// effects starts and stops per-booking work after a committed change:
// watchers follow membership, routes follow targets.
func (c *Coordinator) effects(prev, next *state) {
	before := make(map[string]models.Booking, prev.held())
	for _, b := range prev.all() {
		before[b.ID] = b
	}
	after := make(map[string]struct{}, next.held())
	for _, b := range next.all() {
		after[b.ID] = struct{}{}
		old, had := before[b.ID]
		if !had {
			c.watch(b.ID)
		}
		// a started trip drops the route computed on arrival
		started := b.Status == models.StatusInProgress && old.Status != models.StatusInProgress
		if had && (old.RouteTarget() != b.RouteTarget() || started) {
			c.scheduleRoute(next, b, true)
			continue
		}
		c.scheduleRoute(next, b, false)
	}
	for id := range before {
		if _, ok := after[id]; ok {
			continue
		}
		c.unwatch(id)
		delete(next.inflight, id)
		if c.routes != nil {
			go c.routes.Invalidate(context.WithoutCancel(c.loopCtx()), id)
		}
	}
	if next.current != nil && (prev.current == nil || prev.current.ID != next.current.ID) {
		// a newly current booking gets another try at a route
		delete(next.unavailable, next.current.ID)
		c.scheduleRoute(next, *next.current, false)
	}
}

func (c *Coordinator) loopCtx() context.Context {
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// scheduleRoute starts a route task for b unless one is running, a route is
// already shown, or the last attempt for this target failed.
func (c *Coordinator) scheduleRoute(s *state, b models.Booking, fresh bool) {
	if c.routes == nil || s.location == nil {
		return
	}
	target := b.RouteTarget()
	if t, ok := s.inflight[b.ID]; ok && t == target {
		return
	}
	if !fresh {
		if _, ok := s.routes[b.ID]; ok {
			return
		}
		if t, ok := s.unavailable[b.ID]; ok && t == target {
			return
		}
	}
	s.inflight[b.ID] = target
	c.fetchRoute(b.ID, *s.location, target, fresh)
}

func (c *Coordinator) fetchRoute(id string, origin, target models.Coord, fresh bool) {
	ctx := c.loopCtx()
	go func() {
		var (
			r   models.RouteInfo
			err error
		)
		if fresh {
			r, err = c.routes.Recompute(ctx, id, origin, target)
		} else {
			r, err = c.routes.GetOrFetch(ctx, id, origin, target)
		}
		_ = c.do(ctx, func(s *state) error {
			s.routeResult(id, target, r, err)
			return nil
		})
	}()
}

// publish stores a fresh snapshot and hands it to subscribers. Called on
// the loop goroutine (and once from New).
func (c *Coordinator) publish() {
	c.version++
	s := c.st
	snap := Snapshot{
		Version:       c.version,
		DriverID:      s.driverID,
		Online:        s.online,
		MaxQueueDepth: s.maxDepth,
		Queue:         append([]models.Booking(nil), s.queue...),
		Routes:        make(map[string]models.RouteInfo, len(s.routes)),
	}
	if s.location != nil {
		loc := *s.location
		snap.Location = &loc
	}
	if s.current != nil {
		b := *s.current
		snap.Current = &b
	}
	if s.pendingRating != nil {
		b := *s.pendingRating
		snap.PendingRating = &b
	}
	if s.notice != nil {
		n := *s.notice
		snap.Cancellation = &n
	}
	for id, r := range s.routes {
		snap.Routes[id] = r
	}
	for id := range s.unavailable {
		snap.RouteUnavailable = append(snap.RouteUnavailable, id)
	}
	c.snap.Store(&snap)
	observability.QueueDepth.Set(float64(s.held()))

	c.subMu.Lock()
	for ch := range c.subs {
		offerLatest(ch, snap)
	}
	c.subMu.Unlock()
}

// Snapshot returns the latest committed session view without blocking.
func (c *Coordinator) Snapshot() Snapshot { return *c.snap.Load() }

// Subscribe yields the current snapshot and every later one until ctx is
// done. A slow reader only ever misses intermediate snapshots.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	offerLatest(ch, *c.snap.Load())
	c.subMu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-c.stopped:
		}
		c.subMu.Lock()
		delete(c.subs, ch)
		close(ch)
		c.subMu.Unlock()
	}()
	return ch
}

func offerLatest(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// watch follows one held booking's change stream until it leaves the
// session. Called on the loop goroutine.
func (c *Coordinator) watch(id string) {
	if _, ok := c.watchers[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(c.loopCtx())
	c.watchers[id] = cancel
	go c.follow(ctx, id)
}

func (c *Coordinator) unwatch(id string) {
	if stop, ok := c.watchers[id]; ok {
		stop()
		delete(c.watchers, id)
	}
}

func (c *Coordinator) follow(ctx context.Context, id string) {
	logger := c.logger.With("booking_id", id)
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		stream, err := c.gw.ObserveBooking(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("booking_watch_failed", "error", err, "backoff", backoff.String())
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
		for b := range stream {
			if err := c.Reconcile(ctx, b); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrStopped) {
				logger.Warn("booking_reconcile_failed", "error", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}
