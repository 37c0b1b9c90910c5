package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-queue/internal/coordinator"
	"github.com/example/ride-queue/internal/dispatch"
	"github.com/example/ride-queue/internal/models"
	"github.com/example/ride-queue/internal/session"
)

// DevGateway lets the development endpoints play the passenger and the
// matching service against the in-process gateway.
type DevGateway interface {
	Ingest(ctx context.Context, b models.Booking) error
	IngestRequest(ctx context.Context, r models.IncomingRequest) error
	Cancel(ctx context.Context, id, reason string, by models.Actor) (models.Booking, error)
}

// Holder places a payment hold for a newly requested booking.
type Holder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
}

type Options struct {
	Sessions *session.Manager
	Auth     *Authenticator
	WS       *dispatch.WSRegistry
	Dev      DevGateway
	Payments Holder
	Logger   *slog.Logger
}

type Server struct {
	sessions *session.Manager
	auth     *Authenticator
	ws       *dispatch.WSRegistry
	dev      DevGateway
	payments Holder
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth = NewAuthenticator("")
	}
	if opts.WS == nil {
		opts.WS = dispatch.NewWSRegistry()
	}
	s := &Server{
		sessions: opts.Sessions,
		auth:     opts.Auth,
		ws:       opts.WS,
		dev:      opts.Dev,
		payments: opts.Payments,
		logger:   opts.Logger.With("component", "http"),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.requireDriver(s.handleWS))

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/session", s.requireDriver(s.handleLogin)).Methods("POST")
	api.HandleFunc("/session", s.requireDriver(s.handleLogout)).Methods("DELETE")
	api.HandleFunc("/session", s.withSession(s.handleSnapshot)).Methods("GET")
	api.HandleFunc("/session/online", s.withSession(s.handleOnline)).Methods("POST")
	api.HandleFunc("/session/cancellation-ack", s.withSession(s.handleCancellationAck)).Methods("POST")
	api.HandleFunc("/location", s.withSession(s.handleLocation)).Methods("POST")

	api.HandleFunc("/requests", s.withSession(s.handleRequests)).Methods("GET")
	api.HandleFunc("/requests/{request_id}/accept", s.withSession(s.handleAccept)).Methods("POST")
	api.HandleFunc("/requests/{request_id}/decline", s.withSession(s.handleDecline)).Methods("POST")

	api.HandleFunc("/bookings/{booking_id}/switch", s.withSession(s.handleSwitch)).Methods("POST")
	api.HandleFunc("/bookings/{booking_id}/rating-ack", s.withSession(s.handleRatingAck)).Methods("POST")

	api.HandleFunc("/trip/head-to-pickup", s.withSession(s.tripAction((*coordinator.Coordinator).HeadToPickup))).Methods("POST")
	api.HandleFunc("/trip/arrived", s.withSession(s.tripAction((*coordinator.Coordinator).ArrivedAtPickup))).Methods("POST")
	api.HandleFunc("/trip/start", s.withSession(s.tripAction((*coordinator.Coordinator).StartTrip))).Methods("POST")
	api.HandleFunc("/trip/complete", s.withSession(s.tripAction((*coordinator.Coordinator).CompleteTrip))).Methods("POST")
	api.HandleFunc("/trip/cancel", s.withSession(s.handleCancelTrip)).Methods("POST")

	if s.dev != nil {
		dev := s.mux.PathPrefix("/dev").Subrouter()
		dev.HandleFunc("/requests", s.handleDevRequest).Methods("POST")
		dev.HandleFunc("/bookings/{booking_id}/cancel", s.handleDevCancel).Methods("POST")
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

// withSession resolves the caller's live session; calls without one fail
// with ErrAuthRequired.
func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return s.requireDriver(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessions.Current(driverFromContext(r.Context()))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, sess)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Login(r.Context(), driverFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Coordinator().Snapshot())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(driverFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	writeJSON(w, http.StatusOK, sess.Coordinator().Snapshot())
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	e := sess.Requests()
	writeJSON(w, http.StatusOK, dispatch.Offers{Requests: e.Requests, Alert: e.Grew()})
}

type onlineBody struct {
	Online *bool `json:"online"`
}

// handleOnline sets availability, or toggles it when no value is given.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var body onlineBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	c := sess.Coordinator()
	var err error
	if body.Online == nil {
		_, err = c.ToggleOnline(r.Context())
	} else {
		err = c.SetOnline(r.Context(), *body.Online)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleCancellationAck(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := sess.Coordinator().AcknowledgeCancellation(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Coordinator().Snapshot())
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var at models.Coord
	if err := json.NewDecoder(r.Body).Decode(&at); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if math.Abs(at.Lat) > 90 || math.Abs(at.Lon) > 180 {
		http.Error(w, "coordinates out of range", http.StatusBadRequest)
		return
	}
	if err := sess.Coordinator().UpdateLocation(r.Context(), at); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	b, err := sess.Accept(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := sess.Coordinator().Decline(r.Context(), mux.Vars(r)["request_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	c := sess.Coordinator()
	if err := c.SwitchTo(r.Context(), mux.Vars(r)["booking_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleRatingAck(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	c := sess.Coordinator()
	if err := c.OnRatingAcknowledged(r.Context(), mux.Vars(r)["booking_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) tripAction(action func(*coordinator.Coordinator, context.Context) (models.Booking, error)) sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, sess *session.Session) {
		b, err := action(sess.Coordinator(), r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

type cancelBody struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var body cancelBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	b, err := sess.Coordinator().CancelTrip(r.Context(), body.BookingID, strings.TrimSpace(body.Reason))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := driverFromContext(r.Context())
	sess, err := s.sessions.Current(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		requestLogger(r.Context(), s.logger).Warn("ws_upgrade_failed", "driver_id", id, "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := s.ws.Pump(ctx, id, conn, sess.Coordinator().Subscribe(ctx), sess.SubscribeRequests(ctx)); err != nil {
		requestLogger(r.Context(), s.logger).Info("ws_closed", "driver_id", id, "error", err)
	}
}

type devRequestBody struct {
	DriverID            string              `json:"driver_id"`
	PassengerID         string              `json:"passenger_id"`
	Pickup              models.Location     `json:"pickup"`
	Destination         models.Location     `json:"destination"`
	Fare                models.FareEstimate `json:"fare"`
	SpecialInstructions string              `json:"special_instructions"`
}

// handleDevRequest creates a REQUESTED booking and offers it to a driver,
// standing in for the passenger app and the matching service.
func (s *Server) handleDevRequest(w http.ResponseWriter, r *http.Request) {
	var body devRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	b := models.Booking{
		ID:                  uuid.NewString(),
		PassengerID:         body.PassengerID,
		Pickup:              body.Pickup,
		Destination:         body.Destination,
		Fare:                body.Fare,
		SpecialInstructions: body.SpecialInstructions,
		Status:              models.StatusRequested,
		RequestTime:         now,
		UpdatedAt:           now,
	}
	if s.payments != nil && body.Fare.Total > 0 {
		currency := body.Fare.Currency
		if currency == "" {
			currency = "usd"
		}
		id, err := s.payments.Hold(r.Context(), int64(math.Round(body.Fare.Total*100)), strings.ToLower(currency), "")
		if err != nil {
			s.logger.Warn("payment_hold_failed", "booking_id", b.ID, "error", err)
		} else {
			b.PaymentIntentID = id
		}
	}
	if err := s.dev.Ingest(r.Context(), b); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := models.IncomingRequest{
		RequestID:   uuid.NewString(),
		BookingID:   b.ID,
		DriverID:    body.DriverID,
		PassengerID: b.PassengerID,
		Pickup:      b.Pickup,
		Destination: b.Destination,
		Fare:        b.Fare,
		Status:      models.RequestPending,
		CreatedAt:   now,
	}
	if err := s.dev.IngestRequest(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"booking": b, "request": req})
}

func (s *Server) handleDevCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	b, err := s.dev.Cancel(r.Context(), mux.Vars(r)["booking_id"], body.Reason, models.ActorPassenger)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrQueueFull), errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrOffline), errors.Is(err, models.ErrRatingPending):
		return http.StatusConflict
	case errors.Is(err, models.ErrAlreadyCancelled):
		return http.StatusGone
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTransient), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, models.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		requestLogger(r.Context(), s.logger).Error("request_failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: models.Message(err), Detail: fmt.Sprint(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
