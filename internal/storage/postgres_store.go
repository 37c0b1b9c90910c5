package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-queue/internal/models"
)

const bookingColumns = `id, passenger_id, driver_id, pickup_lat, pickup_lon, pickup_address, dest_lat, dest_lon, dest_address, fare_distance_m, fare_duration_s, fare_total, fare_currency, special_instructions, status, cancelled_by, cancel_reason, payment_intent_id, request_time, completion_time, updated_at`

const requestColumns = `id, booking_id, driver_id, passenger_id, status, created_at, snapshot`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (models.Booking, error) {
	var (
		b         models.Booking
		status    string
		by        string
		completed sql.NullTime
	)
	err := row.Scan(&b.ID, &b.PassengerID, &b.DriverID,
		&b.Pickup.Lat, &b.Pickup.Lon, &b.Pickup.Address,
		&b.Destination.Lat, &b.Destination.Lon, &b.Destination.Address,
		&b.Fare.DistanceMeters, &b.Fare.DurationSeconds, &b.Fare.Total, &b.Fare.Currency,
		&b.SpecialInstructions, &status, &by, &b.CancelReason, &b.PaymentIntentID,
		&b.RequestTime, &completed, &b.UpdatedAt)
	if err != nil {
		return models.Booking{}, err
	}
	b.Status = models.BookingStatus(status)
	b.CancelledBy = models.Actor(by)
	if completed.Valid {
		t := completed.Time
		b.CompletionTime = &t
	}
	return b, nil
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (models.Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Booking{}, models.ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) SaveBooking(ctx context.Context, b models.Booking) error {
	var completed sql.NullTime
	if b.CompletionTime != nil {
		completed = sql.NullTime{Time: *b.CompletionTime, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings(`+bookingColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (id) DO UPDATE SET driver_id=EXCLUDED.driver_id, status=EXCLUDED.status, cancelled_by=EXCLUDED.cancelled_by, cancel_reason=EXCLUDED.cancel_reason, payment_intent_id=EXCLUDED.payment_intent_id, special_instructions=EXCLUDED.special_instructions, completion_time=EXCLUDED.completion_time, updated_at=EXCLUDED.updated_at`,
		b.ID, b.PassengerID, b.DriverID,
		b.Pickup.Lat, b.Pickup.Lon, b.Pickup.Address,
		b.Destination.Lat, b.Destination.Lon, b.Destination.Address,
		b.Fare.DistanceMeters, b.Fare.DurationSeconds, b.Fare.Total, b.Fare.Currency,
		b.SpecialInstructions, string(b.Status), string(b.CancelledBy), b.CancelReason, b.PaymentIntentID,
		b.RequestTime, completed, b.UpdatedAt)
	return err
}

func (p *PostgresStore) AssignDriver(ctx context.Context, bookingID, driverID string, at time.Time) (models.Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx,
		`UPDATE bookings SET driver_id=$1, status='ACCEPTED', updated_at=$2 WHERE id=$3 AND status='REQUESTED' RETURNING `+bookingColumns,
		driverID, at, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetBooking(ctx, bookingID)
		if gerr != nil {
			return models.Booking{}, gerr
		}
		return cur, assignConflict(cur, driverID)
	}
	return b, err
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to models.BookingStatus, at time.Time) (models.Booking, error) {
	var completed sql.NullTime
	if to == models.StatusCompleted {
		completed = sql.NullTime{Time: at, Valid: true}
	}
	b, err := scanBooking(p.db.QueryRowContext(ctx,
		`UPDATE bookings SET status=$1, updated_at=$2, completion_time=COALESCE($3, completion_time) WHERE id=$4 AND status=$5 RETURNING `+bookingColumns,
		string(to), at, completed, id, string(from)))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetBooking(ctx, id)
		if gerr != nil {
			return models.Booking{}, gerr
		}
		return cur, statusConflict(cur)
	}
	return b, err
}

func (p *PostgresStore) CancelBooking(ctx context.Context, id, reason string, by models.Actor, at time.Time) (models.Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx,
		`UPDATE bookings SET status='CANCELLED', cancelled_by=$1, cancel_reason=$2, updated_at=$3 WHERE id=$4 AND status NOT IN ('COMPLETED','CANCELLED') RETURNING `+bookingColumns,
		string(by), reason, at, id))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetBooking(ctx, id)
		if gerr != nil {
			return models.Booking{}, gerr
		}
		return cur, statusConflict(cur)
	}
	return b, err
}

func (p *PostgresStore) ActiveForDriver(ctx context.Context, driverID string) ([]models.Booking, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE driver_id=$1 AND status IN ('ACCEPTED','DRIVER_ARRIVING','DRIVER_ARRIVED','IN_PROGRESS') ORDER BY request_time`,
		driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// requestSnapshot holds the offer details frozen when the request was made.
type requestSnapshot struct {
	Pickup      models.Location     `json:"pickup"`
	Destination models.Location     `json:"destination"`
	Fare        models.FareEstimate `json:"fare"`
}

func scanRequest(row rowScanner) (models.IncomingRequest, error) {
	var (
		r      models.IncomingRequest
		status string
		raw    []byte
	)
	if err := row.Scan(&r.RequestID, &r.BookingID, &r.DriverID, &r.PassengerID, &status, &r.CreatedAt, &raw); err != nil {
		return models.IncomingRequest{}, err
	}
	r.Status = models.RequestStatus(status)
	var snap requestSnapshot
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &snap); err != nil {
			return models.IncomingRequest{}, fmt.Errorf("decode request %s snapshot: %w", r.RequestID, err)
		}
	}
	r.Pickup, r.Destination, r.Fare = snap.Pickup, snap.Destination, snap.Fare
	return r, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.IncomingRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.IncomingRequest{}, models.ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r models.IncomingRequest) error {
	snap, err := json.Marshal(requestSnapshot{Pickup: r.Pickup, Destination: r.Destination, Fare: r.Fare})
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO ride_requests(`+requestColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, snapshot=EXCLUDED.snapshot`,
		r.RequestID, r.BookingID, r.DriverID, r.PassengerID, string(r.Status), r.CreatedAt, snap)
	return err
}

func (p *PostgresStore) SetRequestStatus(ctx context.Context, id string, status models.RequestStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET status=$1 WHERE id=$2`, string(status), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) PendingRequests(ctx context.Context, driverID string) ([]models.IncomingRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM ride_requests WHERE driver_id=$1 AND status='PENDING' ORDER BY created_at`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.IncomingRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
