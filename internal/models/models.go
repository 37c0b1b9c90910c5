package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a point with the human readable address shown to the driver.
type Location struct {
	Coord
	Address string `json:"address,omitempty"`
}

type FareEstimate struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
	Total           float64 `json:"total"`
	Currency        string  `json:"currency,omitempty"`
}

// BookingStatus is the closed set of states a booking moves through.
// Transitions between them are owned by the lifecycle package.
type BookingStatus string

const (
	StatusRequested      BookingStatus = "REQUESTED"
	StatusAccepted       BookingStatus = "ACCEPTED"
	StatusDriverArriving BookingStatus = "DRIVER_ARRIVING"
	StatusDriverArrived  BookingStatus = "DRIVER_ARRIVED"
	StatusInProgress     BookingStatus = "IN_PROGRESS"
	StatusCompleted      BookingStatus = "COMPLETED"
	StatusCancelled      BookingStatus = "CANCELLED"
)

// Valid reports whether s is one of the known statuses.
func (s BookingStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusDriverArriving, StatusDriverArrived,
		StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses never change again.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Held reports whether a booking in this status may live in a driver session.
func (s BookingStatus) Held() bool {
	switch s {
	case StatusAccepted, StatusDriverArriving, StatusDriverArrived, StatusInProgress:
		return true
	}
	return false
}

// Actor identifies who triggered a transition.
type Actor string

const (
	ActorDriver    Actor = "driver"
	ActorPassenger Actor = "passenger"
	ActorSystem    Actor = "system"
)

type Booking struct {
	ID                  string        `json:"id"`
	PassengerID         string        `json:"passenger_id"`
	DriverID            string        `json:"driver_id,omitempty"`
	Pickup              Location      `json:"pickup"`
	Destination         Location      `json:"destination"`
	Fare                FareEstimate  `json:"fare"`
	SpecialInstructions string        `json:"special_instructions,omitempty"`
	Status              BookingStatus `json:"status"`
	CancelledBy         Actor         `json:"cancelled_by,omitempty"`
	CancelReason        string        `json:"cancel_reason,omitempty"`
	PaymentIntentID     string        `json:"payment_intent_id,omitempty"`
	RequestTime         time.Time     `json:"request_time"`
	CompletionTime      *time.Time    `json:"completion_time,omitempty"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// RouteTarget is where the driver navigates to for the booking's status:
// the pickup until the driver has arrived there, the destination afterwards.
func (b Booking) RouteTarget() Coord {
	switch b.Status {
	case StatusDriverArrived, StatusInProgress:
		return b.Destination.Coord
	default:
		return b.Pickup.Coord
	}
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestAccepted RequestStatus = "ACCEPTED"
	RequestDeclined RequestStatus = "DECLINED"
	RequestExpired  RequestStatus = "EXPIRED"
)

// IncomingRequest is an unconfirmed offer of a booking to one driver.
type IncomingRequest struct {
	RequestID   string        `json:"request_id"`
	BookingID   string        `json:"booking_id"`
	DriverID    string        `json:"driver_id"`
	PassengerID string        `json:"passenger_id"`
	Pickup      Location      `json:"pickup"`
	Destination Location      `json:"destination"`
	Fare        FareEstimate  `json:"fare"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

type RouteInfo struct {
	Waypoints       []Coord   `json:"waypoints"`
	DistanceMeters  float64   `json:"distance_meters"`
	DurationSeconds float64   `json:"duration_seconds"`
	Origin          Coord     `json:"origin"`
	Target          Coord     `json:"target"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Driver is the position record published for dispatch while online.
type Driver struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

// CancellationNotice is raised when a passenger cancels the booking the
// driver is currently serving; the driver must acknowledge it.
type CancellationNotice struct {
	BookingID   string    `json:"booking_id"`
	CancelledBy Actor     `json:"cancelled_by"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}
