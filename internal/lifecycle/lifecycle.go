// Package lifecycle owns the booking status transitions: which driver action
// moves a booking where, which externally observed changes are legal, and
// persisting driver transitions before anyone else sees them.
package lifecycle

import (
	"fmt"

	"github.com/example/ride-queue/internal/models"
)

// Action is a driver command against one booking.
type Action int

const (
	HeadToPickup Action = iota
	ArriveAtPickup
	StartTrip
	CompleteTrip
	Cancel
)

func (a Action) String() string {
	switch a {
	case HeadToPickup:
		return "head_to_pickup"
	case ArriveAtPickup:
		return "arrived_at_pickup"
	case StartTrip:
		return "start_trip"
	case CompleteTrip:
		return "complete_trip"
	case Cancel:
		return "cancel"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Next returns the status a driver action moves a booking in status from to.
// Every status is listed so that a new one fails loudly here.
func Next(from models.BookingStatus, a Action) (models.BookingStatus, error) {
	switch from {
	case models.StatusAccepted:
		switch a {
		case HeadToPickup:
			return models.StatusDriverArriving, nil
		case ArriveAtPickup:
			return models.StatusDriverArrived, nil
		case Cancel:
			return models.StatusCancelled, nil
		}
	case models.StatusDriverArriving:
		switch a {
		case ArriveAtPickup:
			return models.StatusDriverArrived, nil
		case Cancel:
			return models.StatusCancelled, nil
		}
	case models.StatusDriverArrived:
		switch a {
		case StartTrip:
			return models.StatusInProgress, nil
		case Cancel:
			return models.StatusCancelled, nil
		}
	case models.StatusInProgress:
		switch a {
		case CompleteTrip:
			return models.StatusCompleted, nil
		case Cancel:
			return models.StatusCancelled, nil
		}
	case models.StatusRequested, models.StatusCompleted, models.StatusCancelled:
	}
	return "", fmt.Errorf("%w: %s from %s", models.ErrInvalidTransition, a, from)
}

func rank(s models.BookingStatus) int {
	switch s {
	case models.StatusRequested:
		return 0
	case models.StatusAccepted:
		return 1
	case models.StatusDriverArriving:
		return 2
	case models.StatusDriverArrived:
		return 3
	case models.StatusInProgress:
		return 4
	case models.StatusCompleted:
		return 5
	}
	return -1
}

// Observed reports whether a change pushed by the backend from one status to
// another can be applied. Passengers and the system may cancel any
// non-terminal booking; other changes must move forward.
func Observed(from, to models.BookingStatus) bool {
	if from.Terminal() || !to.Valid() || from == to {
		return false
	}
	if to == models.StatusCancelled {
		return true
	}
	return rank(to) > rank(from)
}

// Priority orders held statuses for picking the current booking on restore.
// Higher wins; statuses that are never held score zero.
func Priority(s models.BookingStatus) int {
	switch s {
	case models.StatusInProgress:
		return 4
	case models.StatusDriverArrived:
		return 3
	case models.StatusDriverArriving:
		return 2
	case models.StatusAccepted:
		return 1
	}
	return 0
}
