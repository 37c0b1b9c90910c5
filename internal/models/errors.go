package models

import "errors"

var (
	ErrQueueFull         = errors.New("queue full")
	ErrAlreadyCancelled  = errors.New("booking already cancelled")
	ErrTransient         = errors.New("transient network failure")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAuthRequired      = errors.New("authentication required")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflicting update")
	ErrRouteUnavailable  = errors.New("route unavailable")
	ErrOffline           = errors.New("driver offline")
	ErrRatingPending     = errors.New("passenger rating pending")
	ErrSessionClosed     = errors.New("session closed")
)

// Message returns the short text shown to the driver for err.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQueueFull):
		return "You already have the maximum number of rides."
	case errors.Is(err, ErrAlreadyCancelled):
		return "This ride was cancelled by the passenger."
	case errors.Is(err, ErrTransient):
		return "Connection problem, please try again."
	case errors.Is(err, ErrInvalidTransition):
		return "That action is not available for this ride right now."
	case errors.Is(err, ErrAuthRequired):
		return "Please sign in again."
	case errors.Is(err, ErrNotFound):
		return "This ride is no longer available."
	case errors.Is(err, ErrConflict):
		return "This ride was taken by another driver."
	case errors.Is(err, ErrRouteUnavailable):
		return "Route unavailable."
	case errors.Is(err, ErrOffline):
		return "Go online to accept rides."
	case errors.Is(err, ErrRatingPending):
		return "Rate your last passenger first."
	case errors.Is(err, ErrSessionClosed):
		return "Your session ended, please try again."
	default:
		return "Something went wrong."
	}
}
