package lifecycle

import "errors"

var (
	// ErrRaceLost is returned when another actor resolved the ride first.
	ErrRaceLost = errors.New("ride already taken or cancelled")

	// ErrGatingViolation is returned when work is attempted while the
	// driver is locked. Callers should never get here; the shell blocks
	// the UI while locked.
	ErrGatingViolation = errors.New("driver is locked: commission debt or suspension")

	ErrNoActiveRide = errors.New("no active ride")
	ErrInvalidPhase = errors.New("intent not allowed in current phase")

	// ErrIntentPending is returned while another backend call for the
	// active ride is still in flight.
	ErrIntentPending = errors.New("another request is in flight")

	// ErrSuperseded is returned when the ride was resolved while the
	// request was in flight and its result was discarded.
	ErrSuperseded = errors.New("ride changed while request was in flight")

	ErrCancelRejected  = errors.New("cancellation rejected")
	ErrPaymentRequired = errors.New("payment not confirmed")
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
)
