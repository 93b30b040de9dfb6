package storage

import "errors"

var (
	ErrRideNotFound   = errors.New("ride not found")
	ErrDriverNotFound = errors.New("driver not found")
	ErrStreamClosed   = errors.New("stream closed")

	// ErrStatusConflict is returned when a status write would move a ride
	// backwards or touch a ride that is no longer in flight.
	ErrStatusConflict = errors.New("ride status cannot move to the requested value")
)
