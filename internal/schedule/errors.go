package schedule

import "errors"

// Domain errors for the schedule package.
var (
	// ErrInvalidTimeOfDay is returned when a time-of-day string cannot be parsed.
	ErrInvalidTimeOfDay = errors.New("schedule: invalid time of day")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("schedule: engine already started")
)
