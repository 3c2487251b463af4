package schedule

import "time"

// NextEvent returns the next scheduled transition after now.
//
// For each of on and off the candidate is today's occurrence if it is
// strictly after now, otherwise tomorrow's. The earlier candidate wins.
// When both fall at the same instant the off transition wins.
//
// Returns:
//   - time.Time: When the transition happens, in now's location
//   - bool: The state being transitioned to (true = on)
//
// The state the plug should be in right now is the negation of the
// returned bool.
func NextEvent(now time.Time, on, off TimeOfDay) (time.Time, bool) {
	onAt := nextOccurrence(now, on)
	offAt := nextOccurrence(now, off)

	if onAt.Before(offAt) {
		return onAt, true
	}
	return offAt, false
}

// ExpectedState returns whether a plug with the given schedule should be on at now.
func ExpectedState(now time.Time, on, off TimeOfDay) bool {
	_, turnsOn := NextEvent(now, on, off)
	return !turnsOn
}

func nextOccurrence(now time.Time, t TimeOfDay) time.Time {
	today := t.On(now)
	if today.After(now) {
		return today
	}
	return t.On(now.AddDate(0, 0, 1))
}
