package schedule

import (
	"fmt"
	"slices"
	"time"

	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
)

// TimeOfDay is a wall-clock time within a day, at minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" in 24-hour form.
//
// Example:
//
//	t, err := ParseTimeOfDay("20:30")
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

// String returns the time as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns this time of day on the calendar date of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Metadata is the per-plug schedule configuration.
type Metadata struct {
	Name            string     `json:"name"`
	ScheduleEnabled bool       `json:"schedule_enabled"`
	OnTime          *TimeOfDay `json:"on_time,omitempty"`
	OffTime         *TimeOfDay `json:"off_time,omitempty"`
}

// HasSchedule reports whether both transition times are set.
func (m Metadata) HasSchedule() bool {
	return m.OnTime != nil && m.OffTime != nil
}

// Scheduled reports whether the engine should enforce this plug.
func (m Metadata) Scheduled() bool {
	return m.ScheduleEnabled && m.HasSchedule()
}

// clone returns a deep copy so snapshots never share time pointers.
func (m Metadata) clone() Metadata {
	if m.OnTime != nil {
		on := *m.OnTime
		m.OnTime = &on
	}
	if m.OffTime != nil {
		off := *m.OffTime
		m.OffTime = &off
	}
	return m
}

// Snapshot is an immutable set of per-plug metadata.
type Snapshot struct {
	entries map[plug.Address]Metadata
}

// NewSnapshot copies entries into a new snapshot.
func NewSnapshot(entries map[plug.Address]Metadata) Snapshot {
	copied := make(map[plug.Address]Metadata, len(entries))
	for addr, m := range entries {
		copied[addr] = m.clone()
	}
	return Snapshot{entries: copied}
}

// Get returns a copy of the metadata for addr.
func (s Snapshot) Get(addr plug.Address) (Metadata, bool) {
	m, ok := s.entries[addr]
	if !ok {
		return Metadata{}, false
	}
	return m.clone(), true
}

// Len returns the number of entries.
func (s Snapshot) Len() int {
	return len(s.entries)
}

// Addresses returns every address in ascending order.
func (s Snapshot) Addresses() []plug.Address {
	out := make([]plug.Address, 0, len(s.entries))
	for addr := range s.entries {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}
