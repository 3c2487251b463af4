package schedule

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
)

// Overrides maps plugs to the time their manual override expires.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Overrides struct {
	mu      sync.Mutex
	entries map[plug.Address]time.Time
}

// NewOverrides creates an empty override table.
func NewOverrides() *Overrides {
	return &Overrides{entries: make(map[plug.Address]time.Time)}
}

// Set installs or replaces the override for addr.
func (o *Overrides) Set(addr plug.Address, expires time.Time) {
	o.mu.Lock()
	o.entries[addr] = expires
	o.mu.Unlock()
}

// Get returns the expiration of the override for addr.
func (o *Overrides) Get(addr plug.Address) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exp, ok := o.entries[addr]
	return exp, ok
}

// CompareAndDelete removes the override for addr only if its expiration
// still equals expires. It reports whether the entry was removed; a false
// result means another caller replaced or removed it first.
func (o *Overrides) CompareAndDelete(addr plug.Address, expires time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.entries[addr]
	if !ok || !cur.Equal(expires) {
		return false
	}
	delete(o.entries, addr)
	return true
}

// Retain removes every override whose address keep rejects.
func (o *Overrides) Retain(keep func(plug.Address) bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	dropped := 0
	for addr := range o.entries {
		if !keep(addr) {
			delete(o.entries, addr)
			dropped++
		}
	}
	return dropped
}

// Clear removes every override and returns how many were removed.
func (o *Overrides) Clear() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.entries)
	clear(o.entries)
	return n
}

// Len returns the number of overrides.
func (o *Overrides) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
