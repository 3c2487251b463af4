// Package metadata persists per-plug names and schedules in SQLite.
//
// The Store keeps an immutable schedule.Snapshot of every record and
// republishes it to its listeners after each committed transaction:
//
//	tx := store.Begin()
//	m := tx.GetOrCreate(addr)
//	m.OnTime, m.OffTime = &on, &off
//	m.ScheduleEnabled = true
//	if err := tx.Put(addr, m); err != nil {
//	    return err
//	}
//	if err := tx.Commit(ctx); err != nil {
//	    return err
//	}
//
// A record whose schedule is enabled but is missing either time is stored
// with the schedule disabled.
package metadata
