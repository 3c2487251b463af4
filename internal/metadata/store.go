package metadata

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"unicode/utf8"

	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
	"github.com/nerrad567/gray-logic-plugs/internal/schedule"
)

// MaxNameLength is the longest accepted plug name, in runes.
const MaxNameLength = 64

// Logger interface for optional logging.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Store holds the committed metadata of every plug.
//
// Thread Safety:
//   - Snapshot is lock-free for readers.
//   - Commits are serialised; listeners observe snapshots in commit order.
type Store struct {
	repo   Repository
	logger Logger

	mu        sync.Mutex
	entries   map[plug.Address]schedule.Metadata
	snap      schedule.Snapshot
	listeners []func(schedule.Snapshot)
}

// NewStore creates an empty store backed by repo. Call Load to read the
// persisted records.
func NewStore(repo Repository, logger Logger) *Store {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Store{
		repo:    repo,
		logger:  logger,
		entries: make(map[plug.Address]schedule.Metadata),
		snap:    schedule.NewSnapshot(nil),
	}
}

// Load replaces the in-memory state with the persisted records and
// notifies listeners. Rows that cannot be decoded are skipped.
func (s *Store) Load(ctx context.Context) error {
	rows, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading metadata: %w", err)
	}

	entries := make(map[plug.Address]schedule.Metadata, len(rows))
	for _, row := range rows {
		addr, m, err := decodeRow(row)
		if err != nil {
			s.logger.Warn("skipping stored metadata", "address", row.Address, "error", err)
			continue
		}
		entries[addr] = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(entries)
	return nil
}

// OnChange registers fn to receive every committed snapshot.
// fn runs with the commit lock held and must not start a transaction.
func (s *Store) OnChange(fn func(schedule.Snapshot)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Snapshot returns the last committed metadata.
func (s *Store) Snapshot() schedule.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Begin starts a transaction. Staged changes are invisible to Snapshot
// until Commit succeeds.
func (s *Store) Begin() *Tx {
	return &Tx{store: s, base: s.Snapshot(), staged: make(map[plug.Address]Change)}
}

// publish must be called with mu held.
func (s *Store) publish(entries map[plug.Address]schedule.Metadata) {
	s.entries = entries
	s.snap = schedule.NewSnapshot(entries)
	for _, fn := range s.listeners {
		fn(s.snap)
	}
}

// Tx stages metadata changes for an atomic commit.
// A Tx is not safe for concurrent use.
type Tx struct {
	store  *Store
	base   schedule.Snapshot
	staged map[plug.Address]Change
	order  []plug.Address
	done   bool
}

// Get returns the staged or committed metadata for addr.
func (tx *Tx) Get(addr plug.Address) (schedule.Metadata, bool) {
	if c, ok := tx.staged[addr]; ok {
		return c.Metadata, !c.Deleted
	}
	return tx.base.Get(addr)
}

// GetOrCreate returns the metadata for addr, staging a default record
// named after the address if none exists.
func (tx *Tx) GetOrCreate(addr plug.Address) schedule.Metadata {
	if m, ok := tx.Get(addr); ok {
		return m
	}
	m := schedule.Metadata{Name: addr.String()}
	tx.stage(Change{Address: addr, Metadata: m})
	return m
}

// Put stages m for addr. A schedule missing either time is disabled.
func (tx *Tx) Put(addr plug.Address, m schedule.Metadata) error {
	if tx.done {
		return ErrTxDone
	}
	if !addr.Valid() {
		return plug.ErrInvalidAddress
	}
	if m.Name == "" || utf8.RuneCountInString(m.Name) > MaxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, m.Name)
	}
	tx.stage(Change{Address: addr, Metadata: normalise(m)})
	return nil
}

// Delete stages removal of addr. Deleting an unknown plug is a no-op.
func (tx *Tx) Delete(addr plug.Address) error {
	if tx.done {
		return ErrTxDone
	}
	tx.stage(Change{Address: addr, Deleted: true})
	return nil
}

// Commit persists the staged changes in one database transaction and
// publishes the resulting snapshot. Nothing is published on error.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	if len(tx.order) == 0 {
		return nil
	}

	changes := make([]Change, 0, len(tx.order))
	for _, addr := range tx.order {
		changes = append(changes, tx.staged[addr])
	}

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Apply(ctx, changes); err != nil {
		return err
	}

	entries := maps.Clone(s.entries)
	for _, c := range changes {
		if c.Deleted {
			delete(entries, c.Address)
			continue
		}
		entries[c.Address] = c.Metadata
	}
	s.publish(entries)
	return nil
}

// Discard drops the staged changes. It is safe to call after Commit.
func (tx *Tx) Discard() {
	tx.done = true
	clear(tx.staged)
	tx.order = nil
}

func (tx *Tx) stage(c Change) {
	if tx.done {
		return
	}
	if _, ok := tx.staged[c.Address]; !ok {
		tx.order = append(tx.order, c.Address)
	}
	tx.staged[c.Address] = c
}

// normalise disables a schedule that lacks either time.
func normalise(m schedule.Metadata) schedule.Metadata {
	if m.ScheduleEnabled && !m.HasSchedule() {
		m.ScheduleEnabled = false
	}
	return m
}

// IsInvalid reports whether err describes rejected input rather than a
// storage failure.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidName) || errors.Is(err, plug.ErrInvalidAddress)
}
