package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
	"github.com/nerrad567/gray-logic-plugs/internal/schedule"
)

// Row is one stored record as read from the database, before the
// address and times are validated.
type Row struct {
	Address         string
	Name            string
	ScheduleEnabled bool
	OnTime          sql.NullString
	OffTime         sql.NullString
	UpdatedAt       string
}

// Change is one staged write.
type Change struct {
	Address  plug.Address
	Metadata schedule.Metadata
	Deleted  bool
}

// Repository defines metadata persistence.
type Repository interface {
	// List returns every stored row.
	List(ctx context.Context) ([]Row, error)

	// Apply writes a batch of changes atomically.
	Apply(ctx context.Context, changes []Change) error
}

// SQLiteRepository implements Repository on the plug_metadata table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// List returns every stored row ordered by address.
func (r *SQLiteRepository) List(ctx context.Context) ([]Row, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT address, name, schedule_enabled, on_time, off_time, updated_at
		FROM plug_metadata
		ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("querying plug metadata: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		var enabled int
		if err := rows.Scan(&row.Address, &row.Name, &enabled, &row.OnTime, &row.OffTime, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning plug metadata: %w", err)
		}
		row.ScheduleEnabled = enabled != 0
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating plug metadata: %w", err)
	}
	return out, nil
}

// Apply writes changes in a single transaction.
func (r *SQLiteRepository) Apply(ctx context.Context, changes []Change) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	updated := r.now().UTC().Format(time.RFC3339)
	for _, c := range changes {
		if c.Deleted {
			if _, err := tx.ExecContext(ctx, "DELETE FROM plug_metadata WHERE address = ?", c.Address.Compact()); err != nil {
				return fmt.Errorf("deleting %s: %w", c.Address, err)
			}
			continue
		}

		enabled := 0
		if c.Metadata.ScheduleEnabled {
			enabled = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plug_metadata (address, name, schedule_enabled, on_time, off_time, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				name = excluded.name,
				schedule_enabled = excluded.schedule_enabled,
				on_time = excluded.on_time,
				off_time = excluded.off_time,
				updated_at = excluded.updated_at`,
			c.Address.Compact(),
			c.Metadata.Name,
			enabled,
			nullTime(c.Metadata.OnTime),
			nullTime(c.Metadata.OffTime),
			updated,
		); err != nil {
			return fmt.Errorf("writing %s: %w", c.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing metadata: %w", err)
	}
	return nil
}

func nullTime(t *schedule.TimeOfDay) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.String(), Valid: true}
}

// decodeRow validates a stored row.
func decodeRow(row Row) (plug.Address, schedule.Metadata, error) {
	addr, err := plug.ParseAddress(row.Address)
	if err != nil {
		return 0, schedule.Metadata{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	m := schedule.Metadata{Name: row.Name, ScheduleEnabled: row.ScheduleEnabled}
	for _, f := range []struct {
		col sql.NullString
		dst **schedule.TimeOfDay
	}{{row.OnTime, &m.OnTime}, {row.OffTime, &m.OffTime}} {
		if !f.col.Valid {
			continue
		}
		t, err := schedule.ParseTimeOfDay(f.col.String)
		if err != nil {
			return 0, schedule.Metadata{}, fmt.Errorf("%w: %s: %w", ErrInvalidRecord, addr, err)
		}
		*f.dst = &t
	}

	return addr, normalise(m), nil
}
