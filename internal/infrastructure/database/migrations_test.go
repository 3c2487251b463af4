package database

import (
	"context"
	"testing"
	"testing/fstest"
)

// useMigrations swaps MigrationsFS for the duration of a test.
func useMigrations(t *testing.T, files fstest.MapFS) {
	t.Helper()
	origFS, origDir := MigrationsFS, MigrationsDir
	t.Cleanup(func() {
		MigrationsFS, MigrationsDir = origFS, origDir
	})
	MigrationsFS, MigrationsDir = files, "."
}

var testMigrations = fstest.MapFS{
	"20260101_000000_create_plugs.up.sql": {Data: []byte(
		"CREATE TABLE test_plugs (address TEXT PRIMARY KEY);")},
	"20260101_000000_create_plugs.down.sql": {Data: []byte(
		"DROP TABLE test_plugs;")},
	"20260102_000000_add_name.up.sql": {Data: []byte(
		"ALTER TABLE test_plugs ADD COLUMN name TEXT;")},
	"README.md": {Data: []byte("ignored")},
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&n)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrations)
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "test_plugs") {
		t.Fatal("test_plugs not created")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied = %d, pending = %d; want 2, 0", len(applied), len(pending))
	}
	if applied[0].Version != "20260101_000000" {
		t.Errorf("first applied = %s", applied[0].Version)
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigratePending(t *testing.T) {
	useMigrations(t, testMigrations)
	ctx := context.Background()
	db := openTestDB(t)

	_, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(pending) != 2 || pending[0].Name != "create_plugs" || pending[1].Name != "add_name" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260101_000000_create_plugs.up.sql":   testMigrations["20260101_000000_create_plugs.up.sql"],
		"20260101_000000_create_plugs.down.sql": testMigrations["20260101_000000_create_plugs.down.sql"],
	})
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "test_plugs") {
		t.Error("test_plugs still exists after rollback")
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Errorf("MigrateDown() with nothing applied error = %v", err)
	}
}

func TestMigrateDownWithoutDownSQL(t *testing.T) {
	useMigrations(t, testMigrations)
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err == nil {
		t.Error("MigrateDown() should fail when the latest migration has no down SQL")
	}
}

func TestMigrateNoMigrations(t *testing.T) {
	origFS := MigrationsFS
	t.Cleanup(func() { MigrationsFS = origFS })
	MigrationsFS = nil

	if err := openTestDB(t).Migrate(context.Background()); err != nil {
		t.Errorf("Migrate() with no migrations error = %v", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		wantVersion string
		wantIsUp    bool
		wantOk      bool
	}{
		{name: "up", filename: "20261019_120000_plug_metadata.up.sql", wantVersion: "20261019_120000", wantIsUp: true, wantOk: true},
		{name: "down", filename: "20261019_120000_plug_metadata.down.sql", wantVersion: "20261019_120000", wantOk: true},
		{name: "not sql", filename: "readme.txt"},
		{name: "missing direction", filename: "20261019_120000_plug_metadata.sql"},
		{name: "no version", filename: "invalid.up.sql"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, isUp, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if ok && (version != tt.wantVersion || isUp != tt.wantIsUp) {
				t.Errorf("got (%q, %v), want (%q, %v)", version, isUp, tt.wantVersion, tt.wantIsUp)
			}
		})
	}
}

func TestExtractMigrationName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"20261019_120000_plug_metadata.up.sql", "plug_metadata"},
		{"20261019_120000_plug_metadata.down.sql", "plug_metadata"},
		{"20261020_090000_add_schedule_index.up.sql", "add_schedule_index"},
	}

	for _, tt := range tests {
		if got := extractMigrationName(tt.filename); got != tt.want {
			t.Errorf("extractMigrationName(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}
