package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/database"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv(config.PathEnv, path)
}

func runWithTimeout(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return run(ctx)
}

func TestRun_MissingConfig(t *testing.T) {
	t.Setenv(config.PathEnv, "/nonexistent/path/config.yaml")

	err := runWithTimeout(t)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want config load failure", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "empty database path",
			content: `
database:
  path: ""
`,
			want: "database.path",
		},
		{
			name: "unknown time zone",
			content: `
site:
  timezone: "Mars/Olympus_Mons"
`,
			want: "site.timezone",
		},
		{
			name: "bad network port",
			content: `
network:
  port: 70000
`,
			want: "network.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.content)

			err := runWithTimeout(t)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("run() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestRun_UnwritableDatabase(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, `
database:
  path: "`+filepath.Join(blocker, "plugs.db")+`"
mqtt:
  enabled: false
api:
  enabled: false
`)

	err := runWithTimeout(t)
	if err == nil || !strings.Contains(err.Error(), "database") {
		t.Fatalf("run() error = %v, want database failure", err)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	err := dispatch(context.Background(), []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("dispatch() error = %v, want unknown command", err)
	}
}

func TestDispatch_MigrateDown(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "plugs.db")
	writeConfig(t, `
database:
  path: "`+dbPath+`"
`)

	db, err := database.Open(ctx, database.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	before, _, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	db.Close()

	if err := dispatch(ctx, []string{"migrate-down"}); err != nil {
		t.Fatalf("dispatch(migrate-down) error = %v", err)
	}

	db, err = database.Open(ctx, database.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db.Close()
	after, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(after) != len(before)-1 || len(pending) != 1 {
		t.Errorf("after rollback applied = %d pending = %d, want %d and 1", len(after), len(pending), len(before)-1)
	}
}
