// Package database provides SQLite connectivity for the plug service.
//
// This package manages:
//   - The database connection (WAL mode, busy timeout, single writer)
//   - Schema migrations loaded from an fs.FS of paired .up.sql/.down.sql files
//   - Health checks
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. The migrations package registers the
// embedded set at init time.
package database
