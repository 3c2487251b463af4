// Package config handles loading and validating the plug service configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYLOGIC_PLUGS_* environment variables
//   - Validation of every section, reporting all failures at once
//
// Durations are written in Go syntax ("25m", "100ms").
//
// Usage:
//
//	cfg, err := config.Load(config.PathFromEnv())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	loc, _ := cfg.Location()
package config
