// Package logging provides structured logging for the plug service.
//
// It wraps log/slog with JSON or text output, level filtering and
// default service and version fields on every entry. Configured from
// the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	reg := plug.NewRegistry(transport, regCfg, logger.Component("registry"))
package logging
