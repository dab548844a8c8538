// Package logging provides structured logging for Hub Mirror.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development and panel consoles (human-readable)
//   - Default fields (service, version) on all log entries
//   - Per-subsystem component loggers via Component()
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "port", 8090)
//	streamLog := logger.Component("stream")
//	streamLog.Warn("push channel lost", "error", err)
//
// # Security
//
// Never log secrets, tokens, or API keys. The hub bearer token and the
// local API token must not appear in log output.
package logging
