// Package logging provides structured logging for the lakeshore336 daemon.
//
// This package wraps Go's standard log/slog package so every component
// (instrument session, monitor, command server, publishers) logs through the
// same handler with the same default fields.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for running in a terminal
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("device connected", "model", "MODEL336")
//	logger.Error("readout failed", "error", err)
//
// Never log database or broker passwords.
package logging
