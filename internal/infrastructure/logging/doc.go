// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: colored console output
//
// Components take a child logger from Component so every line carries the
// emitting subsystem, and execution-scoped lines add the Execution fields.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	log := logger.Component("kernel")
//	log.Info("Evaluated cell", logging.Execution(docID, execID)...)
package logging
