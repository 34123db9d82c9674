// Package log records a machine-readable trace of mesh protocol activity.
//
// It is separate from operational logging (slog). Events are captured at
// the bearer layer (raw proxy PDUs), the network layer (heartbeats), the
// access layer (decoded messages), during provisioning, and for engine
// state: link and adapter transitions, scanner state, node liveness and
// the outcome of every pending call.
//
//	// Console only
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Console and file
//	file, _ := log.NewFileLogger("/var/log/meshlink/controller.mlog")
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), file)
//
// Log files are a plain sequence of CBOR-encoded events with integer keys.
// Reader streams them back with an optional Filter; the meshlog command
// prints and summarizes them.
package log
