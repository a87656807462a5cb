// Package log provides protocol capture for the CoAP server.
//
// This package defines the Logger interface and Event types for recording
// protocol events at the transport, message and resource layers. It is
// separate from operational logging (slog): protocol capture is a
// machine-readable trace for debugging and analysis.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/coap/server.clog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
//   - Transport: raw datagrams and frames (FrameEvent)
//   - Message: decoded CoAP messages (MessageEvent)
//   - Resource: session, observer and exchange state (StateChangeEvent)
//
// Stream signaling (CSM, ping, pong, release, abort) and errors have
// dedicated event types.
//
// # File Format
//
// Log files are a sequence of CBOR-encoded events with the .clog extension.
// The coap-log tool views, filters, exports and summarizes them.
package log
