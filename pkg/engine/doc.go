// Package engine turns decoded requests into responses.
//
// The Engine sits between the session table and the resource registry.
// For every packet a session delivers it
//
//   - decodes the message in the session's wire format,
//   - runs the datagram message layer (acknowledgements, resets, duplicate
//     detection) on UDP and DTLS sessions,
//   - reassembles Block1 uploads and fragments Block2 responses through a
//     blockwise.Store,
//   - registers and removes observers, and
//   - dispatches the request to the resource handler.
//
// After a successful PUT or DELETE on an observable resource the Engine
// asks the observe.Notifier to push the new representation. All methods
// must be called from the protocol goroutine.
package engine
