// Package actuator drives the output pulsed by the example resource.
//
// Handlers run on the protocol goroutine and must not block, so they hand
// commands to a Worker through a small buffered queue. The Worker owns the
// Output and runs each command to completion: a pulse switches the output
// on, waits for the pulse duration and switches it off again.
//
// Output failures are counted by a circuit breaker. Once it trips, commands
// are skipped until the breaker lets a trial request through.
package actuator
