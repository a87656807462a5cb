// Package scheduler runs the protocol goroutine.
//
// Endpoint goroutines hand their inputs to the Scheduler through Post; the
// single goroutine calling Process consumes them together with timer
// callbacks and closures submitted with Call. Everything that touches
// sessions, exchanges, observers or resource state therefore runs on one
// goroutine, one callback at a time.
//
// # Cadence
//
// Process waits at most maxWait and returns as soon as it has done some
// work. Cadence keeps the periodic housekeeping interval on a monotonic
// deadline, so the wall-clock period does not drift with the cost of
// individual iterations:
//
//	cadence := scheduler.NewCadence(2 * time.Second)
//	for {
//	    if _, err := s.Process(ctx, cadence.Remaining()); err != nil {
//	        return err
//	    }
//	    if cadence.Due() {
//	        housekeeping()
//	    }
//	}
//
// Run wraps exactly this loop.
package scheduler
