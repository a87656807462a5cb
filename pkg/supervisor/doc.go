// Package supervisor keeps a server context running.
//
// A context owns every endpoint and session. When it fails (no endpoint
// could be bound, or an endpoint can no longer read) it is torn down and
// rebuilt from scratch. Peers see nothing but a short outage.
//
// # Restart Strategy
//
// Restarts are delayed with exponential backoff:
//
//  1. Initial delay: 500 milliseconds
//  2. Exponential increase: 1s, 2s, 4s, 8s, 16s
//  3. Maximum delay: 30 seconds
//  4. Continue at 30s until a context comes up
//  5. Reset to the initial delay once a context reports ready
//
// # Jitter
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
//
// # Permanent Failures
//
// Errors wrapped with Permanent (invalid credentials, invalid
// configuration) stop the supervisor instead of restarting.
package supervisor
