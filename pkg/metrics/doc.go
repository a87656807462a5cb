// Package metrics exposes server counters and gauges to Prometheus.
//
// Metrics registers on its own registry so several servers (and tests)
// can coexist in one process. Handler serves the registry in the
// Prometheus text format.
package metrics
