// Package espressif implements the /Espressif example resource.
//
// GET returns a small record with a synthetic temperature and humidity
// reading and the stored state. PUT stores its body as the new state and
// drives the actuator: "On" pulses the output, anything else switches it
// off. DELETE resets the state to the initial value.
//
// The stored state has a fixed capacity. Longer PUT bodies are truncated
// to the capacity rather than rejected.
package espressif
