// Package sinks implements concrete progress consumers: Prometheus
// collectors, structured logging, and a bounded cycle history for the ops
// API. Each sink satisfies progress.Sink and is safe for repeated
// Consume/Close cycles.
package sinks
