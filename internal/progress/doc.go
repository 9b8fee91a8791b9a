// Package progress carries cycle progress from the orchestrator and the
// rate limiters to sinks: Prometheus metrics, structured logs and the
// in-memory cycle history behind the ops API. Emitting never blocks a
// pipeline. A finished cycle is delivered immediately, and the orchestrator
// calls Hub.Sync before it returns a report, so the history always includes
// the cycle just reported.
package progress
