// Package worker implements the worker pool and its supervisor-facing
// surface: fixed slots running claim-process loops against the durable
// queue, per-worker circuit breakers, liveness checks, dead-slot restart,
// and graceful shutdown.
package worker
