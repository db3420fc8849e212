// Package api implements the HTTP handlers for job submission, status
// polling, per-user listing, and queue statistics. Handlers translate
// between HTTP and the service layer, mapping internal errors to
// appropriate status codes without leaking internal details.
package api
