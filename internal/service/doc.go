// Package service contains the application-specific use cases. It sits
// between the HTTP delivery layer and the queue, validating submissions
// and assembling read models (job snapshots with live position and wait
// estimate) without exposing queue internals to the handlers.
package service
