// Package pipeline implements the per-job execution pipeline: backend
// health probe, tool discovery, generation with streamed progress, tool
// execution, and risk aggregation. The pipeline is stateless across
// invocations; all job state flows through the caller's progress updates.
package pipeline
