// Package queue implements the shared durable job queue: a Redis-backed
// FIFO plus job table that computes live queue positions and wait
// estimates. All coordination between producers and workers goes through
// this package; workers never talk to each other directly.
package queue
