// Package progress carries job milestones from workers to sinks without
// blocking the workers. A Hub batches events on a background goroutine and
// hands each batch to every registered Sink.
package progress
