// Package workflow drives queued acquisition tasks through the pipeline:
// fetch, decrypt, remux, validate. A dispatcher claims pending tasks up to
// the configured concurrency bound and runs each task on its own goroutine.
// Admission gates bound how many tasks occupy the network-heavy and
// process-heavy phases, transient stage failures retry with exponential
// backoff, and cancellation requests take effect at stage boundaries.
package workflow
