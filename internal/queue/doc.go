// Package queue owns the acquisition task model and its SQLite persistence.
//
// A task's Status may only change through Transition, which enforces the
// forward-only lifecycle (pending → fetching → decrypting → remuxing →
// validating → completed, with failed/cancelled terminal from any
// non-terminal state). The Store keeps operations short-held; callers never
// perform I/O while the store is mid-statement.
package queue
