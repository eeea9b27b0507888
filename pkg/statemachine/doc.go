// Package statemachine projects the committed action log into the
// in-memory blob/manifest/tag graph and wakes one-shot waiters when an
// object becomes locally available.
//
// Apply is deterministic and holds the graph's write lock for an entire
// batch, including waiter delivery, but performs no I/O while holding it.
// Readers (Graph's Get*/Is*Available/GetTag/GetOrphaned* methods) take the
// read lock and return independent copies, so callers never observe a
// half-applied batch and never hold a reference into the live graph.
package statemachine
