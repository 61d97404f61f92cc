// Package syncer implements the background sync engine that moves the
// outbox to the remote service and merges remote changes into the store.
//
// ARCHITECTURE:
//
// Single-Writer Loop:
// Run executes sync cycles in one goroutine. Local writes and credential
// refreshes call Nudge, which wakes the loop through a size-1 channel; the
// loop also wakes every interval.
//
// Cycle:
//  1. Ask the session provider for credentials (pause if there are none)
//  2. Resolve conflicts recorded by an earlier run
//  3. Push outbox rows one at a time in seq order
//  4. Pull remote changes from the stored cursor, page by page
//
// Failure handling:
//   - Transient: the row returns to PENDING and the cycle is retried after a
//     non-decreasing, capped backoff
//   - Authorization: the row returns to PENDING and sync pauses until the
//     provider hands out different credentials
//   - Conflict: recorded in the store, then settled by the Resolver
//   - Permanent: the row is marked FAILED and reported through Events
//
// Mutations are never dropped or reordered by a failure, and a row the
// remote may have applied is re-sent with the same idempotency key.
package syncer
