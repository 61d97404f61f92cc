// Package store provides the SQLite-backed local record store and its
// mutation outbox.
//
// The store is the source of truth for reads. Every local write commits
// together with its outbox row, so there are no orphaned mutations and no
// unqueued writes. The sync engine drains the outbox through Outbox and
// merges pulled remote changes through ApplyRemoteChanges.
//
// # Tables
//
//   - records: typed records with local and remote revisions, sync status and
//     a soft-delete flag
//   - outbox: pending mutations, pushed in seq order
//   - deferred_changes: remote changes held back while local mutations of the
//     same record are outstanding
//   - conflicts: records awaiting conflict resolution with the remote
//     snapshot that caused it
//   - meta: client id and sync cursor
//
// # Record status
//
// LOCAL_ONLY records belong to types the schema keeps on the device and never
// reach the outbox. For every other record the status is derived from the
// rows that reference it: CONFLICT while a conflict is open, PENDING_PUSH
// while any outbox row exists, SYNCED otherwise.
//
// # Ordering
//
// Multi-row reads order by seq or id so results are deterministic.
package store
