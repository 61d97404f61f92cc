// Package harness runs multi-device sync scenarios end to end.
//
// Each client in a scenario gets its own in-memory store, session and sync
// engine; all of them share one in-memory remote service and one fake clock.
// Steps run in order and synchronously, so traces are reproducible and can
// be compared against golden files.
//
// # Scenario Format
//
//	name: conflict_local_wins
//	description: "The later local edit wins a conflict"
//	clients: [alice, bob]
//	steps:
//	  - client: bob
//	    put: { id: a, fields: { name: from bob } }
//	  - client: bob
//	    sync: true
//	  - advance: 1s
//	  - fail: { op: push, code: TRANSIENT, count: 2 }
//	  - client: alice
//	    sync: true
//	    expect: { conflicts: 1 }
//	assertions:
//	  - type: record
//	    client: alice
//	    id: a
//	    expect: { status: SYNCED, conflicted: true }
//
// # Step Actions
//
//   - put, delete: local writes
//   - sync: Engine.Sync, retrying transient failures with zero-jitter backoff
//   - sign_out, sign_in: change the client's credentials
//   - revoke: the remote starts refusing the client's current token
//   - advance: move the shared clock
//   - fail: inject remote faults for the next calls
//
// # Assertion Types
//
//   - record: properties of a record in a client's store
//   - remote_record: properties of the remote's snapshot
//   - outbox_depth: rows left in a client's outbox
//   - remote_count: records the remote holds
//   - trace_count: occurrences of an event kind
//   - trace_order: event kinds appear in order
package harness
