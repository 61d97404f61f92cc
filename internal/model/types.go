// Package model holds the data types shared by the store, the remote service
// and the sync engine: records, outbox mutations, remote changes and the
// error taxonomy.
package model

import (
	"strconv"

	"github.com/roach88/localsync/internal/field"
)

// Status is a record's synchronization status.
type Status string

const (
	// StatusLocalOnly marks records of types that never leave the device.
	StatusLocalOnly Status = "LOCAL_ONLY"
	// StatusPendingPush marks records with at least one outbox entry.
	StatusPendingPush Status = "PENDING_PUSH"
	// StatusSynced marks records no outbox entry references.
	StatusSynced Status = "SYNCED"
	// StatusConflict marks records awaiting conflict resolution.
	StatusConflict Status = "CONFLICT"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusLocalOnly, StatusPendingPush, StatusSynced, StatusConflict:
		return true
	}
	return false
}

// Op is the kind of change a mutation carries.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// MutationState tracks an outbox entry's delivery.
type MutationState string

const (
	// MutationPending entries wait to be pushed.
	MutationPending MutationState = "PENDING"
	// MutationInFlight entries have been handed to the remote service.
	MutationInFlight MutationState = "IN_FLIGHT"
	// MutationFailed entries were rejected permanently and are out of the
	// retry queue until retried or discarded.
	MutationFailed MutationState = "FAILED"
)

// Record is a typed entity owned by the local store.
type Record struct {
	ID             string       `json:"id"`
	Type           string       `json:"type"`
	Fields         field.Object `json:"fields"`
	Revision       int64        `json:"revision"`
	RemoteRevision int64        `json:"remote_revision"`
	Status         Status       `json:"status"`
	Deleted        bool         `json:"deleted"`
	Conflicted     bool         `json:"conflicted"`
	UpdatedAt      int64        `json:"updated_at"` // unix milliseconds
}

// Mutation is one outbox entry: a pending change to a single record.
type Mutation struct {
	Seq          int64         `json:"seq"`
	ClientID     string        `json:"client_id"`
	RecordID     string        `json:"record_id"`
	RecordType   string        `json:"record_type"`
	Op           Op            `json:"op"`
	Diff         field.Object  `json:"diff"`
	BaseRevision int64         `json:"base_revision"`
	Timestamp    int64         `json:"timestamp"` // unix milliseconds
	State        MutationState `json:"state"`
	Attempts     int           `json:"attempts"`
	LastError    string        `json:"last_error,omitempty"`
}

// IdempotencyKey identifies the mutation to the remote service. Retries of the
// same entry reuse it.
func (m Mutation) IdempotencyKey() string {
	return m.ClientID + "/" + strconv.FormatInt(m.Seq, 10)
}

// Change is a snapshot of a record as the remote service holds it.
type Change struct {
	RecordID   string       `json:"record_id"`
	RecordType string       `json:"record_type"`
	Fields     field.Object `json:"fields"`
	Revision   int64        `json:"revision"`
	Timestamp  int64        `json:"timestamp"` // writer's unix milliseconds
	Deleted    bool         `json:"deleted"`
	Origin     string       `json:"origin,omitempty"`
}

// Ack is the remote service's acceptance of a pushed mutation.
type Ack struct {
	Seq      int64  `json:"seq"`
	RecordID string `json:"record_id"`
	Revision int64  `json:"revision"`
}

// PullResult is one page of the remote change stream.
type PullResult struct {
	Changes []Change `json:"changes"`
	Cursor  string   `json:"cursor"`
	More    bool     `json:"more"`
}

// Winner names the side a conflict was resolved in favor of.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Resolver decides conflicts between an unacknowledged local mutation and the
// remote state that rejected it. Implementations must be deterministic.
type Resolver interface {
	Resolve(local Mutation, remote Change) Winner
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(local Mutation, remote Change) Winner

// Resolve calls f.
func (f ResolverFunc) Resolve(local Mutation, remote Change) Winner {
	return f(local, remote)
}
