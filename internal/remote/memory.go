package remote

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/schema"
	"github.com/roach88/localsync/internal/session"
)

// Operation names a Service call for fault injection.
type Operation string

const (
	OpPush Operation = "push"
	OpPull Operation = "pull"
)

// Authorizer checks credentials and returns the user they belong to.
type Authorizer func(ctx context.Context, creds session.Credentials) (string, error)

// AnyToken accepts every non-empty token.
func AnyToken(_ context.Context, creds session.Credentials) (string, error) {
	if !creds.Valid() {
		return "", model.NewAuthorizationError("missing credentials", nil)
	}
	return creds.UserID, nil
}

// Memory is an authoritative in-memory remote service.
//
// Every accepted write increments the record's revision and appends a
// snapshot to the change log; cursors are positions in that log.
//
// Thread-safety: All methods are safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	records   map[string]model.Change
	log       []model.Change
	acks      map[string]model.Ack
	faults    map[Operation][]error
	authorize Authorizer
	schemas   *schema.Registry
	pushes    int
	pulls     int
}

// MemoryOption configures a Memory service.
type MemoryOption func(*Memory)

// WithAuthorizer replaces the default AnyToken check.
func WithAuthorizer(a Authorizer) MemoryOption {
	return func(m *Memory) { m.authorize = a }
}

// WithSchemas validates pushed records against r. Invalid records are
// rejected as permanent errors.
func WithSchemas(r *schema.Registry) MemoryOption {
	return func(m *Memory) { m.schemas = r }
}

// NewMemory creates an empty service.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records:   make(map[string]model.Change),
		acks:      make(map[string]model.Ack),
		faults:    make(map[Operation][]error),
		authorize: AnyToken,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNext makes the next len(errs) calls of op return errs in order, before
// any other processing.
func (m *Memory) FailNext(op Operation, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

func (m *Memory) takeFault(op Operation) error {
	q := m.faults[op]
	if len(q) == 0 {
		return nil
	}
	m.faults[op] = q[1:]
	return q[0]
}

// PushMutation implements Service.
func (m *Memory) PushMutation(ctx context.Context, mut model.Mutation, creds session.Credentials) (model.Ack, error) {
	if err := ctx.Err(); err != nil {
		return model.Ack{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pushes++
	if err := m.takeFault(OpPush); err != nil {
		return model.Ack{}, err
	}
	if _, err := m.authorize(ctx, creds); err != nil {
		return model.Ack{}, err
	}

	key := mut.IdempotencyKey()
	if ack, ok := m.acks[key]; ok {
		return ack, nil
	}

	cur, exists := m.records[mut.RecordID]
	if exists && cur.Revision > mut.BaseRevision {
		return model.Ack{}, model.NewConflictError(mut.Seq, cloneChange(cur))
	}

	next := model.Change{
		RecordID:   mut.RecordID,
		RecordType: mut.RecordType,
		Revision:   cur.Revision + 1,
		Timestamp:  mut.Timestamp,
		Origin:     mut.ClientID,
	}
	switch mut.Op {
	case model.OpCreate:
		next.Fields = mut.Diff.Clone()
	case model.OpUpdate:
		if !exists || cur.Deleted {
			return model.Ack{}, model.NewPermanentError(mut.Seq, "update of a record the service does not hold", nil)
		}
		next.Fields = field.Apply(cur.Fields, mut.Diff)
	case model.OpDelete:
		if !exists {
			ack := model.Ack{Seq: mut.Seq, RecordID: mut.RecordID}
			m.acks[key] = ack
			return ack, nil
		}
		next.Fields = cur.Fields.Clone()
		next.Deleted = true
	default:
		return model.Ack{}, model.NewPermanentError(mut.Seq, fmt.Sprintf("unknown op %q", mut.Op), nil)
	}

	if m.schemas != nil && !next.Deleted {
		if err := m.schemas.Validate(mut.RecordID, mut.RecordType, next.Fields); err != nil {
			return model.Ack{}, model.NewPermanentError(mut.Seq, "record rejected by schema", err)
		}
	}

	m.records[mut.RecordID] = next
	m.log = append(m.log, cloneChange(next))
	ack := model.Ack{Seq: mut.Seq, RecordID: mut.RecordID, Revision: next.Revision}
	m.acks[key] = ack
	return ack, nil
}

// PullChanges implements Service.
func (m *Memory) PullChanges(ctx context.Context, cursor string, limit int, creds session.Credentials) (model.PullResult, error) {
	if err := ctx.Err(); err != nil {
		return model.PullResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pulls++
	if err := m.takeFault(OpPull); err != nil {
		return model.PullResult{}, err
	}
	if _, err := m.authorize(ctx, creds); err != nil {
		return model.PullResult{}, err
	}

	pos, err := parseCursor(cursor)
	if err != nil {
		return model.PullResult{}, err
	}
	if pos > len(m.log) {
		pos = len(m.log)
	}
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	end := min(pos+limit, len(m.log))

	changes := make([]model.Change, 0, end-pos)
	for _, ch := range m.log[pos:end] {
		changes = append(changes, cloneChange(ch))
	}
	return model.PullResult{
		Changes: changes,
		Cursor:  strconv.Itoa(end),
		More:    end < len(m.log),
	}, nil
}

// Write stores a record as another client would, bypassing idempotency and
// revision checks. It returns the stored snapshot.
func (m *Memory) Write(recordID, recordType string, fields field.Object, deleted bool, timestamp int64, origin string) model.Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.records[recordID]
	next := model.Change{
		RecordID:   recordID,
		RecordType: recordType,
		Fields:     fields.Clone(),
		Revision:   cur.Revision + 1,
		Timestamp:  timestamp,
		Deleted:    deleted,
		Origin:     origin,
	}
	m.records[recordID] = next
	m.log = append(m.log, cloneChange(next))
	return cloneChange(next)
}

// Record returns the service's current snapshot of a record.
func (m *Memory) Record(recordID string) (model.Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.records[recordID]
	if !ok {
		return model.Change{}, false
	}
	return cloneChange(ch), true
}

// Records returns the number of records the service holds, tombstones
// included.
func (m *Memory) Records() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Calls returns how many pushes and pulls were attempted.
func (m *Memory) Calls() (pushes, pulls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes, m.pulls
}

func parseCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	pos, err := strconv.Atoi(cursor)
	if err != nil || pos < 0 {
		return 0, model.NewPermanentError(0, fmt.Sprintf("invalid cursor %q", cursor), err)
	}
	return pos, nil
}

func cloneChange(ch model.Change) model.Change {
	ch.Fields = ch.Fields.Clone()
	return ch
}

var _ Service = (*Memory)(nil)
