package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
)

// Outbox is the durable queue of local mutations the remote has not
// acknowledged yet. Rows are pushed in seq order.
//
// Coalescing rules:
//   - an UPDATE merges into the record's latest row when that row is a
//     PENDING CREATE or UPDATE that was never sent
//   - a DELETE discards every unsent CREATE and UPDATE of the record; when
//     that removes the CREATE and nothing else is queued, the remote never saw
//     the record and no DELETE is queued
//   - a row that was sent even once is never merged into, since its
//     idempotency key is already known to the remote
type Outbox struct {
	s *Store
}

func outboxNotFound(seq int64) error {
	return &model.Error{Code: model.ErrCodeNotFound, Message: "outbox entry not found", Seq: seq}
}

// Enqueue appends a mutation for an existing record, applying the
// coalescing rules. A zero Timestamp is stamped now. It returns the seq the
// mutation landed in, or 0 when a DELETE made it unnecessary.
//
// Store.Put and Store.Delete enqueue on their own; Enqueue is for callers
// that build mutations directly.
func (o *Outbox) Enqueue(ctx context.Context, m model.Mutation) (int64, error) {
	switch m.Op {
	case model.OpCreate, model.OpUpdate, model.OpDelete:
	default:
		return 0, fmt.Errorf("enqueue: %w", model.NewValidationError(m.RecordID, "unknown op %q", m.Op))
	}
	if m.Diff == nil {
		m.Diff = field.Object{}
	}

	var seq int64
	err := o.s.update(ctx, "enqueue", func(tx *sql.Tx) error {
		rec, ok, err := loadRecord(ctx, tx, m.RecordID)
		if err != nil {
			return err
		}
		if !ok {
			return model.NewNotFoundError(m.RecordID)
		}
		if rec.Status == model.StatusLocalOnly {
			return model.NewValidationError(m.RecordID, "%s records are local-only", rec.Type)
		}
		m.RecordType = rec.Type
		if m.Timestamp == 0 {
			m.Timestamp = o.s.stamps.Next()
		}
		seq, err = o.s.enqueue(ctx, tx, m)
		if err != nil {
			return err
		}
		_, err = refreshStatus(ctx, tx, m.RecordID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if seq != 0 {
		o.s.notifyOutboxChange()
	}
	return seq, nil
}

// enqueue applies the coalescing rules inside tx.
func (s *Store) enqueue(ctx context.Context, tx *sql.Tx, m model.Mutation) (int64, error) {
	switch m.Op {
	case model.OpUpdate:
		rows, err := s.recordMutations(ctx, tx, m.RecordID)
		if err != nil {
			return 0, err
		}
		if n := len(rows); n > 0 && unsent(rows[n-1]) && rows[n-1].Op != model.OpDelete {
			last := rows[n-1]
			var diff field.Object
			if last.Op == model.OpCreate {
				diff = field.Apply(last.Diff, m.Diff)
			} else {
				diff = field.Merge(last.Diff, m.Diff)
			}
			if err := updateDiff(ctx, tx, last.Seq, diff, m.Timestamp); err != nil {
				return 0, err
			}
			return last.Seq, nil
		}

	case model.OpDelete:
		rows, err := s.recordMutations(ctx, tx, m.RecordID)
		if err != nil {
			return 0, err
		}
		droppedCreate := false
		remaining := 0
		for _, r := range rows {
			if !unsent(r) || r.Op == model.OpDelete {
				remaining++
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, r.Seq); err != nil {
				return 0, fmt.Errorf("discard seq %d: %w", r.Seq, err)
			}
			if r.Op == model.OpCreate {
				droppedCreate = true
			}
		}
		if droppedCreate && remaining == 0 {
			return 0, nil
		}
		m.Diff = field.Object{}
	}

	return insertMutation(ctx, tx, m)
}

// unsent reports whether a row is queued and was never handed to the remote.
func unsent(m model.Mutation) bool {
	return m.State == model.MutationPending && m.Attempts == 0
}

func insertMutation(ctx context.Context, tx *sql.Tx, m model.Mutation) (int64, error) {
	diffJSON, err := marshalFields(m.Diff)
	if err != nil {
		return 0, fmt.Errorf("insert mutation: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (record_id, record_type, op, diff, base_revision, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.RecordID, m.RecordType, string(m.Op), diffJSON, m.BaseRevision, m.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("insert mutation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert mutation: %w", err)
	}
	return seq, nil
}

func updateDiff(ctx context.Context, tx *sql.Tx, seq int64, diff field.Object, timestamp int64) error {
	diffJSON, err := marshalFields(diff)
	if err != nil {
		return fmt.Errorf("coalesce seq %d: %w", seq, err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE outbox SET diff = ?, timestamp = ? WHERE seq = ?`, diffJSON, timestamp, seq)
	if err != nil {
		return fmt.Errorf("coalesce seq %d: %w", seq, err)
	}
	return nil
}

// PeekNext returns the lowest-seq PENDING row whose record has nothing in
// flight and no conflict awaiting resolution. ok is false when there is none.
func (o *Outbox) PeekNext(ctx context.Context) (model.Mutation, bool, error) {
	row := o.s.db.QueryRowContext(ctx, `
		SELECT `+mutationColumns+` FROM outbox o
		WHERE o.state = 'PENDING'
		  AND NOT EXISTS (SELECT 1 FROM conflicts c WHERE c.record_id = o.record_id)
		  AND NOT EXISTS (SELECT 1 FROM outbox p WHERE p.record_id = o.record_id AND p.state = 'IN_FLIGHT')
		ORDER BY o.seq ASC
		LIMIT 1
	`)
	m, err := o.s.scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Mutation{}, false, nil
	}
	if err != nil {
		return model.Mutation{}, false, fmt.Errorf("peek next: %w", err)
	}
	return m, true, nil
}

// MarkSent moves a PENDING row to IN_FLIGHT and counts the attempt. It
// returns the row as it should be sent.
func (o *Outbox) MarkSent(ctx context.Context, seq int64) (model.Mutation, error) {
	var m model.Mutation
	err := o.s.update(ctx, "mark sent", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outbox SET state = 'IN_FLIGHT', attempts = attempts + 1
			WHERE seq = ? AND state = 'PENDING'
		`, seq)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return outboxNotFound(seq)
		}
		var ok bool
		m, ok, err = o.s.loadMutation(ctx, tx, seq)
		if err != nil {
			return err
		}
		if !ok {
			return outboxNotFound(seq)
		}
		return nil
	})
	return m, err
}

// Requeue returns an IN_FLIGHT row to PENDING, recording why it was not
// delivered. The row keeps its seq and its place in the queue.
func (o *Outbox) Requeue(ctx context.Context, seq int64, reason string) error {
	return o.s.update(ctx, "requeue", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outbox SET state = 'PENDING', last_error = ?
			WHERE seq = ? AND state = 'IN_FLIGHT'
		`, reason, seq)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return outboxNotFound(seq)
		}
		return nil
	})
}

// Acknowledge removes a delivered row. The record takes the remote's
// revision, later rows of the record are rebased onto it, and a remote
// change deferred while the row was outstanding is evaluated again.
func (o *Outbox) Acknowledge(ctx context.Context, seq int64, ack model.Ack) error {
	return o.s.update(ctx, "acknowledge", func(tx *sql.Tx) error {
		m, ok, err := o.s.loadMutation(ctx, tx, seq)
		if err != nil {
			return err
		}
		if !ok {
			return outboxNotFound(seq)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("delete seq %d: %w", seq, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET remote_revision = MAX(remote_revision, ?) WHERE id = ?
		`, ack.Revision, m.RecordID); err != nil {
			return fmt.Errorf("record remote revision: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET base_revision = ? WHERE record_id = ? AND seq > ?
		`, ack.Revision, m.RecordID, seq); err != nil {
			return fmt.Errorf("rebase later rows: %w", err)
		}
		if err := noteAcknowledged(ctx, tx, m); err != nil {
			return err
		}
		if _, err := refreshStatus(ctx, tx, m.RecordID); err != nil {
			return err
		}
		return o.s.reconcileDeferred(ctx, tx, m.RecordID)
	})
}

// MarkFailed takes a row out of the retry queue after a permanent rejection.
// The record stays PENDING_PUSH until the row is retried or discarded.
func (o *Outbox) MarkFailed(ctx context.Context, seq int64, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return o.s.update(ctx, "mark failed", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outbox SET state = 'FAILED', last_error = ? WHERE seq = ?
		`, reason, seq)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return outboxNotFound(seq)
		}
		return nil
	})
}

// Retry puts a FAILED row back into the queue.
func (o *Outbox) Retry(ctx context.Context, seq int64) error {
	err := o.s.update(ctx, "retry", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outbox SET state = 'PENDING', last_error = '' WHERE seq = ? AND state = 'FAILED'
		`, seq)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return outboxNotFound(seq)
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.s.notifyOutboxChange()
	return nil
}

// Discard drops a FAILED row. The local record keeps its values; if nothing
// else references it, it becomes SYNCED and any deferred remote change
// applies.
func (o *Outbox) Discard(ctx context.Context, seq int64) error {
	return o.s.update(ctx, "discard", func(tx *sql.Tx) error {
		m, ok, err := o.s.loadMutation(ctx, tx, seq)
		if err != nil {
			return err
		}
		if !ok || m.State != model.MutationFailed {
			return outboxNotFound(seq)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("delete seq %d: %w", seq, err)
		}
		if _, err := refreshStatus(ctx, tx, m.RecordID); err != nil {
			return err
		}
		return o.s.reconcileDeferred(ctx, tx, m.RecordID)
	})
}

// List returns every outbox row in seq order.
func (o *Outbox) List(ctx context.Context) ([]model.Mutation, error) {
	return o.list(ctx, "list", `SELECT `+mutationColumns+` FROM outbox ORDER BY seq ASC`)
}

// Failed returns the FAILED rows in seq order.
func (o *Outbox) Failed(ctx context.Context) ([]model.Mutation, error) {
	return o.list(ctx, "failed", `SELECT `+mutationColumns+` FROM outbox WHERE state = 'FAILED' ORDER BY seq ASC`)
}

func (o *Outbox) list(ctx context.Context, op, query string) ([]model.Mutation, error) {
	rows, err := o.s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []model.Mutation
	for rows.Next() {
		m, err := o.s.scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Depth counts rows waiting to be pushed (PENDING and IN_FLIGHT).
func (o *Outbox) Depth(ctx context.Context) (int, error) {
	var n int
	err := o.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE state != 'FAILED'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("depth: %w", err)
	}
	return n, nil
}

// BeginConflict records that the remote rejected row seq because it holds
// the newer snapshot remote. The row returns to PENDING, the record moves to
// CONFLICT and is marked as having been in conflict. Nothing for the record
// is pushed until ResolveConflict runs.
func (o *Outbox) BeginConflict(ctx context.Context, seq int64, remote model.Change) error {
	return o.s.update(ctx, "begin conflict", func(tx *sql.Tx) error {
		m, ok, err := o.s.loadMutation(ctx, tx, seq)
		if err != nil {
			return err
		}
		if !ok {
			return outboxNotFound(seq)
		}
		remoteJSON, err := marshalChange(remote)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET state = 'PENDING', last_error = ? WHERE seq = ?
		`, fmt.Sprintf("conflict with remote revision %d", remote.Revision), seq); err != nil {
			return fmt.Errorf("requeue seq %d: %w", seq, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conflicts (record_id, seq, remote) VALUES (?, ?, ?)
			ON CONFLICT(record_id) DO UPDATE SET seq = excluded.seq, remote = excluded.remote
		`, m.RecordID, seq, remoteJSON); err != nil {
			return fmt.Errorf("record conflict: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE records SET conflicted = 1 WHERE id = ?`, m.RecordID); err != nil {
			return fmt.Errorf("mark conflicted: %w", err)
		}
		_, err = refreshStatus(ctx, tx, m.RecordID)
		return err
	})
}

// Conflict is a record awaiting resolution.
type Conflict struct {
	RecordID string       `json:"record_id"`
	Seq      int64        `json:"seq"`
	Remote   model.Change `json:"remote"`
}

// PendingConflicts returns the unresolved conflicts ordered by record id.
// Conflicts survive restarts; the sync engine resolves them before pushing.
func (o *Outbox) PendingConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := o.s.db.QueryContext(ctx, `SELECT record_id, seq, remote FROM conflicts ORDER BY record_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("pending conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var remoteJSON string
		if err := rows.Scan(&c.RecordID, &c.Seq, &remoteJSON); err != nil {
			return nil, fmt.Errorf("pending conflicts: %w", err)
		}
		if c.Remote, err = unmarshalChange(remoteJSON); err != nil {
			return nil, fmt.Errorf("pending conflicts: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending conflicts: %w", err)
	}
	return out, nil
}

// ResolveConflict settles a recorded conflict with r and returns the winner.
//
// Local wins: the mutation is rebased onto the remote revision and stays
// queued. An UPDATE against a remote tombstone becomes a CREATE carrying the
// full snapshot. Remote wins: the mutation is dropped and the remote
// snapshot applies, with any later queued local changes laid over it. Either
// way the record keeps its conflicted mark.
func (o *Outbox) ResolveConflict(ctx context.Context, recordID string, r model.Resolver) (model.Winner, error) {
	var winner model.Winner
	err := o.s.update(ctx, "resolve conflict", func(tx *sql.Tx) error {
		var seq int64
		var remoteJSON string
		err := tx.QueryRowContext(ctx, `SELECT seq, remote FROM conflicts WHERE record_id = ?`, recordID).
			Scan(&seq, &remoteJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewNotFoundError(recordID)
		}
		if err != nil {
			return fmt.Errorf("load conflict: %w", err)
		}
		remote, err := unmarshalChange(remoteJSON)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE record_id = ?`, recordID); err != nil {
			return fmt.Errorf("clear conflict: %w", err)
		}

		rec, ok, err := loadRecord(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if !ok {
			return model.NewNotFoundError(recordID)
		}
		rows, err := o.s.recordMutations(ctx, tx, recordID)
		if err != nil {
			return err
		}

		idx := -1
		for i, m := range rows {
			if m.Seq == seq {
				idx = i
				break
			}
		}

		winner = model.WinnerRemote
		if idx >= 0 {
			winner = r.Resolve(rows[idx], remote)
		}

		switch winner {
		case model.WinnerLocal:
			m := &rows[idx]
			if m.Op == model.OpUpdate && remote.Deleted {
				m.Op = model.OpCreate
				m.Diff = field.Apply(remote.Fields, m.Diff)
			}
			if err := rewriteMutation(ctx, tx, *m); err != nil {
				return err
			}
		default:
			winner = model.WinnerRemote
			if idx >= 0 {
				if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq); err != nil {
					return fmt.Errorf("drop seq %d: %w", seq, err)
				}
				rows = append(rows[:idx], rows[idx+1:]...)
			}
			if len(rows) > 0 && remote.Deleted && rows[0].Op == model.OpUpdate {
				rows[0].Op = model.OpCreate
				rows[0].Diff = field.Apply(remote.Fields, rows[0].Diff)
				if err := rewriteMutation(ctx, tx, rows[0]); err != nil {
					return err
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET base_revision = ? WHERE record_id = ?
		`, remote.Revision, recordID); err != nil {
			return fmt.Errorf("rebase rows: %w", err)
		}

		rec.Fields, rec.Deleted = replay(remote.Fields, remote.Deleted, rows)
		if remote.Revision > rec.RemoteRevision {
			rec.RemoteRevision = remote.Revision
		}
		rec.Revision++
		rec.Conflicted = true
		rec.UpdatedAt = o.s.stamps.Next()
		if err := writeRecord(ctx, tx, rec); err != nil {
			return err
		}
		if _, err := refreshStatus(ctx, tx, recordID); err != nil {
			return err
		}
		return o.s.reconcileDeferred(ctx, tx, recordID)
	})
	if err != nil {
		return "", err
	}
	return winner, nil
}

func rewriteMutation(ctx context.Context, tx *sql.Tx, m model.Mutation) error {
	diffJSON, err := marshalFields(m.Diff)
	if err != nil {
		return fmt.Errorf("rewrite seq %d: %w", m.Seq, err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE outbox SET op = ?, diff = ? WHERE seq = ?`, string(m.Op), diffJSON, m.Seq)
	if err != nil {
		return fmt.Errorf("rewrite seq %d: %w", m.Seq, err)
	}
	return nil
}

// replay lays queued mutations over a base state.
func replay(fields field.Object, deleted bool, rows []model.Mutation) (field.Object, bool) {
	out := fields.Clone()
	for _, m := range rows {
		switch m.Op {
		case model.OpCreate:
			out = m.Diff.Clone()
			deleted = false
		case model.OpUpdate:
			out = field.Apply(out, m.Diff)
		case model.OpDelete:
			deleted = true
		}
	}
	return out, deleted
}
