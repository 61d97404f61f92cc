package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/querysql"
)

// queryPageSize bounds how many rows a query reads per round trip. No
// connection is held while the caller consumes a page.
const queryPageSize = 64

var recordQueries = querysql.NewSQLCompiler("records", recordColumns)

// Put saves a record and queues the matching outbox entry in the same
// transaction.
//
// An empty ID creates a new record with a generated id. A live record with
// the same id is updated; the outbox receives only the changed fields. A put
// that changes nothing returns the stored record untouched. Putting over a
// missing or deleted id creates the record again.
func (s *Store) Put(ctx context.Context, rec model.Record) (model.Record, error) {
	if rec.Type == "" {
		return model.Record{}, fmt.Errorf("put: %w", model.NewValidationError(rec.ID, "record type is required"))
	}
	if rec.Fields == nil {
		rec.Fields = field.Object{}
	}
	if err := s.schemas.Validate(rec.ID, rec.Type, rec.Fields); err != nil {
		return model.Record{}, fmt.Errorf("put: %w", err)
	}
	if rec.ID == "" {
		rec.ID = s.ids.Generate()
	}

	localOnly := s.schemas.LocalOnly(rec.Type)
	var saved model.Record
	changed := false

	err := s.update(ctx, "put", func(tx *sql.Tx) error {
		existing, ok, err := loadRecord(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		if ok && existing.Type != rec.Type {
			return model.NewValidationError(rec.ID, "record is a %s, not a %s", existing.Type, rec.Type)
		}

		now := s.stamps.Next()
		m := model.Mutation{
			RecordID:   rec.ID,
			RecordType: rec.Type,
			Timestamp:  now,
		}

		switch {
		case ok && !existing.Deleted:
			diff := field.Diff(existing.Fields, rec.Fields)
			if len(diff) == 0 {
				saved = existing
				return nil
			}
			saved = existing
			saved.Fields = rec.Fields.Clone()
			saved.Revision++
			saved.UpdatedAt = now
			m.Op = model.OpUpdate
			m.Diff = diff
			m.BaseRevision = existing.RemoteRevision
		case ok:
			saved = existing
			saved.Fields = rec.Fields.Clone()
			saved.Deleted = false
			saved.Revision++
			saved.UpdatedAt = now
			m.Op = model.OpCreate
			m.Diff = rec.Fields.Clone()
			m.BaseRevision = existing.RemoteRevision
		default:
			saved = model.Record{
				ID:        rec.ID,
				Type:      rec.Type,
				Fields:    rec.Fields.Clone(),
				Revision:  1,
				UpdatedAt: now,
			}
			m.Op = model.OpCreate
			m.Diff = rec.Fields.Clone()
		}

		changed = true
		if localOnly {
			saved.Status = model.StatusLocalOnly
			return writeRecord(ctx, tx, saved)
		}
		// The row must exist before the outbox references it.
		if saved.Status == "" {
			saved.Status = model.StatusPendingPush
		}
		if err := writeRecord(ctx, tx, saved); err != nil {
			return err
		}
		if _, err := s.enqueue(ctx, tx, m); err != nil {
			return err
		}
		saved.Status, err = refreshStatus(ctx, tx, saved.ID)
		return err
	})
	if err != nil {
		return model.Record{}, err
	}

	if changed && !localOnly {
		s.notifyOutboxChange()
	}
	return saved, nil
}

// Get returns the live record with the given id.
func (s *Store) Get(ctx context.Context, id string) (model.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ? AND deleted = 0`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, model.NewNotFoundError(id)
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("get %s: %w", id, err)
	}
	return r, nil
}

// Lookup returns the record with the given id, including tombstones.
func (s *Store) Lookup(ctx context.Context, id string) (model.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, model.NewNotFoundError(id)
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	return r, nil
}

// Query returns a lazy sequence of records matching q, ordered by id.
//
// The sequence is finite and restartable: each range runs the query again
// against current local state. Rows are read a page at a time, so the loop
// body may write to the store.
func (s *Store) Query(ctx context.Context, q model.Query) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		after := ""
		yielded := 0
		for {
			page, exact, err := s.queryPage(ctx, q, after)
			if err != nil {
				yield(model.Record{}, err)
				return
			}
			for _, r := range page {
				after = r.ID
				if !exact && !q.Where.Match(r) {
					continue
				}
				if !yield(r, nil) {
					return
				}
				yielded++
				if q.Limit > 0 && yielded >= q.Limit {
					return
				}
			}
			if len(page) < queryPageSize {
				return
			}
		}
	}
}

// Collect drains a query into a slice.
func (s *Store) Collect(ctx context.Context, q model.Query) ([]model.Record, error) {
	var out []model.Record
	for r, err := range s.Query(ctx, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// queryPage reads the next page of q. exact reports whether the SQL filter
// already applied q.Where.
func (s *Store) queryPage(ctx context.Context, q model.Query, after string) ([]model.Record, bool, error) {
	sqlText, args, exact, err := recordQueries.Page(q, after, queryPageSize)
	if err != nil {
		return nil, false, fmt.Errorf("query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, false, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	page := make([]model.Record, 0, queryPageSize)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, false, fmt.Errorf("query: %w", err)
		}
		page = append(page, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("query: %w", err)
	}
	return page, exact, nil
}

// Delete soft-deletes a live record and queues the delete for the remote.
// Unsent creates and updates of the record are discarded. A record the
// remote never saw is deleted without queueing anything.
func (s *Store) Delete(ctx context.Context, id string) error {
	queued := false
	err := s.update(ctx, "delete", func(tx *sql.Tx) error {
		rec, ok, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok || rec.Deleted {
			return model.NewNotFoundError(id)
		}

		now := s.stamps.Next()
		rec.Deleted = true
		rec.Revision++
		rec.UpdatedAt = now
		if err := writeRecord(ctx, tx, rec); err != nil {
			return err
		}
		if rec.Status == model.StatusLocalOnly {
			return nil
		}

		seq, err := s.enqueue(ctx, tx, model.Mutation{
			RecordID:     id,
			RecordType:   rec.Type,
			Op:           model.OpDelete,
			Diff:         field.Object{},
			BaseRevision: rec.RemoteRevision,
			Timestamp:    now,
		})
		if err != nil {
			return err
		}
		queued = seq != 0
		_, err = refreshStatus(ctx, tx, id)
		return err
	})
	if err != nil {
		return err
	}
	if queued {
		s.notifyOutboxChange()
	}
	return nil
}

// writeRecord inserts or replaces a record row.
func writeRecord(ctx context.Context, tx *sql.Tx, r model.Record) error {
	fieldsJSON, err := marshalFields(r.Fields)
	if err != nil {
		return fmt.Errorf("write record %s: %w", r.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			fields = excluded.fields,
			revision = excluded.revision,
			remote_revision = excluded.remote_revision,
			status = excluded.status,
			deleted = excluded.deleted,
			conflicted = excluded.conflicted,
			updated_at = excluded.updated_at
	`, r.ID, r.Type, fieldsJSON, r.Revision, r.RemoteRevision, string(r.Status),
		boolInt(r.Deleted), boolInt(r.Conflicted), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write record %s: %w", r.ID, err)
	}
	return nil
}

// refreshStatus derives a syncable record's status from the rows that
// reference it: CONFLICT while a conflict awaits resolution, PENDING_PUSH
// while any outbox row exists, SYNCED otherwise. LOCAL_ONLY is left alone.
func refreshStatus(ctx context.Context, tx *sql.Tx, id string) (model.Status, error) {
	var current string
	var conflicts, pending int
	err := tx.QueryRowContext(ctx, `
		SELECT status,
			(SELECT COUNT(*) FROM conflicts WHERE record_id = records.id),
			(SELECT COUNT(*) FROM outbox WHERE record_id = records.id)
		FROM records WHERE id = ?
	`, id).Scan(&current, &conflicts, &pending)
	if err != nil {
		return "", fmt.Errorf("refresh status %s: %w", id, err)
	}

	status := model.Status(current)
	switch {
	case status == model.StatusLocalOnly:
		return status, nil
	case conflicts > 0:
		status = model.StatusConflict
	case pending > 0:
		status = model.StatusPendingPush
	default:
		status = model.StatusSynced
	}
	if status != model.Status(current) {
		if _, err := tx.ExecContext(ctx, `UPDATE records SET status = ? WHERE id = ?`, string(status), id); err != nil {
			return "", fmt.Errorf("refresh status %s: %w", id, err)
		}
	}
	return status, nil
}
