package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
)

const recordColumns = `id, type, fields, revision, remote_revision, status, deleted, conflicted, updated_at`

const mutationColumns = `seq, record_id, record_type, op, diff, base_revision, timestamp, state, attempts, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func marshalFields(obj field.Object) (string, error) {
	if obj == nil {
		obj = field.Object{}
	}
	b, err := field.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(b), nil
}

func unmarshalFields(data string) (field.Object, error) {
	var obj field.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	if obj == nil {
		obj = field.Object{}
	}
	return obj, nil
}

func marshalChange(ch model.Change) (string, error) {
	b, err := json.Marshal(ch)
	if err != nil {
		return "", fmt.Errorf("marshal change: %w", err)
	}
	return string(b), nil
}

func unmarshalChange(data string) (model.Change, error) {
	var ch model.Change
	if err := json.Unmarshal([]byte(data), &ch); err != nil {
		return model.Change{}, fmt.Errorf("unmarshal change: %w", err)
	}
	if ch.Fields == nil {
		ch.Fields = field.Object{}
	}
	return ch, nil
}

func scanRecord(row scanner) (model.Record, error) {
	var (
		r          model.Record
		fieldsJSON string
		status     string
		deleted    int
		conflicted int
	)
	err := row.Scan(&r.ID, &r.Type, &fieldsJSON, &r.Revision, &r.RemoteRevision,
		&status, &deleted, &conflicted, &r.UpdatedAt)
	if err != nil {
		return model.Record{}, err
	}
	r.Fields, err = unmarshalFields(fieldsJSON)
	if err != nil {
		return model.Record{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	r.Status = model.Status(status)
	r.Deleted = deleted != 0
	r.Conflicted = conflicted != 0
	return r, nil
}

func (s *Store) scanMutation(row scanner) (model.Mutation, error) {
	var (
		m        model.Mutation
		op       string
		state    string
		diffJSON string
	)
	err := row.Scan(&m.Seq, &m.RecordID, &m.RecordType, &op, &diffJSON, &m.BaseRevision,
		&m.Timestamp, &state, &m.Attempts, &m.LastError)
	if err != nil {
		return model.Mutation{}, err
	}
	m.Diff, err = unmarshalFields(diffJSON)
	if err != nil {
		return model.Mutation{}, fmt.Errorf("outbox seq %d: %w", m.Seq, err)
	}
	m.Op = model.Op(op)
	m.State = model.MutationState(state)
	m.ClientID = s.clientID
	return m, nil
}

// loadRecord returns the record row with the given id, including
// tombstones. ok is false when no row exists.
func loadRecord(ctx context.Context, tx *sql.Tx, id string) (model.Record, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, fmt.Errorf("load record %s: %w", id, err)
	}
	return r, true, nil
}

func (s *Store) loadMutation(ctx context.Context, tx *sql.Tx, seq int64) (model.Mutation, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM outbox WHERE seq = ?`, seq)
	m, err := s.scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Mutation{}, false, nil
	}
	if err != nil {
		return model.Mutation{}, false, fmt.Errorf("load outbox seq %d: %w", seq, err)
	}
	return m, true, nil
}

// recordMutations returns the outbox rows for a record in seq order.
func (s *Store) recordMutations(ctx context.Context, tx *sql.Tx, recordID string) ([]model.Mutation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+mutationColumns+` FROM outbox
		WHERE record_id = ?
		ORDER BY seq ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("outbox rows for %s: %w", recordID, err)
	}
	defer rows.Close()

	var out []model.Mutation
	for rows.Next() {
		m, err := s.scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox rows for %s: %w", recordID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows for %s: %w", recordID, err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
