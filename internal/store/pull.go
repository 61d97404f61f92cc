package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
)

// ApplyResult counts what ApplyRemoteChanges did with a page of changes.
type ApplyResult struct {
	Applied  int
	Deferred int
	Skipped  int
}

// ApplyRemoteChanges merges one page of pulled changes and advances the sync
// cursor in the same transaction.
//
// A change to an absent or SYNCED record applies when it is newer than the
// record's remote revision; older ones are echoes of writes already seen and
// are skipped. A change to a record with outbox rows or an open conflict is
// deferred (the newest per record is kept) until those resolve.
func (s *Store) ApplyRemoteChanges(ctx context.Context, changes []model.Change, cursor string) (ApplyResult, error) {
	var res ApplyResult
	err := s.update(ctx, "apply remote changes", func(tx *sql.Tx) error {
		for _, ch := range changes {
			outcome, err := s.applyRemoteChange(ctx, tx, ch)
			if err != nil {
				return err
			}
			switch outcome {
			case outcomeApplied:
				res.Applied++
			case outcomeDeferred:
				res.Deferred++
			default:
				res.Skipped++
			}
		}
		return setMeta(ctx, tx, metaCursor, cursor)
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

type applyOutcome int

const (
	outcomeSkipped applyOutcome = iota
	outcomeApplied
	outcomeDeferred
)

func (s *Store) applyRemoteChange(ctx context.Context, tx *sql.Tx, ch model.Change) (applyOutcome, error) {
	if ch.Fields == nil {
		ch.Fields = field.Object{}
	}

	rec, ok, err := loadRecord(ctx, tx, ch.RecordID)
	if err != nil {
		return outcomeSkipped, err
	}
	if !ok {
		rec = model.Record{
			ID:             ch.RecordID,
			Type:           ch.RecordType,
			Fields:         ch.Fields.Clone(),
			Revision:       1,
			RemoteRevision: ch.Revision,
			Status:         model.StatusSynced,
			Deleted:        ch.Deleted,
			UpdatedAt:      s.stamps.Next(),
		}
		return outcomeApplied, writeRecord(ctx, tx, rec)
	}

	switch {
	case rec.Status == model.StatusLocalOnly:
		s.logger.Warn("ignoring remote change to local-only record", "record", ch.RecordID, "type", rec.Type)
		return outcomeSkipped, nil
	case rec.Status != model.StatusSynced:
		if err := deferChange(ctx, tx, ch); err != nil {
			return outcomeSkipped, err
		}
		return outcomeDeferred, nil
	case ch.Revision <= rec.RemoteRevision:
		return outcomeSkipped, nil
	}

	rec.Fields = ch.Fields.Clone()
	rec.Deleted = ch.Deleted
	rec.RemoteRevision = ch.Revision
	rec.Revision++
	rec.UpdatedAt = s.stamps.Next()
	if err := writeRecord(ctx, tx, rec); err != nil {
		return outcomeSkipped, err
	}
	return outcomeApplied, nil
}

func deferChange(ctx context.Context, tx *sql.Tx, ch model.Change) error {
	changeJSON, err := marshalChange(ch)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO deferred_changes (record_id, revision, change) VALUES (?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET revision = excluded.revision, change = excluded.change
		WHERE excluded.revision > deferred_changes.revision
	`, ch.RecordID, ch.Revision, changeJSON)
	if err != nil {
		return fmt.Errorf("defer change to %s: %w", ch.RecordID, err)
	}
	return nil
}

type deferred struct {
	change         model.Change
	localDiff      field.Object
	localDeleted   bool
	localTimestamp int64
}

func loadDeferred(ctx context.Context, tx *sql.Tx, recordID string) (deferred, bool, error) {
	var (
		d            deferred
		changeJSON   string
		diffJSON     string
		localDeleted int
	)
	err := tx.QueryRowContext(ctx, `
		SELECT change, local_diff, local_deleted, local_timestamp
		FROM deferred_changes WHERE record_id = ?
	`, recordID).Scan(&changeJSON, &diffJSON, &localDeleted, &d.localTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return deferred{}, false, nil
	}
	if err != nil {
		return deferred{}, false, fmt.Errorf("load deferred change %s: %w", recordID, err)
	}
	if d.change, err = unmarshalChange(changeJSON); err != nil {
		return deferred{}, false, err
	}
	if d.localDiff, err = unmarshalFields(diffJSON); err != nil {
		return deferred{}, false, err
	}
	d.localDeleted = localDeleted != 0
	return d, true, nil
}

// noteAcknowledged folds an acknowledged mutation into the record's deferred
// change, so the later re-evaluation knows which fields this client wrote.
func noteAcknowledged(ctx context.Context, tx *sql.Tx, m model.Mutation) error {
	d, ok, err := loadDeferred(ctx, tx, m.RecordID)
	if err != nil || !ok {
		return err
	}

	switch m.Op {
	case model.OpCreate:
		d.localDiff = field.Merge(d.localDiff, m.Diff)
		d.localDeleted = false
	case model.OpUpdate:
		d.localDiff = field.Merge(d.localDiff, m.Diff)
	case model.OpDelete:
		d.localDeleted = true
	}
	d.localTimestamp = max(d.localTimestamp, m.Timestamp)

	diffJSON, err := marshalFields(d.localDiff)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE deferred_changes SET local_diff = ?, local_deleted = ?, local_timestamp = ?
		WHERE record_id = ?
	`, diffJSON, boolInt(d.localDeleted), d.localTimestamp, m.RecordID)
	if err != nil {
		return fmt.Errorf("note acknowledged seq %d: %w", m.Seq, err)
	}
	return nil
}

// reconcileDeferred re-evaluates a deferred remote change once the record has
// no outbox rows and no open conflict. Changes no newer than the record's
// remote revision are dropped.
func (s *Store) reconcileDeferred(ctx context.Context, tx *sql.Tx, recordID string) error {
	d, ok, err := loadDeferred(ctx, tx, recordID)
	if err != nil || !ok {
		return err
	}
	rec, ok, err := loadRecord(ctx, tx, recordID)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewNotFoundError(recordID)
	}

	if d.change.Revision > rec.RemoteRevision && rec.Status != model.StatusSynced {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deferred_changes WHERE record_id = ?`, recordID); err != nil {
		return fmt.Errorf("clear deferred change %s: %w", recordID, err)
	}
	if d.change.Revision <= rec.RemoteRevision {
		return nil
	}
	return s.applyDeferred(ctx, tx, rec, d)
}

// applyDeferred applies a remote change that arrived while local mutations
// were outstanding. When both sides wrote the same fields (or one side
// deleted what the other edited) the record is marked conflicted and
// last-writer-wins decides: a strictly later local write is reasserted as a
// new outbox row based on the remote revision; otherwise the remote value
// stands.
func (s *Store) applyDeferred(ctx context.Context, tx *sql.Tx, rec model.Record, d deferred) error {
	ch := d.change
	remoteDiff := field.Diff(rec.Fields, ch.Fields)

	var overlap []string
	for _, k := range d.localDiff.Keys() {
		if _, ok := remoteDiff[k]; ok {
			overlap = append(overlap, k)
		}
	}
	clash := len(overlap) > 0 ||
		(d.localDeleted && !ch.Deleted) ||
		(!d.localDeleted && len(d.localDiff) > 0 && ch.Deleted)

	next := rec
	next.Fields = ch.Fields.Clone()
	next.Deleted = ch.Deleted
	next.RemoteRevision = ch.Revision
	next.Revision++
	next.UpdatedAt = s.stamps.Next()

	var reassert *model.Mutation
	if clash {
		next.Conflicted = true
		if d.localTimestamp > ch.Timestamp {
			m := model.Mutation{
				RecordID:     rec.ID,
				RecordType:   rec.Type,
				BaseRevision: ch.Revision,
				Timestamp:    next.UpdatedAt,
			}
			switch {
			case d.localDeleted:
				next.Deleted = true
				m.Op = model.OpDelete
				m.Diff = field.Object{}
			case ch.Deleted:
				next.Fields = rec.Fields.Clone()
				next.Deleted = false
				m.Op = model.OpCreate
				m.Diff = rec.Fields.Clone()
			default:
				restore := field.Object{}
				for _, k := range overlap {
					if v, ok := rec.Fields[k]; ok {
						restore[k] = v
					} else {
						restore[k] = field.Null{}
					}
				}
				next.Fields = field.Apply(ch.Fields, restore)
				m.Op = model.OpUpdate
				m.Diff = restore
			}
			reassert = &m
		}
		s.logger.Info("deferred remote change overlapped local writes",
			"record", rec.ID,
			"fields", overlap,
			"local_wins", reassert != nil,
		)
	}

	if err := writeRecord(ctx, tx, next); err != nil {
		return err
	}
	if reassert != nil {
		if _, err := insertMutation(ctx, tx, *reassert); err != nil {
			return err
		}
	}
	_, err := refreshStatus(ctx, tx, rec.ID)
	return err
}
