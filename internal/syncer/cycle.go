package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/session"
	"github.com/roach88/localsync/internal/store"
)

// resolveConflicts settles conflicts left over from an earlier run.
func (e *Engine) resolveConflicts(ctx context.Context, rep *Report) error {
	pending, err := e.store.Outbox().PendingConflicts(ctx)
	if err != nil {
		return err
	}
	for _, c := range pending {
		if err := e.resolve(ctx, c.RecordID, rep); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolve(ctx context.Context, recordID string, rep *Report) error {
	winner, err := e.store.Outbox().ResolveConflict(ctx, recordID, e.resolver)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", recordID, err)
	}
	rep.Conflicts++
	e.metrics.conflicts.WithLabelValues(string(winner)).Inc()
	e.emit(Event{Kind: EventConflict, RecordID: recordID, Winner: winner})
	e.logger.Info("conflict resolved", "record", recordID, "winner", winner)
	return nil
}

// push drains the outbox one row at a time in seq order. It stops at the
// first transient failure so that no later row overtakes an earlier one.
func (e *Engine) push(ctx context.Context, creds session.Credentials, rep *Report) error {
	ob := e.store.Outbox()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, ok, err := ob.PeekNext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := e.pushOne(ctx, creds, next.Seq, rep); err != nil {
			return err
		}
	}
}

func (e *Engine) pushOne(ctx context.Context, creds session.Credentials, seq int64, rep *Report) error {
	ob := e.store.Outbox()
	m, err := ob.MarkSent(ctx, seq)
	if err != nil {
		return err
	}

	ack, pushErr := e.remote.PushMutation(ctx, m, creds)

	// The row is IN_FLIGHT; settle it even if ctx was canceled meanwhile.
	bg := context.WithoutCancel(ctx)

	switch {
	case pushErr == nil:
		if err := ob.Acknowledge(bg, m.Seq, ack); err != nil {
			return err
		}
		rep.Pushed++
		e.metrics.pushes.WithLabelValues("acked").Inc()
		e.emit(Event{Kind: EventPushed, RecordID: m.RecordID, Seq: m.Seq, Revision: ack.Revision})
		e.logger.Debug("mutation acknowledged",
			"seq", m.Seq,
			"record", m.RecordID,
			"op", m.Op,
			"revision", ack.Revision,
		)
		return nil

	case ctx.Err() != nil:
		if err := ob.Requeue(bg, m.Seq, "canceled"); err != nil {
			return err
		}
		return ctx.Err()

	case model.IsAuthorization(pushErr):
		e.metrics.pushes.WithLabelValues("unauthorized").Inc()
		if err := ob.Requeue(bg, m.Seq, pushErr.Error()); err != nil {
			return err
		}
		e.pause(creds, pushErr)
		return fmt.Errorf("%w: %v", ErrPaused, pushErr)

	case model.IsConflict(pushErr):
		e.metrics.pushes.WithLabelValues("conflict").Inc()
		remote, ok := model.ConflictOf(pushErr)
		if !ok {
			// A conflict without the remote snapshot cannot be resolved here.
			if err := ob.Requeue(bg, m.Seq, pushErr.Error()); err != nil {
				return err
			}
			return model.NewTransientError("push failed", pushErr)
		}
		if err := ob.BeginConflict(bg, m.Seq, remote); err != nil {
			return err
		}
		return e.resolve(bg, m.RecordID, rep)

	case model.IsPermanent(pushErr), model.IsValidation(pushErr), model.IsNotFound(pushErr):
		e.metrics.pushes.WithLabelValues("failed").Inc()
		if err := ob.MarkFailed(bg, m.Seq, pushErr); err != nil {
			return err
		}
		rep.Failed++
		e.emit(Event{Kind: EventFailed, RecordID: m.RecordID, Seq: m.Seq, Err: pushErr})
		e.logger.Warn("mutation rejected", "seq", m.Seq, "record", m.RecordID, "error", pushErr)
		return nil

	default:
		e.metrics.pushes.WithLabelValues("transient").Inc()
		if err := ob.Requeue(bg, m.Seq, pushErr.Error()); err != nil {
			return err
		}
		if model.IsTransient(pushErr) {
			return pushErr
		}
		return model.NewTransientError("push failed", pushErr)
	}
}

// pull fetches pages from the stored cursor until the remote has no more.
// Each page and its cursor commit together.
func (e *Engine) pull(ctx context.Context, creds session.Credentials, rep *Report) error {
	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return err
	}
	for {
		res, err := e.remote.PullChanges(ctx, cursor, e.pullLimit, creds)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case model.IsAuthorization(err):
			e.metrics.pulls.WithLabelValues("unauthorized").Inc()
			e.pause(creds, err)
			return fmt.Errorf("%w: %v", ErrPaused, err)
		case model.IsTransient(err):
			e.metrics.pulls.WithLabelValues("transient").Inc()
			return err
		default:
			e.metrics.pulls.WithLabelValues("failed").Inc()
			return fmt.Errorf("pull from %q: %w", cursor, err)
		}
		e.metrics.pulls.WithLabelValues("ok").Inc()

		next := res.Cursor
		if next == "" {
			next = cursor
		}
		applied, err := e.store.ApplyRemoteChanges(context.WithoutCancel(ctx), res.Changes, next)
		if err != nil {
			return err
		}
		e.metrics.applied(applied)
		e.record(applied, rep)
		cursor = next

		if !res.More || len(res.Changes) == 0 {
			return nil
		}
	}
}

func (e *Engine) record(res store.ApplyResult, rep *Report) {
	rep.Applied += res.Applied
	rep.Deferred += res.Deferred
	rep.Skipped += res.Skipped
	if res.Applied > 0 {
		e.emit(Event{Kind: EventPulled, Applied: res.Applied})
		e.logger.Debug("remote changes applied",
			"applied", res.Applied,
			"deferred", res.Deferred,
			"skipped", res.Skipped,
		)
	}
}

// IsPaused reports whether err means sync waits for re-authentication.
func IsPaused(err error) bool {
	return errors.Is(err, ErrPaused)
}
