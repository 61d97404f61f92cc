package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
)

var (
	localWins  = model.ResolverFunc(func(model.Mutation, model.Change) model.Winner { return model.WinnerLocal })
	remoteWins = model.ResolverFunc(func(model.Mutation, model.Change) model.Winner { return model.WinnerRemote })
)

func TestOutbox_PeekNextInSeqOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ob := s.Outbox()

	mustPut(t, s, "b", todo("b"))
	mustPut(t, s, "a", todo("a"))

	next, ok, err := ob.PeekNext(ctx)
	if err != nil || !ok {
		t.Fatalf("PeekNext() = ok %v, err %v", ok, err)
	}
	if next.Seq != 1 || next.RecordID != "b" {
		t.Errorf("next = seq %d record %s, want seq 1 record b", next.Seq, next.RecordID)
	}

	pushNext(t, s, 1)
	pushNext(t, s, 1)
	if _, ok, _ := ob.PeekNext(ctx); ok {
		t.Error("PeekNext() on drained outbox returned a row")
	}
}

func TestOutbox_NeverMergesIntoSentRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ob := s.Outbox()

	mustPut(t, s, "a", todo("x"))
	if _, err := ob.MarkSent(ctx, 1); err != nil {
		t.Fatalf("MarkSent() failed: %v", err)
	}
	mustPut(t, s, "a", todo("y"))

	rows := mustList(t, s)
	if len(rows) != 2 {
		t.Fatalf("outbox rows = %d, want 2", len(rows))
	}
	assertFields(t, rows[0].Diff, todo("x"))
	if rows[1].Op != model.OpUpdate {
		t.Errorf("second row op = %s, want UPDATE", rows[1].Op)
	}

	// At most one row per record in flight.
	if _, ok, _ := ob.PeekNext(ctx); ok {
		t.Error("PeekNext() returned a row while the record has one in flight")
	}

	// A requeued row was sent once; later writes still queue behind it.
	if err := ob.Requeue(ctx, 1, "canceled"); err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	mustPut(t, s, "a", todo("z"))
	rows = mustList(t, s)
	if len(rows) != 2 {
		t.Fatalf("outbox rows = %d, want 2", len(rows))
	}
	assertFields(t, rows[0].Diff, todo("x"))
	assertFields(t, rows[1].Diff, todo("z"))
	if rows[0].LastError != "canceled" {
		t.Errorf("last error = %q", rows[0].LastError)
	}
}

func TestOutbox_AcknowledgeRebasesLaterRows(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ob := s.Outbox()

	mustPut(t, s, "a", todo("x"))
	if _, err := ob.MarkSent(ctx, 1); err != nil {
		t.Fatalf("MarkSent() failed: %v", err)
	}
	mustPut(t, s, "a", todo("y"))

	if err := ob.Acknowledge(ctx, 1, model.Ack{Seq: 1, RecordID: "a", Revision: 5}); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}

	rec := mustLookup(t, s, "a")
	if rec.RemoteRevision != 5 || rec.Status != model.StatusPendingPush {
		t.Errorf("remote revision %d status %s, want 5 PENDING_PUSH", rec.RemoteRevision, rec.Status)
	}
	rows := mustList(t, s)
	if len(rows) != 1 || rows[0].BaseRevision != 5 {
		t.Errorf("rows = %+v, want one row based on 5", rows)
	}

	pushNext(t, s, 6)
	assertStatus(t, s, "a", model.StatusSynced)
	if depth, _ := ob.Depth(ctx); depth != 0 {
		t.Errorf("Depth() = %d, want 0", depth)
	}
}

func TestOutbox_AcknowledgeUnknownSeq(t *testing.T) {
	s := createTestStore(t)
	err := s.Outbox().Acknowledge(context.Background(), 99, model.Ack{Seq: 99})
	if !model.IsNotFound(err) {
		t.Errorf("Acknowledge(99) = %v, want not found", err)
	}
}

func TestOutbox_MarkFailedRetryDiscard(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ob := s.Outbox()

	mustPut(t, s, "a", todo("x"))
	mustPut(t, s, "b", todo("y"))
	if _, err := ob.MarkSent(ctx, 1); err != nil {
		t.Fatalf("MarkSent() failed: %v", err)
	}
	if err := ob.MarkFailed(ctx, 1, errors.New("rejected: name too long")); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	// Failed rows leave the active queue; the next record proceeds.
	next, ok, err := ob.PeekNext(ctx)
	if err != nil || !ok || next.Seq != 2 {
		t.Fatalf("PeekNext() = seq %d ok %v err %v, want seq 2", next.Seq, ok, err)
	}
	assertStatus(t, s, "a", model.StatusPendingPush)

	failed, err := ob.Failed(ctx)
	if err != nil {
		t.Fatalf("Failed() failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Seq != 1 || failed[0].LastError != "rejected: name too long" {
		t.Errorf("Failed() = %+v", failed)
	}
	if depth, _ := ob.Depth(ctx); depth != 1 {
		t.Errorf("Depth() = %d, want 1", depth)
	}

	if err := ob.Retry(ctx, 1); err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}
	if err := ob.Retry(ctx, 1); !model.IsNotFound(err) {
		t.Errorf("Retry() of a pending row = %v, want not found", err)
	}
	next, _, _ = ob.PeekNext(ctx)
	if next.Seq != 1 {
		t.Errorf("retried row not next: seq %d", next.Seq)
	}

	if _, err := ob.MarkSent(ctx, 1); err != nil {
		t.Fatalf("MarkSent() failed: %v", err)
	}
	if err := ob.MarkFailed(ctx, 1, errors.New("rejected again")); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}
	if err := ob.Discard(ctx, 1); err != nil {
		t.Fatalf("Discard() failed: %v", err)
	}
	assertStatus(t, s, "a", model.StatusSynced)
	if err := ob.Discard(ctx, 2); !model.IsNotFound(err) {
		t.Errorf("Discard() of a pending row = %v, want not found", err)
	}
}

func TestOutbox_EnqueueDirect(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ob := s.Outbox()

	mustPut(t, s, "a", todo("x"))
	pushNext(t, s, 1)

	seq, err := ob.Enqueue(ctx, model.Mutation{
		RecordID:     "a",
		Op:           model.OpUpdate,
		Diff:         field.Object{"priority": field.String("LOW")},
		BaseRevision: 1,
	})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if seq != 2 {
		t.Errorf("seq = %d, want 2", seq)
	}
	assertStatus(t, s, "a", model.StatusPendingPush)

	if _, err := ob.Enqueue(ctx, model.Mutation{RecordID: "missing", Op: model.OpDelete}); !model.IsNotFound(err) {
		t.Errorf("Enqueue(missing) = %v, want not found", err)
	}
	if _, err := ob.Enqueue(ctx, model.Mutation{RecordID: "a", Op: "PATCH"}); !model.IsValidation(err) {
		t.Errorf("Enqueue(PATCH) = %v, want validation error", err)
	}
}

func TestOutbox_ConflictRemoteWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ob := s.Outbox()

	mustPut(t, s, "a", todo("local"))
	if _, err := ob.MarkSent(ctx, 1); err != nil {
		t.Fatalf("MarkSent() failed: %v", err)
	}
	remote := model.Change{RecordID: "a", RecordType: "Todo", Fields: todo("remote"), Revision: 4, Timestamp: 10}
	if err := ob.BeginConflict(ctx, 1, remote); err != nil {
		t.Fatalf("BeginConflict() failed: %v", err)
	}

	rec := mustLookup(t, s, "a")
	if rec.Status != model.StatusConflict || !rec.Conflicted {
		t.Errorf("status %s conflicted %v, want CONFLICT true", rec.Status, rec.Conflicted)
	}
	if _, ok, _ := ob.PeekNext(ctx); ok {
		t.Error("PeekNext() returned a row of a record in conflict")
	}

	winner, err := ob.ResolveConflict(ctx, "a", remoteWins)
	if err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}
	if winner != model.WinnerRemote {
		t.Errorf("winner = %s", winner)
	}

	rec = mustLookup(t, s, "a")
	assertFields(t, rec.Fields, todo("remote"))
	if rec.Status != model.StatusSynced || !rec.Conflicted || rec.RemoteRevision != 4 {
		t.Errorf("status %s conflicted %v remote revision %d", rec.Status, rec.Conflicted, rec.RemoteRevision)
	}
	if rows := mustList(t, s); len(rows) != 0 {
		t.Errorf("outbox rows = %d, want 0", len(rows))
	}

	if _, err := ob.ResolveConflict(ctx, "a", remoteWins); !model.IsNotFound(err) {
		t.Errorf("second ResolveConflict() = %v, want not found", err)
	}
}

func TestOutbox_ConflictRemoteWinsKeepsLaterLocalEdits(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ob := s.Outbox()

	mustPut(t, s, "a", todo("local"))
	if _, err := ob.MarkSent(ctx, 1); err != nil {
		t.Fatalf("MarkSent() failed: %v", err)
	}
	mustPut(t, s, "a", todo("local", "priority", "HIGH"))

	remote := model.Change{RecordID: "a", RecordType: "Todo", Fields: todo("remote", "description", "r"), Revision: 2}
	if err := ob.BeginConflict(ctx, 1, remote); err != nil {
		t.Fatalf("BeginConflict() failed: %v", err)
	}
	if _, err := ob.ResolveConflict(ctx, "a", remoteWins); err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}

	rec := mustLookup(t, s, "a")
	assertFields(t, rec.Fields, todo("remote", "description", "r", "priority", "HIGH"))
	assertStatus(t, s, "a", model.StatusPendingPush)

	rows := mustList(t, s)
	if len(rows) != 1 || rows[0].Op != model.OpUpdate || rows[0].BaseRevision != 2 {
		t.Errorf("rows = %+v, want UPDATE based on 2", rows)
	}
}

func TestOutbox_ConflictLocalWinsRebases(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ob := s.Outbox()

	mustPut(t, s, "a", todo("local"))
	if _, err := ob.MarkSent(ctx, 1); err != nil {
		t.Fatalf("MarkSent() failed: %v", err)
	}
	remote := model.Change{RecordID: "a", RecordType: "Todo", Fields: todo("remote"), Revision: 4}
	if err := ob.BeginConflict(ctx, 1, remote); err != nil {
		t.Fatalf("BeginConflict() failed: %v", err)
	}

	winner, err := ob.ResolveConflict(ctx, "a", localWins)
	if err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}
	if winner != model.WinnerLocal {
		t.Errorf("winner = %s", winner)
	}

	rec := mustLookup(t, s, "a")
	assertFields(t, rec.Fields, todo("local"))
	if rec.Status != model.StatusPendingPush || !rec.Conflicted || rec.RemoteRevision != 4 {
		t.Errorf("status %s conflicted %v remote revision %d", rec.Status, rec.Conflicted, rec.RemoteRevision)
	}

	next, ok, err := ob.PeekNext(ctx)
	if err != nil || !ok {
		t.Fatalf("PeekNext() = ok %v, err %v", ok, err)
	}
	if next.Seq != 1 || next.BaseRevision != 4 || next.Op != model.OpCreate {
		t.Errorf("next = seq %d base %d op %s, want seq 1 base 4 CREATE", next.Seq, next.BaseRevision, next.Op)
	}
}

func TestOutbox_ConflictLocalUpdateOverRemoteTombstoneBecomesCreate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ob := s.Outbox()

	mustPut(t, s, "a", todo("x", "priority", "LOW"))
	pushNext(t, s, 1)
	mustPut(t, s, "a", todo("x", "priority", "HIGH"))
	if _, err := ob.MarkSent(ctx, 2); err != nil {
		t.Fatalf("MarkSent() failed: %v", err)
	}

	remote := model.Change{RecordID: "a", RecordType: "Todo", Fields: todo("x", "priority", "LOW"), Revision: 2, Deleted: true}
	if err := ob.BeginConflict(ctx, 2, remote); err != nil {
		t.Fatalf("BeginConflict() failed: %v", err)
	}
	if _, err := ob.ResolveConflict(ctx, "a", localWins); err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}

	rows := mustList(t, s)
	if len(rows) != 1 || rows[0].Op != model.OpCreate || rows[0].BaseRevision != 2 {
		t.Fatalf("rows = %+v, want CREATE based on 2", rows)
	}
	assertFields(t, rows[0].Diff, todo("x", "priority", "HIGH"))
	if rec := mustLookup(t, s, "a"); rec.Deleted {
		t.Error("record should be live after local win")
	}
}

func TestOutbox_ConflictSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, _ := createTestStoreAt(t, path)
	mustPut(t, s1, "a", todo("local"))
	if _, err := s1.Outbox().MarkSent(ctx, 1); err != nil {
		t.Fatalf("MarkSent() failed: %v", err)
	}
	remote := model.Change{RecordID: "a", RecordType: "Todo", Fields: todo("remote"), Revision: 3}
	if err := s1.Outbox().BeginConflict(ctx, 1, remote); err != nil {
		t.Fatalf("BeginConflict() failed: %v", err)
	}
	s1.Close()

	s2, _ := createTestStoreAt(t, path)
	assertStatus(t, s2, "a", model.StatusConflict)

	conflicts, err := s2.Outbox().PendingConflicts(ctx)
	if err != nil {
		t.Fatalf("PendingConflicts() failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Seq != 1 || conflicts[0].Remote.Revision != 3 {
		t.Fatalf("PendingConflicts() = %+v", conflicts)
	}
	assertFields(t, conflicts[0].Remote.Fields, todo("remote"))
}

// remoteModel is the state the remote holds after the acknowledged rows.
type remoteModel struct {
	fields  field.Object
	deleted bool
}

func (r *remoteModel) apply(m model.Mutation) {
	r.fields, r.deleted = replay(r.fields, r.deleted, []model.Mutation{m})
}

// Whatever interleaving of writes, deletes, sends and acknowledgments
// happens, the remote state plus the queued rows must reproduce the local
// record: coalescing never loses a write.
func TestOutbox_CoalescingPreservesNetEffect(t *testing.T) {
	priorities := []string{"LOW", "NORMAL", "HIGH", ""}
	descriptions := []string{"", "one", "two"}

	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			s := createTestStore(t)
			ctx := context.Background()
			ob := s.Outbox()
			rng := rand.New(rand.NewSource(seed))

			remote := &remoteModel{fields: field.Object{}, deleted: true}
			var inFlight *model.Mutation
			revision := int64(0)
			live := false

			for step := 0; step < 60; step++ {
				switch op := rng.Intn(10); {
				case op < 6:
					fields := todo(fmt.Sprintf("n%d", rng.Intn(3)))
					if p := priorities[rng.Intn(len(priorities))]; p != "" {
						fields["priority"] = field.String(p)
					}
					if d := descriptions[rng.Intn(len(descriptions))]; d != "" {
						fields["description"] = field.String(d)
					}
					mustPut(t, s, "r", fields)
					live = true
				case op == 6 && live:
					if err := s.Delete(ctx, "r"); err != nil {
						t.Fatalf("step %d: Delete() failed: %v", step, err)
					}
					live = false
				case op == 7 && inFlight == nil:
					next, ok, err := ob.PeekNext(ctx)
					if err != nil {
						t.Fatalf("step %d: PeekNext() failed: %v", step, err)
					}
					if ok {
						sent, err := ob.MarkSent(ctx, next.Seq)
						if err != nil {
							t.Fatalf("step %d: MarkSent() failed: %v", step, err)
						}
						inFlight = &sent
					}
				case op >= 8 && inFlight != nil:
					revision++
					if err := ob.Acknowledge(ctx, inFlight.Seq, model.Ack{Seq: inFlight.Seq, Revision: revision}); err != nil {
						t.Fatalf("step %d: Acknowledge() failed: %v", step, err)
					}
					remote.apply(*inFlight)
					inFlight = nil
				}
			}

			rows := mustList(t, s)
			inFlightRows := 0
			for _, m := range rows {
				if m.State == model.MutationInFlight {
					inFlightRows++
				}
			}
			if inFlightRows > 1 {
				t.Errorf("%d rows in flight", inFlightRows)
			}

			rec, err := s.Lookup(ctx, "r")
			if err != nil {
				if model.IsNotFound(err) {
					return
				}
				t.Fatalf("Lookup() failed: %v", err)
			}

			gotFields, gotDeleted := replay(remote.fields, remote.deleted, rows)
			if gotDeleted != rec.Deleted {
				t.Fatalf("replayed deleted = %v, local deleted = %v", gotDeleted, rec.Deleted)
			}
			if !rec.Deleted {
				assertFields(t, gotFields, rec.Fields)
			}
			if (len(rows) == 0) != (rec.Status == model.StatusSynced) {
				t.Errorf("status %s with %d outbox rows", rec.Status, len(rows))
			}
		})
	}
}
