package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
)

func TestPut_CreateAssignsIDAndQueuesSnapshot(t *testing.T) {
	s := createTestStore(t)

	rec := mustPut(t, s, "", todo("Task #1", "priority", "HIGH"))

	if rec.ID != "rec-1" {
		t.Errorf("ID = %q, want rec-1", rec.ID)
	}
	if rec.Revision != 1 || rec.Status != model.StatusPendingPush {
		t.Errorf("revision %d status %s, want 1 PENDING_PUSH", rec.Revision, rec.Status)
	}

	rows := mustList(t, s)
	if len(rows) != 1 {
		t.Fatalf("outbox rows = %d, want 1", len(rows))
	}
	m := rows[0]
	if m.Op != model.OpCreate || m.RecordID != "rec-1" || m.BaseRevision != 0 {
		t.Errorf("row = %+v", m)
	}
	if m.ClientID != s.ClientID() {
		t.Errorf("row client id = %q, want %q", m.ClientID, s.ClientID())
	}
	assertFields(t, m.Diff, todo("Task #1", "priority", "HIGH"))
}

func TestPut_ValidationErrorIsNeverQueued(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tests := []model.Record{
		{Type: "Todo", Fields: field.Object{"priority": field.String("LOW")}},
		{Type: "Todo", Fields: todo("x", "priority", "URGENT")},
		{Type: "Nope", Fields: todo("x")},
		{Fields: todo("x")},
	}
	for i, rec := range tests {
		_, err := s.Put(ctx, rec)
		if !model.IsValidation(err) {
			t.Errorf("case %d: err = %v, want validation error", i, err)
		}
	}
	if rows := mustList(t, s); len(rows) != 0 {
		t.Errorf("outbox rows = %d, want 0", len(rows))
	}
}

func TestPut_TypeChangeRejected(t *testing.T) {
	s := createTestStore(t)
	mustPut(t, s, "same", todo("a"))

	_, err := s.Put(context.Background(), model.Record{ID: "same", Type: "Draft", Fields: field.Object{"title": field.String("t")}})
	if !model.IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestPut_UpdateCoalescesIntoUnsentCreate(t *testing.T) {
	s := createTestStore(t)

	mustPut(t, s, "a", todo("first", "priority", "LOW", "description", "d"))
	rec := mustPut(t, s, "a", todo("second", "priority", "LOW"))

	if rec.Revision != 2 {
		t.Errorf("revision = %d, want 2", rec.Revision)
	}
	rows := mustList(t, s)
	if len(rows) != 1 {
		t.Fatalf("outbox rows = %d, want 1", len(rows))
	}
	if rows[0].Op != model.OpCreate {
		t.Errorf("op = %s, want CREATE", rows[0].Op)
	}
	assertFields(t, rows[0].Diff, todo("second", "priority", "LOW"))
}

func TestPut_UpdateQueuesDiffAfterSync(t *testing.T) {
	s := createTestStore(t)

	mustPut(t, s, "a", todo("first", "description", "d"))
	pushNext(t, s, 1)
	assertStatus(t, s, "a", model.StatusSynced)

	rec := mustPut(t, s, "a", todo("first", "priority", "HIGH"))
	if rec.Status != model.StatusPendingPush {
		t.Errorf("status = %s, want PENDING_PUSH", rec.Status)
	}

	rows := mustList(t, s)
	if len(rows) != 1 {
		t.Fatalf("outbox rows = %d, want 1", len(rows))
	}
	m := rows[0]
	if m.Op != model.OpUpdate || m.BaseRevision != 1 {
		t.Errorf("row = %s base %d, want UPDATE base 1", m.Op, m.BaseRevision)
	}
	assertFields(t, m.Diff, field.Object{"priority": field.String("HIGH"), "description": field.Null{}})
}

func TestPut_NoChangeIsNoop(t *testing.T) {
	s := createTestStore(t)

	first := mustPut(t, s, "a", todo("same"))
	pushNext(t, s, 1)

	again := mustPut(t, s, "a", todo("same"))
	if again.Revision != first.Revision {
		t.Errorf("revision changed on no-op put: %d -> %d", first.Revision, again.Revision)
	}
	if again.Status != model.StatusSynced {
		t.Errorf("status = %s, want SYNCED", again.Status)
	}
	if rows := mustList(t, s); len(rows) != 0 {
		t.Errorf("outbox rows = %d, want 0", len(rows))
	}
}

func TestPut_LocalOnlyTypeNeverQueued(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Put(ctx, model.Record{Type: "Draft", Fields: field.Object{"title": field.String("note")}})
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if rec.Status != model.StatusLocalOnly {
		t.Errorf("status = %s, want LOCAL_ONLY", rec.Status)
	}

	rec.Fields = field.Object{"title": field.String("note 2")}
	rec, err = s.Put(ctx, rec)
	if err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}
	if rec.Revision != 2 || rec.Status != model.StatusLocalOnly {
		t.Errorf("revision %d status %s", rec.Revision, rec.Status)
	}

	if err := s.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if rows := mustList(t, s); len(rows) != 0 {
		t.Errorf("outbox rows = %d, want 0", len(rows))
	}
}

func TestGet_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !model.IsNotFound(err) {
		t.Errorf("Get(missing) = %v, want not found", err)
	}

	mustPut(t, s, "a", todo("x"))
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !model.IsNotFound(err) {
		t.Errorf("Get(deleted) = %v, want not found", err)
	}
	if rec := mustLookup(t, s, "a"); !rec.Deleted {
		t.Error("Lookup should return the tombstone")
	}
}

func TestQuery_FiltersTypeDeletedAndPredicate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustPut(t, s, "a", todo("a", "priority", "HIGH"))
	mustPut(t, s, "b", todo("b", "priority", "LOW"))
	mustPut(t, s, "c", todo("c", "priority", "HIGH"))
	if _, err := s.Put(ctx, model.Record{ID: "d", Type: "Draft", Fields: field.Object{"title": field.String("d")}}); err != nil {
		t.Fatalf("Put(Draft) failed: %v", err)
	}
	if err := s.Delete(ctx, "c"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	ids := func(q model.Query) []string {
		t.Helper()
		recs, err := s.Collect(ctx, q)
		if err != nil {
			t.Fatalf("Collect() failed: %v", err)
		}
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.ID)
		}
		return out
	}

	tests := []struct {
		name string
		q    model.Query
		want string
	}{
		{"all live", model.Query{}, "[a b d]"},
		{"type", model.Query{Type: "Todo"}, "[a b]"},
		{"include deleted", model.Query{Type: "Todo", IncludeDeleted: true}, "[a b c]"},
		{"predicate", model.Query{Type: "Todo", IncludeDeleted: true, Where: model.FieldEquals("priority", field.String("HIGH"))}, "[a c]"},
		{"limit", model.Query{Limit: 2}, "[a b]"},
		{"not equals matches missing field", model.Query{Where: model.Not(model.FieldEquals("priority", field.String("HIGH")))}, "[b d]"},
		{"has field", model.Query{Where: model.HasField("title")}, "[d]"},
		{"or", model.Query{Where: model.Or(model.HasField("title"), model.FieldEquals("name", field.String("b")))}, "[b d]"},
		{"status", model.Query{Where: model.StatusIs(model.StatusLocalOnly)}, "[d]"},
		{"string never equals int", model.Query{Where: model.FieldEquals("priority", field.Int(1))}, "[]"},
		{"func predicate", model.Query{Where: model.PredicateFunc(func(r model.Record) bool { return r.ID != "a" })}, "[b d]"},
		{"not of func predicate", model.Query{Where: model.Not(model.PredicateFunc(func(r model.Record) bool { return r.ID == "a" }))}, "[b d]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fmt.Sprint(ids(tt.q)); got != tt.want {
				t.Errorf("ids = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestQuery_PagesAndAllowsWritesInLoop(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	const n = queryPageSize*2 + 5
	for i := 0; i < n; i++ {
		mustPut(t, s, fmt.Sprintf("t%03d", i), todo(fmt.Sprintf("task %d", i)))
	}

	seq := s.Query(ctx, model.Query{Type: "Todo"})
	count := 0
	for rec, err := range seq {
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		// Writing while iterating must not deadlock on the single connection.
		rec.Fields = field.Apply(rec.Fields, field.Object{"priority": field.String("NORMAL")})
		if _, err := s.Put(ctx, rec); err != nil {
			t.Fatalf("Put() inside loop failed: %v", err)
		}
		count++
	}
	if count != n {
		t.Errorf("first pass yielded %d records, want %d", count, n)
	}

	// Restartable: ranging again re-runs the query against current state.
	normal := 0
	for rec, err := range seq {
		if err != nil {
			t.Fatalf("second pass failed: %v", err)
		}
		if field.Equal(rec.Fields["priority"], field.String("NORMAL")) {
			normal++
		}
	}
	if normal != n {
		t.Errorf("second pass saw %d updated records, want %d", normal, n)
	}
}

func TestDelete_NeverPushedRecordQueuesNothing(t *testing.T) {
	s := createTestStore(t)

	mustPut(t, s, "a", todo("x"))
	mustPut(t, s, "a", todo("y"))
	if err := s.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if rows := mustList(t, s); len(rows) != 0 {
		t.Errorf("outbox rows = %d, want 0", len(rows))
	}
	rec := mustLookup(t, s, "a")
	if !rec.Deleted || rec.Status != model.StatusSynced {
		t.Errorf("deleted %v status %s, want tombstone SYNCED", rec.Deleted, rec.Status)
	}
}

func TestDelete_DiscardsPendingUpdatesAndQueuesDelete(t *testing.T) {
	s := createTestStore(t)

	mustPut(t, s, "a", todo("x"))
	pushNext(t, s, 3)
	mustPut(t, s, "a", todo("y"))
	mustPut(t, s, "a", todo("z"))

	if err := s.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	rows := mustList(t, s)
	if len(rows) != 1 {
		t.Fatalf("outbox rows = %d, want 1", len(rows))
	}
	if rows[0].Op != model.OpDelete || rows[0].BaseRevision != 3 {
		t.Errorf("row = %s base %d, want DELETE base 3", rows[0].Op, rows[0].BaseRevision)
	}
	assertStatus(t, s, "a", model.StatusPendingPush)
}

func TestDelete_KeepsSentRows(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustPut(t, s, "a", todo("x"))
	if _, err := s.Outbox().MarkSent(ctx, 1); err != nil {
		t.Fatalf("MarkSent() failed: %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	rows := mustList(t, s)
	if len(rows) != 2 || rows[0].State != model.MutationInFlight || rows[1].Op != model.OpDelete {
		t.Errorf("rows = %+v, want in-flight CREATE then DELETE", rows)
	}
}

func TestDelete_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Delete(ctx, "missing"); !model.IsNotFound(err) {
		t.Errorf("Delete(missing) = %v, want not found", err)
	}

	mustPut(t, s, "a", todo("x"))
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := s.Delete(ctx, "a"); !model.IsNotFound(err) {
		t.Errorf("second Delete() = %v, want not found", err)
	}
}

func TestPut_RecreatesDeletedRecord(t *testing.T) {
	s := createTestStore(t)

	mustPut(t, s, "a", todo("x"))
	pushNext(t, s, 1)
	if err := s.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	pushNext(t, s, 2)

	rec := mustPut(t, s, "a", todo("again"))
	if rec.Deleted || rec.Revision != 3 {
		t.Errorf("deleted %v revision %d, want live revision 3", rec.Deleted, rec.Revision)
	}
	rows := mustList(t, s)
	if len(rows) != 1 || rows[0].Op != model.OpCreate || rows[0].BaseRevision != 2 {
		t.Errorf("rows = %+v, want CREATE base 2", rows)
	}
}
