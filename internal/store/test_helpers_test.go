package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/schema"
	"github.com/roach88/localsync/internal/testutil"
)

// testStart is the fake wall time every test store starts at.
var testStart = time.UnixMilli(1_700_000_000_000)

// createTestStore creates a store in a temp dir with predictable ids
// (rec-1, rec-2, ...) and a frozen clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, _ := createTestStoreAt(t, filepath.Join(t.TempDir(), "test.db"))
	return s
}

func createTestStoreAt(t *testing.T, path string) (*Store, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(testStart)
	s, err := Open(path, schema.MustDefault(),
		WithClock(clk),
		WithIDGenerator(testutil.NewSequenceIDs("rec")),
	)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func todo(name string, extra ...string) field.Object {
	obj := field.Object{"name": field.String(name)}
	for i := 0; i+1 < len(extra); i += 2 {
		obj[extra[i]] = field.String(extra[i+1])
	}
	return obj
}

func mustPut(t *testing.T, s *Store, id string, fields field.Object) model.Record {
	t.Helper()
	rec, err := s.Put(context.Background(), model.Record{ID: id, Type: "Todo", Fields: fields})
	if err != nil {
		t.Fatalf("Put(%q) failed: %v", id, err)
	}
	return rec
}

func mustLookup(t *testing.T, s *Store, id string) model.Record {
	t.Helper()
	rec, err := s.Lookup(context.Background(), id)
	if err != nil {
		t.Fatalf("Lookup(%q) failed: %v", id, err)
	}
	return rec
}

func mustList(t *testing.T, s *Store) []model.Mutation {
	t.Helper()
	rows, err := s.Outbox().List(context.Background())
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	return rows
}

// pushNext sends and acknowledges the next outbox row with the given remote
// revision, returning the row that was pushed.
func pushNext(t *testing.T, s *Store, revision int64) model.Mutation {
	t.Helper()
	ctx := context.Background()
	ob := s.Outbox()

	next, ok, err := ob.PeekNext(ctx)
	if err != nil || !ok {
		t.Fatalf("PeekNext() = ok %v, err %v", ok, err)
	}
	sent, err := ob.MarkSent(ctx, next.Seq)
	if err != nil {
		t.Fatalf("MarkSent(%d) failed: %v", next.Seq, err)
	}
	if err := ob.Acknowledge(ctx, sent.Seq, model.Ack{Seq: sent.Seq, RecordID: sent.RecordID, Revision: revision}); err != nil {
		t.Fatalf("Acknowledge(%d) failed: %v", sent.Seq, err)
	}
	return sent
}

func assertStatus(t *testing.T, s *Store, id string, want model.Status) {
	t.Helper()
	if got := mustLookup(t, s, id).Status; got != want {
		t.Errorf("status of %s = %s, want %s", id, got, want)
	}
}

func assertFields(t *testing.T, got, want field.Object) {
	t.Helper()
	if !field.Equal(got, want) {
		t.Errorf("fields = %s, want %s", field.MustCanonicalString(got), field.MustCanonicalString(want))
	}
}
