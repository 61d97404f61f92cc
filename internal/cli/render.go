package cli

import (
	"fmt"
	"io"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/store"
	"github.com/roach88/localsync/internal/syncer"
)

// writeRecord renders a record header followed by its fields in key order.
func writeRecord(w io.Writer, r model.Record) {
	fmt.Fprintf(w, "%s (%s) %s rev=%d", r.ID, r.Type, r.Status, r.Revision)
	if r.Deleted {
		fmt.Fprint(w, " deleted")
	}
	if r.Conflicted {
		fmt.Fprint(w, " conflicted")
	}
	fmt.Fprintln(w)
	for _, k := range r.Fields.Keys() {
		fmt.Fprintf(w, "  %s: %s\n", k, field.Text(r.Fields[k]))
	}
}

func writeRecords(w io.Writer, recs []model.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "(no records)")
		return
	}
	for i, r := range recs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		writeRecord(w, r)
	}
}

// writeTodos renders todos the way the sample app lists them.
func writeTodos(w io.Writer, todos []model.Record) {
	fmt.Fprintln(w, "==== Todo ====")
	for _, t := range todos {
		fmt.Fprintf(w, "ID: %s\n", t.ID)
		fmt.Fprintf(w, "Name: %s\n", field.Text(t.Fields["name"]))
		if v, ok := t.Fields["priority"]; ok {
			fmt.Fprintf(w, "Priority: %s\n", field.Text(v))
		}
		if v, ok := t.Fields["completedAt"]; ok {
			fmt.Fprintf(w, "CompletedAt: %s\n", field.Text(v))
		}
		fmt.Fprintf(w, "Status: %s\n", t.Status)
		fmt.Fprintln(w)
	}
}

func writeStats(w io.Writer, st store.Stats) {
	fmt.Fprintln(w, "=== Store ===")
	fmt.Fprintf(w, "  client:    %s\n", st.ClientID)
	fmt.Fprintf(w, "  records:   %d\n", st.Records)
	fmt.Fprintf(w, "  deleted:   %d\n", st.Deleted)
	fmt.Fprintf(w, "  conflicts: %d\n", st.Conflicts)
	fmt.Fprintf(w, "  deferred:  %d\n", st.Deferred)
	cursor := st.Cursor
	if cursor == "" {
		cursor = "(none)"
	}
	fmt.Fprintf(w, "  cursor:    %s\n", cursor)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Outbox ===")
	fmt.Fprintf(w, "  pending:   %d\n", st.Pending)
	fmt.Fprintf(w, "  in flight: %d\n", st.InFlight)
	fmt.Fprintf(w, "  failed:    %d\n", st.Failed)
}

func writeReport(w io.Writer, rep syncer.Report) {
	fmt.Fprintf(w, "Sync complete: %d pushed, %d failed, %d conflicts, %d applied, %d deferred, %d skipped\n",
		rep.Pushed, rep.Failed, rep.Conflicts, rep.Applied, rep.Deferred, rep.Skipped)
	if rep.Retries > 0 {
		fmt.Fprintf(w, "Retries: %d\n", rep.Retries)
	}
}

func writeMutations(w io.Writer, ms []model.Mutation) {
	if len(ms) == 0 {
		fmt.Fprintln(w, "(no failed mutations)")
		return
	}
	for _, m := range ms {
		fmt.Fprintf(w, "seq=%d %s %s (%s) attempts=%d\n", m.Seq, m.Op, m.RecordID, m.RecordType, m.Attempts)
		if m.LastError != "" {
			fmt.Fprintf(w, "  error: %s\n", m.LastError)
		}
		if len(m.Diff) > 0 {
			fmt.Fprintf(w, "  diff:  %s\n", field.Text(m.Diff))
		}
	}
}
