package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// evaluate runs every assertion and returns the failure messages.
func (h *Harness) evaluate(ctx context.Context, result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := h.check(ctx, result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func (h *Harness) check(ctx context.Context, result *Result, a Assertion) error {
	switch a.Type {
	case AssertRecord:
		c, ok := h.clients[a.Client]
		if !ok {
			return fmt.Errorf("unknown client %q", a.Client)
		}
		rec, err := c.store.Lookup(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("lookup %s on %s: %w", a.ID, a.Client, err)
		}
		return matchProps(a.Type, recordProps(rec), a.Expect)

	case AssertRemoteRecord:
		ch, ok := h.remote.Record(a.ID)
		if !ok {
			return &AssertionError{Type: a.Type, Expected: "record " + a.ID, Actual: "none"}
		}
		return matchProps(a.Type, changeProps(ch), a.Expect)

	case AssertOutboxDepth:
		n, err := h.clients[a.Client].store.Outbox().Depth(ctx)
		if err != nil {
			return err
		}
		return matchCount(a.Type, a.Count, n)

	case AssertRemoteCount:
		return matchCount(a.Type, a.Count, h.remote.Records())

	case AssertTraceCount:
		n := 0
		for _, ev := range result.Trace {
			if ev.Kind == a.Event && (a.Client == "" || ev.Client == a.Client) {
				n++
			}
		}
		return matchCount(a.Type+" "+a.Event, a.Count, n)

	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a.Events)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertTraceOrder checks that the event kinds appear in the given order,
// not necessarily adjacent.
func assertTraceOrder(trace []TraceEvent, events []string) error {
	i := 0
	for _, ev := range trace {
		if i < len(events) && ev.Kind == events[i] {
			i++
		}
	}
	if i == len(events) {
		return nil
	}
	kinds := make([]string, len(trace))
	for j, ev := range trace {
		kinds[j] = ev.Kind
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(events, " -> "),
		Actual:   strings.Join(kinds, " -> "),
	}
}

func matchCount(typ string, want, got int) error {
	if want != got {
		return &AssertionError{Type: typ, Expected: fmt.Sprint(want), Actual: fmt.Sprint(got)}
	}
	return nil
}

func recordProps(r model.Record) map[string]any {
	return map[string]any{
		"status":          string(r.Status),
		"conflicted":      r.Conflicted,
		"deleted":         r.Deleted,
		"revision":        r.Revision,
		"remote_revision": r.RemoteRevision,
		"fields":          r.Fields,
	}
}

func changeProps(c model.Change) map[string]any {
	return map[string]any{
		"deleted":  c.Deleted,
		"revision": c.Revision,
		"fields":   c.Fields,
	}
}

// matchProps compares the listed keys of want against got. Scalars compare
// by their printed form so YAML ints match int64 revisions.
func matchProps(typ string, got, want map[string]any) error {
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		g, ok := got[k]
		if !ok {
			return fmt.Errorf("%s: unknown property %q", typ, k)
		}
		if k == "fields" {
			m, ok := want[k].(map[string]any)
			if !ok {
				return fmt.Errorf("%s: fields must be a mapping", typ)
			}
			wantFields, err := field.ObjectFromMap(m)
			if err != nil {
				return fmt.Errorf("%s: fields: %w", typ, err)
			}
			gotFields, _ := g.(field.Object)
			if gotFields == nil {
				gotFields = field.Object{}
			}
			if !field.Equal(wantFields, gotFields) {
				return &AssertionError{
					Type:     typ + " fields",
					Expected: field.MustCanonicalString(wantFields),
					Actual:   field.MustCanonicalString(gotFields),
				}
			}
			continue
		}
		if fmt.Sprint(want[k]) != fmt.Sprint(g) {
			return &AssertionError{Type: typ + " " + k, Expected: fmt.Sprint(want[k]), Actual: fmt.Sprint(g)}
		}
	}
	return nil
}
