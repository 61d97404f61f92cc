package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/syncer"
)

// TraceEvent is one line of a scenario trace: either a step a client took
// (put, delete, sync, sign_in, ...) or an event its sync engine emitted.
type TraceEvent struct {
	Step     int
	Client   string
	Kind     string
	RecordID string
	Seq      int64
	Revision int64
	Winner   string
	Applied  int
	Delay    time.Duration
	Error    string
}

// String renders the event as a single trace line. Zero fields are omitted.
func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%02d %s %s", e.Step, e.Client, e.Kind)
	if e.RecordID != "" {
		fmt.Fprintf(&b, " record=%s", e.RecordID)
	}
	if e.Seq != 0 {
		fmt.Fprintf(&b, " seq=%d", e.Seq)
	}
	if e.Revision != 0 {
		fmt.Fprintf(&b, " rev=%d", e.Revision)
	}
	if e.Winner != "" {
		fmt.Fprintf(&b, " winner=%s", e.Winner)
	}
	if e.Applied != 0 {
		fmt.Fprintf(&b, " applied=%d", e.Applied)
	}
	if e.Delay != 0 {
		fmt.Fprintf(&b, " delay=%s", e.Delay)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%s", e.Error)
	}
	return b.String()
}

// Result is the outcome of a scenario.
type Result struct {
	Name string

	// Pass is true when every assertion held.
	Pass bool

	// Trace lists steps and engine events in order.
	Trace []TraceEvent

	// Errors holds assertion failure messages.
	Errors []string
}

// NewResult creates a passing result.
func NewResult(name string) *Result {
	return &Result{Name: name, Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records an assertion failure.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// AddStep traces a client step.
func (r *Result) AddStep(step int, client, kind, recordID string, err error) {
	r.Trace = append(r.Trace, TraceEvent{
		Step:     step,
		Client:   client,
		Kind:     kind,
		RecordID: recordID,
		Error:    errorCode(err),
	})
}

// AddEvent traces an engine event.
func (r *Result) AddEvent(step int, client string, ev syncer.Event) {
	r.Trace = append(r.Trace, TraceEvent{
		Step:     step,
		Client:   client,
		Kind:     string(ev.Kind),
		RecordID: ev.RecordID,
		Seq:      ev.Seq,
		Revision: ev.Revision,
		Winner:   string(ev.Winner),
		Applied:  ev.Applied,
		Delay:    ev.Delay,
		Error:    string(model.CodeOf(ev.Err)),
	})
}

// Text renders the trace for golden comparison.
func (r *Result) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", r.Name)
	for _, ev := range r.Trace {
		b.WriteString(ev.String())
		b.WriteByte('\n')
	}
	return b.String()
}
