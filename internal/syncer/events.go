package syncer

import (
	"time"

	"github.com/roach88/localsync/internal/model"
)

// EventKind names something the engine did.
type EventKind string

const (
	// EventPushed: a mutation was acknowledged.
	EventPushed EventKind = "pushed"
	// EventFailed: the remote rejected a mutation permanently.
	EventFailed EventKind = "failed"
	// EventConflict: a conflict was resolved.
	EventConflict EventKind = "conflict"
	// EventPulled: remote changes were merged.
	EventPulled EventKind = "pulled"
	// EventRetry: a transient failure; the cycle runs again after Delay.
	EventRetry EventKind = "retry"
	// EventAuthRequired: sync paused until new credentials appear.
	EventAuthRequired EventKind = "auth_required"
	// EventResumed: new credentials were observed after a pause.
	EventResumed EventKind = "resumed"
)

// eventBuffer is the capacity of the Events channel.
const eventBuffer = 64

// Event reports engine progress to the application.
type Event struct {
	Kind     EventKind
	RecordID string
	Seq      int64
	Revision int64
	Winner   model.Winner
	Applied  int
	Delay    time.Duration
	Err      error
}

// Report counts what one or more sync cycles did.
type Report struct {
	Pushed    int `json:"pushed"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Applied   int `json:"applied"`
	Deferred  int `json:"deferred"`
	Skipped   int `json:"skipped"`
	Retries   int `json:"retries"`
}

func (r *Report) add(o Report) {
	r.Pushed += o.Pushed
	r.Failed += o.Failed
	r.Conflicts += o.Conflicts
	r.Applied += o.Applied
	r.Deferred += o.Deferred
	r.Skipped += o.Skipped
	r.Retries += o.Retries
}

// emit delivers ev without blocking; events are dropped when nobody reads.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Debug("event dropped", "kind", ev.Kind)
	}
}
