// Package remote defines the remote service the sync engine pushes mutations
// to and pulls changes from, with an in-memory implementation and an HTTP
// client for the dev server.
//
// Errors follow the model taxonomy:
//   - ErrCodeAuthorization: credentials missing, expired or rejected
//   - ErrCodeConflict: the record's remote revision is newer than the
//     mutation's base revision; the error carries the remote snapshot
//   - ErrCodeTransient: network or availability failure, safe to retry
//   - ErrCodePermanent: the mutation can never be applied
package remote

import (
	"context"

	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/session"
)

// DefaultPullLimit is the page size used when a pull passes limit <= 0.
const DefaultPullLimit = 100

// Service is the remote end of synchronization.
type Service interface {
	// PushMutation applies m. Retrying with the same idempotency key returns
	// the original Ack without applying m twice.
	PushMutation(ctx context.Context, m model.Mutation, creds session.Credentials) (model.Ack, error)

	// PullChanges returns changes after cursor, at most limit of them. An
	// empty cursor starts from the beginning of the stream.
	PullChanges(ctx context.Context, cursor string, limit int, creds session.Credentials) (model.PullResult, error)
}
