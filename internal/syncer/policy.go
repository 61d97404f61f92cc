package syncer

import "github.com/roach88/localsync/internal/model"

// LastWriterWins resolves a conflict by mutation timestamp: the local write
// wins only when it is strictly later than the remote one. Ties go to the
// remote so every client settles on the same value.
var LastWriterWins model.Resolver = model.ResolverFunc(func(local model.Mutation, remote model.Change) model.Winner {
	if local.Timestamp > remote.Timestamp {
		return model.WinnerLocal
	}
	return model.WinnerRemote
})

// RemoteWins always keeps the remote value.
var RemoteWins model.Resolver = model.ResolverFunc(func(model.Mutation, model.Change) model.Winner {
	return model.WinnerRemote
})
