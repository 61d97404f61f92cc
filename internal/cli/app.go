package cli

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/localsync/internal/clock"
	"github.com/roach88/localsync/internal/config"
	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/remote"
	"github.com/roach88/localsync/internal/schema"
	"github.com/roach88/localsync/internal/session"
	"github.com/roach88/localsync/internal/store"
	"github.com/roach88/localsync/internal/syncer"
)

// requestTimeout bounds each call to the sync server.
const requestTimeout = 30 * time.Second

func (o *RootOptions) clock() clock.Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return clock.System{}
}

// schemas loads the configured record types, or the built-in Todo schema.
func (o *RootOptions) schemas() (*schema.Registry, error) {
	if o.Config.SchemaDir == "" {
		return schema.Default()
	}
	return schema.Load(o.Config.SchemaDir)
}

// openStore opens the configured database. Callers close it.
func (o *RootOptions) openStore() (*store.Store, error) {
	reg, err := o.schemas()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schemas", err)
	}
	storeOpts := []store.Option{
		store.WithClock(o.clock()),
		store.WithLogger(o.Logger),
	}
	if o.IDs != nil {
		storeOpts = append(storeOpts, store.WithIDGenerator(o.IDs))
	}
	o.Logger.Debug("opening database", "path", o.Config.Database)
	st, err := store.Open(o.Config.Database, reg, storeOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// closeStore closes st, logging any error.
func (o *RootOptions) closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		o.Logger.Error("error closing database", "error", err)
	}
}

// provider returns the session provider for the configured server. A
// password lets it sign in on demand; a token is used as is.
func (o *RootOptions) provider() (*session.HTTP, error) {
	cfg := o.Config
	if cfg.Remote.URL == "" {
		return nil, NewExitError(ExitCommandError, "remote.url is not configured")
	}
	opts := []session.HTTPOption{
		session.WithHTTPClient(&http.Client{Timeout: requestTimeout}),
		session.WithClock(o.clock()),
		session.WithLogger(o.Logger),
	}
	if cfg.Auth.Password != "" {
		opts = append(opts, session.WithPassword(cfg.Auth.Username, cfg.Auth.Password))
	}
	if cfg.Auth.Token != "" {
		opts = append(opts, session.WithToken(session.Credentials{UserID: cfg.Auth.Username, Token: cfg.Auth.Token}))
	}
	return session.NewHTTP(cfg.Remote.URL, opts...), nil
}

// engine wires a sync engine for st against the configured server.
func (o *RootOptions) engine(st *store.Store, reg prometheus.Registerer) (*syncer.Engine, error) {
	p, err := o.provider()
	if err != nil {
		return nil, err
	}
	svc := remote.NewHTTP(o.Config.Remote.URL, &http.Client{Timeout: requestTimeout})

	sc := o.Config.Sync
	opts := []syncer.Option{
		syncer.WithInterval(sc.Interval),
		syncer.WithBackoff(sc.BackoffBase, sc.BackoffCap),
		syncer.WithPullLimit(sc.PullLimit),
		syncer.WithResolver(resolver(sc.Resolver)),
		syncer.WithClock(o.clock()),
		syncer.WithLogger(o.Logger),
	}
	if reg != nil {
		opts = append(opts, syncer.WithRegisterer(reg))
	}
	return syncer.New(st, svc, p, opts...), nil
}

func resolver(name string) model.Resolver {
	if name == config.ResolverRemoteWins {
		return syncer.RemoteWins
	}
	return syncer.LastWriterWins
}
