package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/localsync/internal/field"
	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/remote"
	"github.com/roach88/localsync/internal/schema"
	"github.com/roach88/localsync/internal/session"
	"github.com/roach88/localsync/internal/store"
	"github.com/roach88/localsync/internal/syncer"
	"github.com/roach88/localsync/internal/testutil"
)

// Start is the fake wall time every scenario begins at.
var Start = time.UnixMilli(1_700_000_000_000)

// Backoff settings for scenario engines. Jitter is zero, so retry delays
// are base/2, base, 2*base, ... up to half the cap.
const (
	backoffBase = time.Second
	backoffCap  = time.Minute
)

// Harness runs one scenario. Every client shares the remote service and the
// fake clock.
type Harness struct {
	remote  *remote.Memory
	clock   *testutil.FakeClock
	schemas *schema.Registry
	logger  *slog.Logger
	clients map[string]*client

	mu      sync.Mutex
	revoked map[string]bool
}

type client struct {
	name   string
	store  *store.Store
	creds  *session.Static
	engine *syncer.Engine
}

// Run executes a scenario and returns the result.
//
// Each client gets a fresh in-memory database. The returned error reports
// harness failures (a store that cannot open, an unexpected step error);
// assertion failures are collected in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	h := &Harness{
		clock:   testutil.NewFakeClock(Start),
		schemas: schema.MustDefault(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		clients: make(map[string]*client),
		revoked: make(map[string]bool),
	}
	h.remote = remote.NewMemory(
		remote.WithAuthorizer(h.authorize),
		remote.WithSchemas(h.schemas),
	)

	for _, name := range scenario.Clients {
		c, err := h.newClient(name)
		if err != nil {
			return nil, err
		}
		defer c.store.Close()
		h.clients[name] = c
	}

	ctx := context.Background()
	result := NewResult(scenario.Name)
	for i, st := range scenario.Steps {
		if err := h.execute(ctx, i+1, st, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	for _, msg := range h.evaluate(ctx, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) newClient(name string) (*client, error) {
	s, err := store.Open(":memory:", h.schemas,
		store.WithClock(h.clock),
		store.WithLogger(h.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", name, err)
	}
	creds := session.NewStaticWithClock(session.Credentials{
		UserID: name,
		Token:  name + "-token",
	}, h.clock)
	eng := syncer.New(s, h.remote, creds,
		syncer.WithClock(h.clock),
		syncer.WithLogger(h.logger),
		syncer.WithBackoff(backoffBase, backoffCap),
		syncer.WithJitter(func() float64 { return 0 }),
	)
	return &client{name: name, store: s, creds: creds, engine: eng}, nil
}

// authorize accepts any token that was not revoked.
func (h *Harness) authorize(ctx context.Context, c session.Credentials) (string, error) {
	if _, err := remote.AnyToken(ctx, c); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.revoked[c.Token] {
		return "", model.NewAuthorizationError("token revoked", nil)
	}
	return c.UserID, nil
}

func (h *Harness) execute(ctx context.Context, n int, st Step, result *Result) error {
	switch {
	case st.Advance != "":
		d, err := time.ParseDuration(st.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil

	case st.Fail != nil:
		errs, err := faults(*st.Fail)
		if err != nil {
			return err
		}
		h.remote.FailNext(remote.Operation(st.Fail.Op), errs...)
		return nil
	}

	c, ok := h.clients[st.Client]
	if !ok {
		return fmt.Errorf("unknown client %q", st.Client)
	}

	switch {
	case st.Put != nil:
		fields, err := field.ObjectFromMap(st.Put.Fields)
		if err != nil {
			return fmt.Errorf("put %s: %w", st.Put.ID, err)
		}
		typ := st.Put.Type
		if typ == "" {
			typ = "Todo"
		}
		_, err = c.store.Put(ctx, model.Record{ID: st.Put.ID, Type: typ, Fields: fields})
		result.AddStep(n, c.name, "put", st.Put.ID, err)
		return checkExpect(st.Expect, syncer.Report{}, err)

	case st.Delete != "":
		err := c.store.Delete(ctx, st.Delete)
		result.AddStep(n, c.name, "delete", st.Delete, err)
		return checkExpect(st.Expect, syncer.Report{}, err)

	case st.Sync:
		rep, err := c.engine.Sync(ctx)
		result.AddStep(n, c.name, "sync", "", err)
		h.drain(n, c, result)
		return checkExpect(st.Expect, rep, err)

	case st.SignOut:
		c.creds.Expire()
		result.AddStep(n, c.name, "sign_out", "", nil)
		return nil

	case st.SignIn != "":
		c.creds.Update(session.Credentials{UserID: c.name, Token: st.SignIn})
		result.AddStep(n, c.name, "sign_in", "", nil)
		return nil

	case st.Revoke:
		creds, err := c.creds.CurrentCredentials(ctx)
		if err != nil {
			return fmt.Errorf("revoke: %w", err)
		}
		h.mu.Lock()
		h.revoked[creds.Token] = true
		h.mu.Unlock()
		result.AddStep(n, c.name, "revoke", "", nil)
		return nil
	}
	return errors.New("step has no action")
}

// drain moves the engine's buffered events into the trace.
func (h *Harness) drain(n int, c *client, result *Result) {
	for {
		select {
		case ev := <-c.engine.Events():
			result.AddEvent(n, c.name, ev)
		default:
			return
		}
	}
}

func checkExpect(want *Expect, rep syncer.Report, err error) error {
	got := errorCode(err)
	if want == nil {
		if err != nil {
			return err
		}
		return nil
	}
	if want.Error != got {
		return fmt.Errorf("expected error %q, got %q (%v)", want.Error, got, err)
	}
	checks := []struct {
		name string
		want *int
		got  int
	}{
		{"pushed", want.Pushed, rep.Pushed},
		{"failed", want.Failed, rep.Failed},
		{"conflicts", want.Conflicts, rep.Conflicts},
		{"applied", want.Applied, rep.Applied},
		{"retries", want.Retries, rep.Retries},
	}
	for _, c := range checks {
		if c.want != nil && *c.want != c.got {
			return fmt.Errorf("expected %s=%d, got %d", c.name, *c.want, c.got)
		}
	}
	return nil
}

// errorCode names err the way scenarios refer to it.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case syncer.IsPaused(err):
		return "PAUSED"
	case model.CodeOf(err) != "":
		return string(model.CodeOf(err))
	default:
		return "ERROR"
	}
}

func faults(f Fault) ([]error, error) {
	n := f.Count
	if n <= 0 {
		n = 1
	}
	errs := make([]error, n)
	for i := range errs {
		err, ferr := faultError(f.Code)
		if ferr != nil {
			return nil, ferr
		}
		errs[i] = err
	}
	return errs, nil
}

func faultError(code string) (error, error) {
	switch model.ErrorCode(code) {
	case model.ErrCodeTransient:
		return model.NewTransientError("injected outage", nil), nil
	case model.ErrCodePermanent:
		return model.NewPermanentError(0, "injected rejection", nil), nil
	case model.ErrCodeAuthorization:
		return model.NewAuthorizationError("injected rejection", nil), nil
	case model.ErrCodeValidation:
		return model.NewValidationError("", "injected rejection"), nil
	}
	return nil, fmt.Errorf("unsupported fault code %q", code)
}
