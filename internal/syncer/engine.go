package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/localsync/internal/clock"
	"github.com/roach88/localsync/internal/model"
	"github.com/roach88/localsync/internal/remote"
	"github.com/roach88/localsync/internal/session"
	"github.com/roach88/localsync/internal/store"
)

// ErrPaused is returned while sync waits for new credentials.
var ErrPaused = errors.New("sync paused: re-authentication required")

// ErrRunning is returned by Start when the engine is already running.
var ErrRunning = errors.New("sync engine already running")

// DefaultInterval is how long Run idles between cycles when nothing wakes it.
const DefaultInterval = 30 * time.Second

// Engine drains the outbox to the remote service and merges remote changes
// into the store.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine (or use Start/Stop)
//   - SyncOnce(), Sync(): not concurrently with Run
//   - Nudge(), Events(), Paused(): safe from any goroutine
type Engine struct {
	store    *store.Store
	remote   remote.Service
	provider session.Provider

	resolver    model.Resolver
	clock       clock.Clock
	interval    time.Duration
	pullLimit   int
	backoffBase time.Duration
	backoffCap  time.Duration
	jitter      func() float64
	logger      *slog.Logger
	registerer  prometheus.Registerer

	backoff *Backoff
	metrics *metrics
	wake    chan struct{} // buffered, size 1
	events  chan Event

	mu       sync.Mutex
	paused   bool
	rejected string // token the remote refused; not retried
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval sets the idle time between cycles.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithBackoff sets the retry delay base and cap for transient failures.
//
// Default: 1s base, 60s cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(e *Engine) {
		e.backoffBase = base
		e.backoffCap = cap
	}
}

// WithJitter sets the jitter source for backoff, returning values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(e *Engine) { e.jitter = fn }
}

// WithResolver sets the conflict policy. Default: LastWriterWins.
func WithResolver(r model.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithClock sets the clock used for interval and backoff waits.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRegisterer registers the engine's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithPullLimit sets the page size of pulls.
func WithPullLimit(n int) Option {
	return func(e *Engine) { e.pullLimit = n }
}

// New creates an engine. Nothing runs until Run, Start or SyncOnce.
func New(s *store.Store, svc remote.Service, provider session.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		remote:      svc,
		provider:    provider,
		resolver:    LastWriterWins,
		clock:       clock.System{},
		interval:    DefaultInterval,
		pullLimit:   remote.DefaultPullLimit,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		logger:      slog.Default(),
		wake:        make(chan struct{}, 1),
		events:      make(chan Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.backoff = NewBackoff(e.backoffBase, e.backoffCap, e.jitter)
	e.metrics = newMetrics(e.registerer)
	return e
}

// Events returns the engine's event stream. Events are dropped when the
// channel is full.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Nudge wakes Run for an immediate cycle. Multiple nudges coalesce.
func (e *Engine) Nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Paused reports whether sync waits for new credentials.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Start runs the engine in a background goroutine until Stop or ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	go func() {
		defer close(done)
		err := e.Run(ctx)
		e.mu.Lock()
		e.runErr = err
		e.mu.Unlock()
	}()
	return nil
}

// Stop cancels a started engine and waits for Run to return. A push that
// was in flight is requeued before Stop returns.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	<-done

	e.mu.Lock()
	err := e.runErr
	e.cancel, e.done, e.runErr = nil, nil, nil
	e.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Run is the engine loop. It syncs, then idles until the interval passes,
// a local write or credential refresh nudges it, or ctx is canceled.
//
// Run blocks until ctx is canceled and returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine starting", "client", e.store.ClientID(), "interval", e.interval)
	defer e.logger.Info("sync engine stopped")

	unsubscribe := e.subscribe()
	defer unsubscribe()

	for {
		_, err := e.Sync(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrPaused):
			e.logger.Debug("sync paused, waiting for credentials")
		case err != nil:
			e.logger.Warn("sync cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		case <-e.clock.After(e.interval):
		}
	}
}

// subscribe wires store and session notifications to Nudge.
func (e *Engine) subscribe() func() {
	cancels := []func(){
		e.store.OnOutboxChange(e.Nudge),
		e.provider.OnCredentialsExpired(e.onExpired),
	}
	if rn, ok := e.provider.(session.RefreshNotifier); ok {
		cancels = append(cancels, rn.OnCredentialsRefreshed(e.Nudge))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

func (e *Engine) onExpired() {
	e.pause(session.Credentials{}, errors.New("session expired"))
	e.Nudge()
}

// Sync runs cycles until one finishes without a transient failure, waiting
// out the backoff between attempts. Transient failures never surface; all
// other errors end the call.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	var total Report
	for {
		rep, err := e.SyncOnce(ctx)
		total.add(rep)
		if err == nil {
			e.backoff.Reset()
			return total, nil
		}
		if !model.IsTransient(err) || ctx.Err() != nil {
			return total, err
		}

		delay := e.backoff.Next()
		total.Retries++
		e.metrics.retryDelay.Observe(delay.Seconds())
		e.emit(Event{Kind: EventRetry, Delay: delay, Err: err})
		e.logger.Info("transient sync failure, retrying",
			"error", err,
			"attempt", e.backoff.Attempts(),
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-e.clock.After(delay):
		}
	}
}

// SyncOnce runs one cycle: resolve recorded conflicts, push the outbox in
// seq order, then pull remote changes from the cursor.
func (e *Engine) SyncOnce(ctx context.Context) (Report, error) {
	var rep Report

	creds, err := e.credentials(ctx)
	if err != nil {
		return rep, err
	}
	if err := e.resolveConflicts(ctx, &rep); err != nil {
		return rep, err
	}
	if err := e.push(ctx, creds, &rep); err != nil {
		return rep, err
	}
	if err := e.pull(ctx, creds, &rep); err != nil {
		return rep, err
	}
	return rep, nil
}

// credentials returns the provider's credentials, or ErrPaused while there
// are none or they are the ones the remote already refused.
func (e *Engine) credentials(ctx context.Context) (session.Credentials, error) {
	creds, err := e.provider.CurrentCredentials(ctx)
	if errors.Is(err, session.ErrUnauthenticated) {
		e.pause(session.Credentials{}, err)
		return session.Credentials{}, fmt.Errorf("%w: %v", ErrPaused, err)
	}
	if err != nil {
		return session.Credentials{}, err
	}

	e.mu.Lock()
	if e.paused && e.rejected != "" && creds.Token == e.rejected {
		e.mu.Unlock()
		return session.Credentials{}, ErrPaused
	}
	resumed := e.paused
	e.paused = false
	e.rejected = ""
	e.mu.Unlock()

	if resumed {
		e.logger.Info("credentials observed, resuming sync", "user", creds.UserID)
		e.emit(Event{Kind: EventResumed})
	}
	return creds, nil
}

// pause stops sync until different credentials appear. rejected, when set,
// is handed back to the provider as invalid.
func (e *Engine) pause(rejected session.Credentials, cause error) {
	e.mu.Lock()
	was := e.paused
	e.paused = true
	if rejected.Token != "" {
		e.rejected = rejected.Token
	}
	e.mu.Unlock()

	if inv, ok := e.provider.(session.Invalidator); ok && rejected.Valid() {
		inv.Invalidate(rejected)
	}
	if !was {
		e.logger.Warn("sync paused, re-authentication required", "reason", cause)
		e.emit(Event{Kind: EventAuthRequired, Err: cause})
	}
}
