package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/localsync/internal/clock"
	"github.com/roach88/localsync/internal/schema"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - records, outbox, deferred_changes, conflicts, meta
const currentSchemaVersion = 1

const (
	metaClientID = "client_id"
	metaCursor   = "cursor"
)

// ErrClosed is returned by writes issued after Close.
var ErrClosed = errors.New("store is closed")

// IDGenerator assigns ids to new records.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 record ids.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the wall clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator sets the generator for new record ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the durable local record store. Records, the outbox, deferred
// remote changes and the sync cursor live in one SQLite database so every
// local write and its outbox entry commit together.
type Store struct {
	db       *sql.DB
	schemas  *schema.Registry
	clock    clock.Clock
	stamps   *clock.Stamper
	ids      IDGenerator
	logger   *slog.Logger
	clientID string

	mu        sync.Mutex
	closed    bool
	writes    sync.WaitGroup
	listeners map[int]func()
	nextID    int
}

// Open creates or opens the database at path.
//
// The database is configured with:
//   - WAL mode for reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout
//   - foreign key enforcement
//   - a single connection, which serializes every transaction
//
// Outbox rows left IN_FLIGHT by a previous process go back to PENDING.
func Open(path string, schemas *schema.Registry, opts ...Option) (*Store, error) {
	if schemas == nil {
		return nil, fmt.Errorf("open store: schema registry is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store: connect: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{
		db:        db,
		schemas:   schemas,
		clock:     clock.System{},
		ids:       UUIDv7Generator{},
		logger:    slog.Default(),
		listeners: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// init loads or creates the client id, seeds the timestamp stamper and
// recovers rows that were in flight when the last process stopped.
func (s *Store) init(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("init: begin: %w", err)
	}
	defer tx.Rollback()

	clientID, ok, err := getMeta(ctx, tx, metaClientID)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if !ok {
		clientID = uuid.NewString()
		if err := setMeta(ctx, tx, metaClientID, clientID); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}

	var last int64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(COALESCE((SELECT MAX(timestamp) FROM outbox), 0),
		           COALESCE((SELECT MAX(updated_at) FROM records), 0))
	`).Scan(&last)
	if err != nil {
		return fmt.Errorf("init: last timestamp: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE outbox SET state = 'PENDING' WHERE state = 'IN_FLIGHT'`)
	if err != nil {
		return fmt.Errorf("init: recover in-flight: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("recovered in-flight outbox entries", "count", n)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("init: commit: %w", err)
	}

	s.clientID = clientID
	s.stamps = clock.NewStamperAt(s.clock, last)
	return nil
}

// Close refuses new writes, waits for writes already running, then closes the
// database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writes.Wait()
	return s.db.Close()
}

// ClientID returns the id this database uses as mutation origin.
func (s *Store) ClientID() string {
	return s.clientID
}

// Schemas returns the record type registry.
func (s *Store) Schemas() *schema.Registry {
	return s.schemas
}

// Outbox returns the store's mutation outbox.
func (s *Store) Outbox() *Outbox {
	return &Outbox{s: s}
}

// OnOutboxChange registers fn to run after a local write adds or revives
// outbox rows. fn must not block. The returned function unregisters it.
func (s *Store) OnOutboxChange(fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notifyOutboxChange() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// update runs fn in a write transaction. Writes are refused after Close, and
// Close waits for the ones already admitted.
func (s *Store) update(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	s.writes.Add(1)
	s.mu.Unlock()
	defer s.writes.Done()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

// Cursor returns the persisted sync cursor, or "" before the first pull.
func (s *Store) Cursor(ctx context.Context) (string, error) {
	cursor, _, err := getMeta(ctx, s.db, metaCursor)
	if err != nil {
		return "", fmt.Errorf("cursor: %w", err)
	}
	return cursor, nil
}

// Stats summarizes local sync state.
type Stats struct {
	Records   int    `json:"records"`
	Deleted   int    `json:"deleted"`
	Pending   int    `json:"pending"`
	InFlight  int    `json:"in_flight"`
	Failed    int    `json:"failed"`
	Conflicts int    `json:"conflicts"`
	Deferred  int    `json:"deferred"`
	Cursor    string `json:"cursor"`
	ClientID  string `json:"client_id"`
}

// Stats counts records and outbox rows by state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ClientID: s.clientID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM records WHERE deleted = 0),
			(SELECT COUNT(*) FROM records WHERE deleted = 1),
			(SELECT COUNT(*) FROM outbox WHERE state = 'PENDING'),
			(SELECT COUNT(*) FROM outbox WHERE state = 'IN_FLIGHT'),
			(SELECT COUNT(*) FROM outbox WHERE state = 'FAILED'),
			(SELECT COUNT(*) FROM conflicts),
			(SELECT COUNT(*) FROM deferred_changes)
	`).Scan(&st.Records, &st.Deleted, &st.Pending, &st.InFlight, &st.Failed, &st.Conflicts, &st.Deferred)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	st.Cursor, err = s.Cursor(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getMeta(ctx context.Context, q queryer, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, true, nil
}

func setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and checks the schema
// version. Idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
