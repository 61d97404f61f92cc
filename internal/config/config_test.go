package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
database: /var/lib/localsync/todo.db
schema_dir: ./schemas
remote:
  url: http://127.0.0.1:8080
auth:
  username: alice
  password: hunter22
sync:
  interval: 10s
  backoff_base: 500ms
  backoff_cap: 30s
  pull_limit: 50
  resolver: remote
metrics:
  addr: 127.0.0.1:9090
server:
  listen: :8080
  token_ttl: 2h
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/localsync/todo.db", cfg.Database)
	assert.Equal(t, "./schemas", cfg.SchemaDir)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Remote.URL)
	assert.Equal(t, "alice", cfg.Auth.Username)
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Sync.BackoffCap)
	assert.Equal(t, 50, cfg.Sync.PullLimit)
	assert.Equal(t, ResolverRemoteWins, cfg.Sync.Resolver)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Addr)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 2*time.Hour, cfg.Server.TokenTTL)
}

func TestParse_EmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("sync:\n  interval: 5s\n"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Sync.Interval)
	assert.Equal(t, DefaultBackoffCap, cfg.Sync.BackoffCap)
	assert.Equal(t, DefaultDatabase, cfg.Database)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown key", "sync:\n  intervall: 5s\n", "field intervall not found"},
		{"bad duration", "sync:\n  interval: soon\n", "parse"},
		{"zero interval", "sync:\n  interval: 0s\n", "sync.interval must be positive"},
		{"cap below base", "sync:\n  backoff_base: 10s\n  backoff_cap: 1s\n", "below sync.backoff_base"},
		{"bad pull limit", "sync:\n  pull_limit: 0\n", "sync.pull_limit"},
		{"bad resolver", "sync:\n  resolver: random\n", `sync.resolver "random"`},
		{"bad url", "remote:\n  url: ftp://example.com\n", "must be an http(s) URL"},
		{"password without user", "auth:\n  password: secret\n", "requires auth.username"},
		{"empty database", "database: \"\"\n", "database is required"},
		{"bad ttl", "server:\n  token_ttl: -1h\n", "server.token_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "localsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: todo.db\n"), 0644))

	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, "todo.db", cfg.Database)

	missing := filepath.Join(dir, "missing.yaml")
	_, err = Load(missing, false)
	require.Error(t, err)

	cfg, err = Load(missing, true)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestMarshal_RoundTripsAndRedacts(t *testing.T) {
	cfg := Default()
	cfg.Auth = Auth{Username: "alice", Password: "hunter22", Token: "tok"}

	data, err := cfg.Redact().Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter22")
	assert.NotContains(t, string(data), "tok\n")
	assert.Contains(t, string(data), "interval: 30s")

	data, err = cfg.Marshal()
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
