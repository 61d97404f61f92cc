// Package config loads the localsync YAML configuration file.
//
// Every field has a default, so an empty or missing file yields a usable
// configuration for a signed-out device with no remote. Command-line flags
// override file values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values.
const (
	DefaultDatabase    = "localsync.db"
	DefaultInterval    = 30 * time.Second
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 60 * time.Second
	DefaultPullLimit   = 100
	DefaultListen      = "127.0.0.1:8080"
	DefaultTokenTTL    = time.Hour
	DefaultResolver    = ResolverLastWriterWins
)

// Conflict resolver names.
const (
	ResolverLastWriterWins = "lww"
	ResolverRemoteWins     = "remote"
)

// Config is the complete configuration.
type Config struct {
	// Database is the path of the local SQLite store.
	Database string `yaml:"database" json:"database"`

	// SchemaDir holds .cue record type definitions. Empty uses the built-in
	// Todo schema.
	SchemaDir string `yaml:"schema_dir,omitempty" json:"schema_dir,omitempty"`

	Remote  Remote  `yaml:"remote" json:"remote"`
	Auth    Auth    `yaml:"auth" json:"auth"`
	Sync    Sync    `yaml:"sync" json:"sync"`
	Metrics Metrics `yaml:"metrics" json:"metrics"`
	Server  Server  `yaml:"server" json:"server"`
}

// Remote configures the remote service client.
type Remote struct {
	// URL of the sync server. Empty disables sync.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Auth configures the session provider.
type Auth struct {
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// Token is a pre-issued bearer token, used when no password is set.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`
}

// Sync configures the sync engine.
type Sync struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	PullLimit   int           `yaml:"pull_limit" json:"pull_limit"`
	Resolver    string        `yaml:"resolver" json:"resolver"`
}

// Metrics configures the Prometheus endpoint of `localsync run`.
type Metrics struct {
	// Addr to serve /metrics on. Empty disables the endpoint.
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`
}

// Server configures `localsync serve`.
type Server struct {
	Listen   string        `yaml:"listen" json:"listen"`
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: DefaultDatabase,
		Sync: Sync{
			Interval:    DefaultInterval,
			BackoffBase: DefaultBackoffBase,
			BackoffCap:  DefaultBackoffCap,
			PullLimit:   DefaultPullLimit,
			Resolver:    DefaultResolver,
		},
		Server: Server{
			Listen:   DefaultListen,
			TokenTTL: DefaultTokenTTL,
		},
	}
}

// Load reads the file at path over the defaults. A missing file is an error
// unless optional is true.
func Load(path string, optional bool) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && optional {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field constraints.
func (c Config) Validate() error {
	if c.Database == "" {
		return errors.New("database is required")
	}
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("remote.url %q must be an http(s) URL", c.Remote.URL)
		}
	}
	if c.Auth.Password != "" && c.Auth.Username == "" {
		return errors.New("auth.password requires auth.username")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.BackoffBase <= 0 {
		return fmt.Errorf("sync.backoff_base must be positive, got %s", c.Sync.BackoffBase)
	}
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_cap %s is below sync.backoff_base %s", c.Sync.BackoffCap, c.Sync.BackoffBase)
	}
	if c.Sync.PullLimit <= 0 {
		return fmt.Errorf("sync.pull_limit must be positive, got %d", c.Sync.PullLimit)
	}
	switch c.Sync.Resolver {
	case ResolverLastWriterWins, ResolverRemoteWins:
	default:
		return fmt.Errorf("sync.resolver %q must be %q or %q", c.Sync.Resolver, ResolverLastWriterWins, ResolverRemoteWins)
	}
	if c.Server.TokenTTL <= 0 {
		return fmt.Errorf("server.token_ttl must be positive, got %s", c.Server.TokenTTL)
	}
	return nil
}

// Marshal renders c as YAML. Secrets are included; callers printing a
// config should Redact it first.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf.Bytes(), nil
}

// Redact returns a copy of c with the password and token masked.
func (c Config) Redact() Config {
	if c.Auth.Password != "" {
		c.Auth.Password = "********"
	}
	if c.Auth.Token != "" {
		c.Auth.Token = "********"
	}
	return c
}
