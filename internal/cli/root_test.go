package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "localsync", cmd.Use)
	assert.Contains(t, cmd.Long, "local-first")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{
		"todo", "put", "get", "query", "delete", "sync", "run",
		"status", "failed", "auth", "serve", "config", "test",
	}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	dbFlag := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "", dbFlag.DefValue)
}

func TestSubcommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	tests := []struct {
		path []string
		flag string
	}{
		{[]string{"todo", "add"}, "priority"},
		{[]string{"todo", "list"}, "pending"},
		{[]string{"put"}, "set"},
		{[]string{"put"}, "json"},
		{[]string{"get"}, "include-deleted"},
		{[]string{"query"}, "where"},
		{[]string{"query"}, "limit"},
		{[]string{"run"}, "metrics-addr"},
		{[]string{"serve"}, "listen"},
		{[]string{"test"}, "update"},
	}
	for _, tt := range tests {
		sub, _, err := cmd.Find(tt.path)
		require.NoError(t, err, "%v", tt.path)
		assert.NotNil(t, sub.Flags().Lookup(tt.flag), "%v --%s", tt.path, tt.flag)
	}

	authCmd, _, err := cmd.Find([]string{"auth", "signin"})
	require.NoError(t, err)
	userFlag := authCmd.InheritedFlags().Lookup("username")
	require.NotNil(t, userFlag)
	assert.Equal(t, "u", userFlag.Shorthand)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	f := newCLIFixture(t)

	_, err := f.run("--format", "invalid", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigErrors(t *testing.T) {
	f := newCLIFixture(t)
	f.writeConfig("bogus: 1\n")

	_, err := f.run("status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, CodeCommand, ErrorCode(err))

	f.config = filepath.Join(f.dir, "missing.yaml")
	_, err = f.run("status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	f := newCLIFixture(t)
	f.writeConfig(`
remote:
  url: http://127.0.0.1:9000
auth:
  username: alice
  password: secret123
`)

	out := f.mustRun("config", "show")
	assert.Contains(t, out, "url: http://127.0.0.1:9000")
	assert.Contains(t, out, "username: alice")
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "secret123")
	assert.Contains(t, out, "database: "+f.db)

	out = f.mustRun("config", "show", "--format", "json")
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Auth struct {
				Username string `json:"username"`
				Password string `json:"password"`
			} `json:"auth"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "alice", resp.Data.Auth.Username)
	assert.Equal(t, "********", resp.Data.Auth.Password)
}

func TestExecute(t *testing.T) {
	db := filepath.Join(t.TempDir(), "localsync.db")

	t.Run("success", func(t *testing.T) {
		stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
		code := Execute(context.Background(), []string{"todo", "add", "--name", "x", "--priority", "LOW", "--db", db}, stdout, stderr)
		assert.Equal(t, ExitSuccess, code, stderr.String())
		assert.Contains(t, stdout.String(), "Name: x")
	})

	t.Run("text error goes to stderr", func(t *testing.T) {
		stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
		code := Execute(context.Background(), []string{"get", "missing", "--db", db}, stdout, stderr)
		assert.Equal(t, ExitFailure, code)
		assert.Empty(t, stdout.String())
		assert.Contains(t, stderr.String(), "Error [E002]:")
	})

	t.Run("json error goes to stdout", func(t *testing.T) {
		stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
		code := Execute(context.Background(), []string{"get", "missing", "--db", db, "--format", "json"}, stdout, stderr)
		assert.Equal(t, ExitFailure, code)

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeNotFound, resp.Error.Code)
	})

	t.Run("command error", func(t *testing.T) {
		stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
		code := Execute(context.Background(), []string{"failed", "retry", "x", "--db", db}, stdout, stderr)
		assert.Equal(t, ExitCommandError, code)
		assert.Contains(t, stderr.String(), "Error [E007]:")
	})
}
