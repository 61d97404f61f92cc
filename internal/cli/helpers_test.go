package cli

import (
	"bytes"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localsync/internal/testutil"
)

// testStart is the fake wall time every CLI fixture starts at.
var testStart = time.UnixMilli(1_700_000_000_000)

// cliFixture runs commands against one database with a frozen clock,
// predictable record ids (rec-1, rec-2, ...) and a seeded random source.
type cliFixture struct {
	t      *testing.T
	dir    string
	db     string
	config string
	clock  *testutil.FakeClock
	ids    *testutil.SequenceIDs
	rng    *rand.Rand
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	dir := t.TempDir()
	return &cliFixture{
		t:     t,
		dir:   dir,
		db:    filepath.Join(dir, "localsync.db"),
		clock: testutil.NewFakeClock(testStart),
		ids:   testutil.NewSequenceIDs("rec"),
		rng:   rand.New(rand.NewPCG(1, 2)),
	}
}

// writeConfig writes a config file the fixture passes to every command.
func (f *cliFixture) writeConfig(yaml string) {
	f.t.Helper()
	f.config = filepath.Join(f.dir, "localsync.yaml")
	require.NoError(f.t, os.WriteFile(f.config, []byte(yaml), 0644))
}

// run executes one command and returns its stdout.
func (f *cliFixture) run(args ...string) (string, error) {
	f.t.Helper()
	opts := &RootOptions{
		Clock:  f.clock,
		IDs:    f.ids,
		Rand:   f.rng,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	cmd := newRootCommand(opts)

	args = append(args, "--db", f.db)
	if f.config != "" {
		args = append(args, "--config", f.config)
	}
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

// mustRun is run for commands expected to succeed.
func (f *cliFixture) mustRun(args ...string) string {
	f.t.Helper()
	out, err := f.run(args...)
	require.NoError(f.t, err, "localsync %v", args)
	return out
}

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}
