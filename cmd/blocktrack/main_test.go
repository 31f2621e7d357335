package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodline/blocktrack/internal/config"
	"github.com/prodline/blocktrack/internal/peer"
	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store/sqlite"
)

// resetFlags clears flag values left over from a previous Execute.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

type cli struct {
	t      *testing.T
	config string
	db     string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "blocktrack.toml")
	require.NoError(t, config.WriteDefault(path))
	return &cli{t: t, config: path, db: filepath.Join(dir, "local.db")}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	resetFlags(rootCmd)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append([]string{"--config", c.config, "--db", c.db, "--log-level", "error"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, "blocktrack %v", args)
	return out
}

func TestBlockLifecycle(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun("block", "add", "-u", "Ivanova", "--number", "1001", "--model", "Model1", "--mac", "aa-bb-cc-dd-ee-ff")
	assert.Contains(t, out, "Added block 1001")

	out = c.mustRun("block", "op", "1001", "-u", "Petrov", "--name", "Flashing", "--at", "2025-03-03T08:00:00Z")
	assert.Contains(t, out, "Recorded Flashing on block 1001")
	assert.Contains(t, out, "in_progress")

	out = c.mustRun("block", "op", "1001", "-u", "Petrov", "--name", "Calibration", "--failed",
		"--error-code", "E42", "--error", "drift", "--at", "2025-03-03T08:05:00Z")
	assert.Contains(t, out, "error")

	out = c.mustRun("block", "list")
	assert.Contains(t, out, "1001")
	assert.Contains(t, out, "Ivanova")
	assert.Contains(t, out, "1 block(s)")

	out = c.mustRun("block", "list", "--status", "completed")
	assert.Contains(t, out, "No blocks.")

	out = c.mustRun("block", "show", "1001")
	assert.Contains(t, out, "AA:BB:CC:DD:EE:FF")
	assert.Contains(t, out, "E42 drift")

	out = c.mustRun("stats")
	assert.Contains(t, out, "Operations: 2")
	assert.Contains(t, out, "Petrov")

	out = c.mustRun("check")
	assert.Contains(t, out, "No problems found")

	out = c.mustRun("block", "delete", "1001", "-u", "Ivanova")
	assert.Contains(t, out, "Deleted block 1001")
	out = c.mustRun("block", "list")
	assert.Contains(t, out, "No blocks.")
}

func TestWritesRequireOperator(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("block", "add", "--number", "1001", "--model", "Model1")
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))
}

func TestAddReportsEveryViolation(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("block", "add", "-u", "Ivanova", "--number", "12a", "--model", "Nope")
	require.Error(t, err)
	var ve *schema.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.HasField("blockNumber"))
	assert.True(t, ve.HasField("modelType"))
}

func TestExportImport(t *testing.T) {
	c := newCLI(t)
	c.mustRun("block", "add", "-u", "Ivanova", "--number", "1001", "--model", "Model1")
	c.mustRun("block", "add", "-u", "Ivanova", "--number", "1002", "--model", "Model2")

	file := filepath.Join(t.TempDir(), "records.yaml")
	out := c.mustRun("export", "--out", file)
	assert.Contains(t, out, "Exported 2 block(s)")

	other := newCLI(t)
	out = other.mustRun("import", "-u", "Petrov", file)
	assert.Contains(t, out, "Imported 2 block(s)")

	_, err := other.run("import", "-u", "Petrov", file)
	require.Error(t, err, "importing the same numbers twice is rejected")
	assert.True(t, schema.IsValidation(err))

	out = other.mustRun("block", "list", "--json")
	assert.Contains(t, out, `"blockNumber": "1001"`)
}

func TestSyncAgainstPeer(t *testing.T) {
	peerStore, err := sqlite.Open(filepath.Join(t.TempDir(), "peer.db"))
	require.NoError(t, err)
	defer peerStore.Close()

	svc := peer.NewService(peerStore, nil)
	ts := httptest.NewServer(peer.NewServer(svc, nil, peer.ServerConfig{Token: "tok"}).Handler())
	defer ts.Close()

	c := newCLI(t)
	t.Setenv("BLOCKTRACK_SYNC_REMOTE_URL", ts.URL)
	t.Setenv("BLOCKTRACK_SYNC_TOKEN", "tok")

	c.mustRun("block", "add", "-u", "Ivanova", "--number", "1001", "--model", "Model1")
	out := c.mustRun("sync")
	assert.Contains(t, out, "sent 1 block(s) 0 op(s)")

	blocks, err := svc.Tracker().GetAllBlocks(context.Background())
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "1001", blocks[0].BlockNumber)

	t.Setenv("BLOCKTRACK_SYNC_TOKEN", "wrong")
	_, err = c.run("sync")
	assert.Error(t, err)
}

func TestSyncWithoutRemote(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("sync")
	assert.ErrorContains(t, err, "sync.remote_url")
}

func TestParseTimeArg(t *testing.T) {
	now := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)

	got, err := parseTimeArg("2025-03-03", false, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTimeArg("2025-03-03", true, now)
	require.NoError(t, err)
	assert.Equal(t, 23, got.Hour())

	got, err = parseTimeArg("yesterday", false, now)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-04", got.Format(time.DateOnly))

	_, err = parseTimeArg("qqq", false, now)
	assert.Error(t, err)
}
