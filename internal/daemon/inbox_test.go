package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/store/sqlite"
	"github.com/prodline/blocktrack/internal/tracker"
)

func setupInbox(t *testing.T) (*Inbox, *tracker.Tracker, string) {
	t.Helper()

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "inbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	tr := tracker.New(st, nil)

	dir := filepath.Join(t.TempDir(), "inbox")
	for _, sub := range []string{"", ProcessedDir, RejectedDir} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}

	in, err := NewInbox(tr, InboxConfig{Dir: dir, Operator: "inbox", Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	return in, tr, dir
}

func writeRecords(t *testing.T, path string, blocks ...*schema.Block) {
	t.Helper()
	require.NoError(t, schema.WriteRecordFile(path, blocks))
}

// countBlocks returns -1 on error so it can run inside Eventually.
func countBlocks(tr *tracker.Tracker) int {
	blocks, err := tr.GetAllBlocks(context.Background())
	if err != nil {
		return -1
	}
	return len(blocks)
}

func TestNewInbox(t *testing.T) {
	_, err := NewInbox(nil, InboxConfig{Dir: "x", Operator: "op"})
	assert.Error(t, err)
	_, err = NewInbox(&tracker.Tracker{}, InboxConfig{Operator: "op"})
	assert.Error(t, err)
	_, err = NewInbox(&tracker.Tracker{}, InboxConfig{Dir: "x"})
	assert.Error(t, err)

	in, err := NewInbox(&tracker.Tracker{}, InboxConfig{Dir: "x", Operator: "op"})
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, in.config.Debounce)
}

func TestProcessFileImports(t *testing.T) {
	in, tr, dir := setupInbox(t)
	path := filepath.Join(dir, "batch.yaml")
	writeRecords(t, path,
		&schema.Block{BlockNumber: "1001", ModelType: "Model1"},
		&schema.Block{BlockNumber: "1002", ModelType: "Model2"},
	)

	require.NoError(t, in.ProcessFile(context.Background(), path))
	assert.Equal(t, 2, countBlocks(tr))

	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(dir, ProcessedDir, "batch.yaml"))
}

func TestProcessFileRejectsInvalidBatch(t *testing.T) {
	in, tr, dir := setupInbox(t)
	path := filepath.Join(dir, "bad.json")
	writeRecords(t, path,
		&schema.Block{BlockNumber: "1001", ModelType: "Model1"},
		&schema.Block{BlockNumber: "12x", ModelType: "Model1"},
	)

	err := in.ProcessFile(context.Background(), path)
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))
	assert.Zero(t, countBlocks(tr), "a rejected file imports nothing")

	assert.NoFileExists(t, path)
	rejected := filepath.Join(dir, RejectedDir, "bad.json")
	assert.FileExists(t, rejected)
	note, err := os.ReadFile(rejected + ".err")
	require.NoError(t, err)
	assert.Contains(t, string(note), "record 2: blockNumber")
}

func TestProcessFileRejectsUnparsable(t *testing.T) {
	in, _, dir := setupInbox(t)
	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	require.Error(t, in.ProcessFile(context.Background(), path))
	assert.FileExists(t, filepath.Join(dir, RejectedDir, "broken.json.err"))
}

func TestDestinationAvoidsOverwrite(t *testing.T) {
	in, _, dir := setupInbox(t)
	existing := filepath.Join(dir, ProcessedDir, "batch.json")
	require.NoError(t, os.WriteFile(existing, []byte("[]"), 0o644))

	dest, err := in.destination(filepath.Join(dir, "batch.json"), ProcessedDir)
	require.NoError(t, err)
	assert.NotEqual(t, existing, dest)
	assert.Equal(t, ".json", filepath.Ext(dest))
	assert.Equal(t, filepath.Join(dir, ProcessedDir), filepath.Dir(dest))
}

func TestInboxRun(t *testing.T) {
	in, tr, dir := setupInbox(t)

	writeRecords(t, filepath.Join(dir, "early.json"), &schema.Block{BlockNumber: "1", ModelType: "Model1"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- in.Run(ctx) }()

	require.Eventually(t, func() bool { return countBlocks(tr) == 1 }, 5*time.Second, 10*time.Millisecond,
		"files waiting before start are imported")

	writeRecords(t, filepath.Join(dir, "late.yml"), &schema.Block{BlockNumber: "2", ModelType: "Model2"})
	require.Eventually(t, func() bool { return countBlocks(tr) == 2 }, 5*time.Second, 10*time.Millisecond,
		"dropped files are imported")

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
	assert.FileExists(t, filepath.Join(dir, ProcessedDir, "early.json"))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, ProcessedDir, "late.yml"))
		return err == nil
	}, time.Second, 10*time.Millisecond)
}
