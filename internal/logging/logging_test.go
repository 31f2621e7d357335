package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, flush, err := New(Options{Level: "warn", Console: &buf})
	require.NoError(t, err)

	log.Info("quiet")
	log.Warn("loud", zap.String("peer", "http://peer"))
	flush()

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "http://peer")
}

func TestJSONConsole(t *testing.T) {
	var buf bytes.Buffer
	log, flush, err := New(Options{JSON: true, Console: &buf})
	require.NoError(t, err)

	Named(log, "syncer").Info("cycle complete", zap.Int("sent", 3))
	flush()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "cycle complete", entry["msg"])
	assert.Equal(t, "syncer", entry["logger"])
	assert.Equal(t, float64(3), entry["sent"])
}

func TestFileCopy(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "blocktrack.log")
	log, flush, err := New(Options{Level: "debug", File: path, MaxSizeMB: 1, Console: &buf})
	require.NoError(t, err)

	log.Debug("to both")
	flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to both"`)
	assert.True(t, strings.Contains(buf.String(), "to both"))
}

func TestNamedNil(t *testing.T) {
	assert.NotNil(t, Named(nil, "x"))
}
