package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "blocktrack.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 15*time.Second, cfg.Sync.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Sync.BackoffMax)
	assert.Equal(t, time.Minute, cfg.Sync.CursorOverlap)
	assert.Equal(t, 500*time.Millisecond, cfg.Inbox.Debounce)
	assert.Equal(t, ":3001", cfg.Server.Addr)
	assert.Equal(t, DriverSQLite, cfg.Server.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 50, cfg.Logging.MaxSizeMB)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocktrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
operator: Ivanova
database:
  path: /var/lib/blocktrack/local.db
sync:
  remote_url: http://peer:3001
  interval: 2m
server:
  driver: Postgres
  dsn: postgres://localhost/blocktrack
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "Ivanova", cfg.Operator)
	assert.Equal(t, "/var/lib/blocktrack/local.db", cfg.Database.Path)
	assert.Equal(t, "http://peer:3001", cfg.Sync.RemoteURL)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 15*time.Second, cfg.Sync.Timeout, "unset keys keep defaults")
	assert.Equal(t, DriverPostgres, cfg.Server.Driver)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("BLOCKTRACK_SYNC_INTERVAL", "45s")
	t.Setenv("BLOCKTRACK_SERVER_TOKEN", "abc")
	t.Setenv("BLOCKTRACK_OPERATOR", " Petrov ")

	path := filepath.Join(t.TempDir(), "blocktrack.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\ninterval = \"10s\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Sync.Interval, "environment beats the file")
	assert.Equal(t, "abc", cfg.Server.Token)
	assert.Equal(t, "Petrov", cfg.Operator)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{
			name:   "zero interval",
			mutate: func(c *Config) { c.Sync.Interval = 0 },
			want:   []string{"sync.interval"},
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Server.Driver = DriverPostgres },
			want:   []string{"server.dsn"},
		},
		{
			name:   "unknown driver",
			mutate: func(c *Config) { c.Server.Driver = "oracle" },
			want:   []string{"server.driver"},
		},
		{
			name:   "bad level",
			mutate: func(c *Config) { c.Logging.Level = "chatty" },
			want:   []string{"logging.level"},
		},
		{
			name: "several at once",
			mutate: func(c *Config) {
				c.Database.Path = ""
				c.Sync.CursorOverlap = -time.Second
				c.Inbox.Debounce = 0
			},
			want: []string{"database.path", "sync.cursor_overlap", "inbox.debounce"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			errs := multierr.Errors(err)
			require.Len(t, errs, len(tt.want))
			for i, want := range tt.want {
				assert.Contains(t, errs[i].Error(), want)
			}
		})
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "blocktrack.toml")
	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path), "existing files are not overwritten")

	loaded, err := Load(path)
	require.NoError(t, err)
	want, err := Default()
	require.NoError(t, err)
	want.File = path
	assert.Equal(t, want, loaded)
}

func TestLoadCatalog(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	cat, err := cfg.LoadCatalog()
	require.NoError(t, err)
	assert.True(t, cat.HasOperation("Flashing"))

	path := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(path, []byte(`model_types = ["M9"]`+"\n"), 0o644))
	cfg.Catalog.File = path
	cat, err = cfg.LoadCatalog()
	require.NoError(t, err)
	assert.True(t, cat.HasModelType("M9"))
	assert.False(t, cat.HasModelType("Model1"))
	assert.True(t, cat.HasOperation("Flashing"))
}
