// Package config loads blocktrack settings from defaults, an optional
// config file and BLOCKTRACK_* environment variables, in that order of
// precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/prodline/blocktrack/internal/schema"
)

// EnvPrefix prefixes every environment override, e.g. BLOCKTRACK_SYNC_INTERVAL.
const EnvPrefix = "BLOCKTRACK"

// Server backends.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config is the full set of settings.
type Config struct {
	// Operator is the default acting operator for CLI writes.
	Operator string `mapstructure:"operator"`

	Database DatabaseConfig `mapstructure:"database"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Inbox    InboxConfig    `mapstructure:"inbox"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// DatabaseConfig locates the local embedded store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// CatalogConfig points at an optional TOML catalog override.
type CatalogConfig struct {
	File string `mapstructure:"file"`
}

// SyncConfig controls the client side of the sync protocol.
type SyncConfig struct {
	RemoteURL     string        `mapstructure:"remote_url"`
	Token         string        `mapstructure:"token"`
	Interval      time.Duration `mapstructure:"interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	CursorOverlap time.Duration `mapstructure:"cursor_overlap"`
}

// InboxConfig controls the import inbox. An empty Dir disables it.
type InboxConfig struct {
	Dir      string        `mapstructure:"dir"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// ServerConfig controls the remote peer.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Token  string `mapstructure:"token"`
}

// LoggingConfig controls the zap logger and its rotating file.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	JSON       bool   `mapstructure:"json"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// defaults maps every key to its default. Every key must be listed so
// environment overrides reach Unmarshal.
func defaults() map[string]any {
	return map[string]any{
		"operator":             "",
		"database.path":        "blocktrack.db",
		"catalog.file":         "",
		"sync.remote_url":      "",
		"sync.token":           "",
		"sync.interval":        "30s",
		"sync.timeout":         "15s",
		"sync.backoff_max":     "5m",
		"sync.cursor_overlap":  "1m",
		"inbox.dir":            "",
		"inbox.debounce":       "500ms",
		"server.addr":          ":3001",
		"server.driver":        DriverSQLite,
		"server.dsn":           "",
		"server.token":         "",
		"logging.level":        "info",
		"logging.file":         "",
		"logging.json":         false,
		"logging.max_size_mb":  50,
		"logging.max_backups":  3,
		"logging.max_age_days": 28,
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() (*Config, error) {
	return decode(newViper())
}

// Load reads path, or when path is empty looks for blocktrack.{yaml,toml}
// in the working directory and then in $HOME/.blocktrack. A missing file
// is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("blocktrack")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".blocktrack"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.File = v.ConfigFileUsed()
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Server.Driver = strings.ToLower(strings.TrimSpace(cfg.Server.Driver))
	cfg.Operator = strings.TrimSpace(cfg.Operator)
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.Database.Path == "" {
		err = multierr.Append(err, errors.New("database.path is required"))
	}
	if c.Sync.Interval <= 0 {
		err = multierr.Append(err, fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval))
	}
	if c.Sync.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("sync.timeout must be positive, got %s", c.Sync.Timeout))
	}
	if c.Sync.BackoffMax <= 0 {
		err = multierr.Append(err, fmt.Errorf("sync.backoff_max must be positive, got %s", c.Sync.BackoffMax))
	}
	if c.Sync.CursorOverlap < 0 {
		err = multierr.Append(err, fmt.Errorf("sync.cursor_overlap must not be negative, got %s", c.Sync.CursorOverlap))
	}
	if c.Inbox.Debounce <= 0 {
		err = multierr.Append(err, fmt.Errorf("inbox.debounce must be positive, got %s", c.Inbox.Debounce))
	}

	switch c.Server.Driver {
	case DriverSQLite:
	case DriverPostgres, DriverMySQL:
		if c.Server.DSN == "" {
			err = multierr.Append(err, fmt.Errorf("server.dsn is required for driver %s", c.Server.Driver))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("server.driver must be sqlite, postgres or mysql, got %q", c.Server.Driver))
	}

	if _, lerr := zapcore.ParseLevel(c.Logging.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("logging.level: %w", lerr))
	}
	return err
}

// LoadCatalog returns the catalog named by catalog.file, or the built-in
// one.
func (c *Config) LoadCatalog() (*schema.Catalog, error) {
	if c.Catalog.File == "" {
		return schema.DefaultCatalog(), nil
	}
	return schema.LoadCatalog(c.Catalog.File)
}

// WriteDefault writes a TOML config file holding every key with its
// default value. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	tables := make(map[string]any)
	for key, value := range defaults() {
		section, name, ok := strings.Cut(key, ".")
		if !ok {
			tables[key] = value
			continue
		}
		t, _ := tables[section].(map[string]any)
		if t == nil {
			t = make(map[string]any)
			tables[section] = t
		}
		t[name] = value
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(tables); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Close()
}
