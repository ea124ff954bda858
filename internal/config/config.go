// Package config loads the TOML configuration file and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"PakningChat/internal/backup"
	"PakningChat/internal/completion"
	"PakningChat/internal/persona"
	"PakningChat/internal/retry"
	"PakningChat/internal/storage"
)

// AppDirName is created under the user's home directory
const AppDirName = ".pakningchat"

// APIKeyFallbackEnv are consulted in order when API_KEY is not set
var APIKeyFallbackEnv = []string{"PAKNING_API_KEY", "OPENROUTER_API_KEY"}

// Config holds application configuration
type Config struct {
	DefaultMode string `toml:"default_mode" env:"PAKNING_MODE"`

	API     APIConfig     `toml:"api"`
	Storage StorageConfig `toml:"storage"`
	Backup  BackupConfig  `toml:"backup"`
	Log     LogConfig     `toml:"log"`
	UI      UIConfig      `toml:"ui"`
	Cache   CacheConfig   `toml:"cache"`
}

// APIConfig configures the completion endpoint
type APIConfig struct {
	BaseURL           string        `toml:"base_url" env:"PAKNING_BASE_URL"`
	Key               string        `toml:"key" env:"API_KEY"`
	Model             string        `toml:"model" env:"PAKNING_MODEL"`
	Referer           string        `toml:"referer" env:"PAKNING_REFERER"`
	Title             string        `toml:"title" env:"PAKNING_TITLE"`
	Timeout           time.Duration `toml:"timeout" env:"PAKNING_TIMEOUT"`
	MaxRetries        int           `toml:"max_retries" env:"PAKNING_MAX_RETRIES"`
	RetryBaseDelay    time.Duration `toml:"retry_base_delay" env:"PAKNING_RETRY_BASE_DELAY"`
	HistoryWindow     int           `toml:"history_window" env:"PAKNING_HISTORY_WINDOW"`
	RequestsPerMinute int           `toml:"requests_per_minute" env:"PAKNING_REQUESTS_PER_MINUTE"`
	Stream            bool          `toml:"stream" env:"PAKNING_STREAM"`
}

// StorageConfig selects the persistence adapter
type StorageConfig struct {
	Driver     string `toml:"driver" env:"PAKNING_STORAGE_DRIVER"`
	Path       string `toml:"path" env:"PAKNING_STORAGE_PATH"`
	QuotaBytes int64  `toml:"quota_bytes" env:"PAKNING_STORAGE_QUOTA_BYTES"`
}

// BackupConfig sizes the backup ring and its timer
type BackupConfig struct {
	MaxBackups int           `toml:"max_backups" env:"PAKNING_MAX_BACKUPS"`
	Interval   time.Duration `toml:"interval" env:"PAKNING_BACKUP_INTERVAL"`
}

// LogConfig controls logs, traces and metrics files
type LogConfig struct {
	Dir   string `toml:"dir" env:"PAKNING_LOG_DIR"`
	Debug bool   `toml:"debug" env:"PAKNING_DEBUG"`
}

// UIConfig controls terminal output
type UIConfig struct {
	RenderMarkdown bool `toml:"render_markdown" env:"PAKNING_RENDER_MARKDOWN"`
	Width          int  `toml:"width" env:"PAKNING_WIDTH"`
}

// CacheConfig controls the reply cache
type CacheConfig struct {
	Enabled bool          `toml:"enabled" env:"PAKNING_CACHE_ENABLED"`
	TTL     time.Duration `toml:"ttl" env:"PAKNING_CACHE_TTL"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	return &Config{
		DefaultMode: string(persona.Default),
		API: APIConfig{
			BaseURL:        completion.DefaultBaseURL,
			Model:          completion.DefaultModel,
			Title:          completion.DefaultTitle,
			Timeout:        completion.DefaultTimeout,
			MaxRetries:     retry.DefaultRetries,
			RetryBaseDelay: retry.DefaultBaseDelay,
			Stream:         true,
		},
		Storage: StorageConfig{Driver: storage.DriverSQLite},
		Backup: BackupConfig{
			MaxBackups: backup.DefaultMaxBackups,
			Interval:   5 * time.Minute,
		},
		UI:    UIConfig{RenderMarkdown: true, Width: 80},
		Cache: CacheConfig{Enabled: true, TTL: time.Hour},
	}
}

// AppDir returns ~/.pakningchat
func AppDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, AppDirName), nil
}

// DefaultPath returns ~/.pakningchat/config.toml
func DefaultPath() (string, error) {
	dir, err := AppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads path (or the default path when empty), then applies environment overrides,
// defaults and validation. A missing default file is not an error; a missing explicit
// path is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes path over cfg; keys absent from the file keep their current values
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnvOverrides overlays environment variables on cfg
func (c *Config) ApplyEnvOverrides() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if c.API.Key == "" {
		for _, name := range APIKeyFallbackEnv {
			if v := os.Getenv(name); v != "" {
				c.API.Key = v
				break
			}
		}
	}
	return nil
}

// SetDefaults fills values that depend on the environment, like paths under the app dir
func (c *Config) SetDefaults() error {
	if c.DefaultMode == "" {
		c.DefaultMode = string(persona.Default)
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = completion.DefaultBaseURL
	}
	if c.API.Model == "" {
		c.API.Model = completion.DefaultModel
	}
	if c.API.Title == "" {
		c.API.Title = completion.DefaultTitle
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = storage.DriverSQLite
	}

	needsDir := c.Log.Dir == "" || (c.Storage.Path == "" && c.Storage.Driver != storage.DriverMemory)
	if !needsDir {
		return nil
	}
	dir, err := AppDir()
	if err != nil {
		return err
	}
	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(dir, "logs")
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case storage.DriverSQLite:
			c.Storage.Path = filepath.Join(dir, "pakningchat.db")
		case storage.DriverFile:
			c.Storage.Path = filepath.Join(dir, "data")
		}
	}
	return nil
}

// ValidationError describes one invalid field
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and reports all problems at once
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if _, err := persona.Parse(c.DefaultMode); err != nil {
		add("default_mode", err.Error())
	}

	if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("api.base_url", "must be an http or https URL")
	}
	if c.API.Timeout <= 0 {
		add("api.timeout", "must be positive")
	}
	if c.API.MaxRetries < 0 || c.API.MaxRetries > 10 {
		add("api.max_retries", "must be between 0 and 10")
	}
	if c.API.RetryBaseDelay < 0 {
		add("api.retry_base_delay", "must not be negative")
	}
	if c.API.HistoryWindow < 0 {
		add("api.history_window", "must not be negative")
	}
	if c.API.RequestsPerMinute < 0 {
		add("api.requests_per_minute", "must not be negative")
	}

	switch c.Storage.Driver {
	case storage.DriverSQLite, storage.DriverFile, storage.DriverMemory:
	default:
		add("storage.driver", fmt.Sprintf("unknown driver %q (want sqlite, file or memory)", c.Storage.Driver))
	}
	if c.Storage.QuotaBytes < 0 {
		add("storage.quota_bytes", "must not be negative")
	}

	if c.Backup.MaxBackups < 1 {
		add("backup.max_backups", "must be at least 1")
	}
	if c.Backup.Interval < 0 {
		add("backup.interval", "must not be negative")
	}

	if c.UI.Width < 0 {
		add("ui.width", "must not be negative")
	}
	if c.Cache.TTL < 0 {
		add("cache.ttl", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RetryPolicy converts the api section into a retry policy
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{Retries: c.API.MaxRetries, BaseDelay: c.API.RetryBaseDelay}
}

// StorageOptions converts the storage section into adapter options
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{Driver: c.Storage.Driver, Path: c.Storage.Path, QuotaBytes: c.Storage.QuotaBytes}
}
