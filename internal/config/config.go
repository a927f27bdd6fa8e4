package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment variables (optionally from a .env file) override
// selected keys after the file is read.

const envPrefix = "HOWBEHIND_"

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// LoggingConfig selects log verbosity and output format.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format" json:"format"`
}

// RedisConfig configures the Redis profile store.
type RedisConfig struct {
	// Host may carry the port ("localhost:6379"), in which case Port is 0.
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	Password     string `yaml:"password" json:"password"`
	DB           int    `yaml:"db" json:"db"`
	PoolSize     int    `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns" json:"min_idle_conns"`
	DialTimeout  string `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  string `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout" json:"write_timeout"`
}

// SQLiteConfig configures the SQLite profile store.
type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// StorageConfig selects the profile store backend.
type StorageConfig struct {
	// Type is one of "memory", "redis", "sqlite".
	Type   string       `yaml:"type" json:"type"`
	Redis  RedisConfig  `yaml:"redis" json:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite" json:"sqlite"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone in which timetable days and times are
	// interpreted (e.g. "Australia/Brisbane").
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart controls which weekday starts the week. A user with no
	// watermark starts accumulating from the start of the current week.
	// Supported values:
	//   - "monday" (default)
	//   - "sunday"
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *") on
	// which every active user's feed is reloaded.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays / LookbackDays bound recurring-event expansion around now.
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`
	LookbackDays int `yaml:"lookback_days" json:"lookback_days"`

	// FetchTimeout bounds a single feed request (Go duration string).
	FetchTimeout string `yaml:"fetch_timeout" json:"fetch_timeout"`

	// RelayURL, if set, is prefixed to the escaped feed URL.
	RelayURL string `yaml:"relay_url" json:"relay_url"`

	// FetchCacheSize is the number of feed bodies kept for revalidation.
	FetchCacheSize int `yaml:"fetch_cache_size" json:"fetch_cache_size"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Australia/Brisbane"
	}
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		c.WeekStart = "monday"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 14
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 14
	}
	if _, err := time.ParseDuration(c.FetchTimeout); err != nil {
		c.FetchTimeout = "20s"
	}
	if c.FetchCacheSize <= 0 {
		c.FetchCacheSize = 256
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	switch c.Storage.Type {
	case "memory", "redis", "sqlite":
	default:
		c.Storage.Type = "sqlite"
	}
	r := &c.Storage.Redis
	if r.Host == "" {
		r.Host = "localhost"
		if r.Port == 0 {
			r.Port = 6379
		}
	}
	if r.PoolSize <= 0 {
		r.PoolSize = 10
	}
	if r.MinIdleConns <= 0 {
		r.MinIdleConns = 2
	}
	if r.DialTimeout == "" {
		r.DialTimeout = "5s"
	}
	if r.ReadTimeout == "" {
		r.ReadTimeout = "3s"
	}
	if r.WriteTimeout == "" {
		r.WriteTimeout = "3s"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "howbehind.db"
	}
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// FetchTimeoutDuration returns FetchTimeout as a duration.
func (c *Config) FetchTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.FetchTimeout)
	if err != nil {
		return 20 * time.Second
	}
	return d
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// In both cases HOWBEHIND_* environment variables are then applied. A .env
// file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.applyEnv()
				return cfg, err
			}
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	cfg.applyEnv()

	return &cfg, nil
}

// applyEnv overrides file values with environment variables. Overrides are
// not written back by Save unless the caller saves explicitly.
func (c *Config) applyEnv() {
	c.Listen = getEnv(envPrefix+"LISTEN", c.Listen)
	c.Timezone = getEnv(envPrefix+"TIMEZONE", c.Timezone)
	c.RelayURL = getEnv(envPrefix+"RELAY_URL", c.RelayURL)
	c.Logging.Level = getEnv(envPrefix+"LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv(envPrefix+"LOG_FORMAT", c.Logging.Format)
	c.Storage.Type = getEnv(envPrefix+"STORAGE", c.Storage.Type)
	c.Storage.SQLite.Path = getEnv(envPrefix+"SQLITE_PATH", c.Storage.SQLite.Path)
	c.Storage.Redis.Password = getEnv(envPrefix+"REDIS_PASSWORD", c.Storage.Redis.Password)
	c.Storage.Redis.DB = getEnvInt(envPrefix+"REDIS_DB", c.Storage.Redis.DB)
	if addr := os.Getenv(envPrefix + "REDIS_ADDR"); addr != "" {
		c.Storage.Redis.Host = addr
		c.Storage.Redis.Port = 0
	}
	if user, pass := os.Getenv(envPrefix+"AUTH_USER"), os.Getenv(envPrefix+"AUTH_PASSWORD"); user != "" && pass != "" {
		c.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
	}
	c.Normalize()
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".howbehind-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
