package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config holds client configuration loaded from environment variables and
// an optional YAML file.
type Config struct {
	URL            string        `yaml:"url"`
	SenderID       string        `yaml:"sender_id"`
	DBPath         string        `yaml:"db_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	CacheCapacity  int           `yaml:"cache_capacity"`
	LogLevel       string        `yaml:"log_level"`
	RelayPort      string        `yaml:"relay_port"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	return Config{
		URL:            envOrDefault("CHAT_URL", "ws://localhost:8080/ws"),
		SenderID:       envOrDefault("CHAT_SENDER_ID", envOrDefault("USER", "me")),
		DBPath:         envOrDefault("DB_PATH", "chatsync.db"),
		ConnectTimeout: envOrDefaultDuration("CONNECT_TIMEOUT", 10*time.Second),
		ReadTimeout:    envOrDefaultDuration("READ_TIMEOUT", 2*time.Minute),
		ReconnectDelay: envOrDefaultDuration("RECONNECT_DELAY", 2*time.Second),
		CacheCapacity:  envOrDefaultInt("CACHE_CAPACITY", 200),
		LogLevel:       envOrDefault("LOG_LEVEL", "info"),
		RelayPort:      envOrDefault("RELAY_PORT", "8080"),
	}
}

// LoadFile overlays the YAML file at path on top of Load. Keys missing from
// the file keep their environment or default values.
func LoadFile(path string) (Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first problem with cfg.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	switch {
	case c.URL == "":
		return fmt.Errorf("%w: url is required", ErrInvalid)
	case err != nil:
		return fmt.Errorf("%w: url: %v", ErrInvalid, err)
	case u.Scheme != "ws" && u.Scheme != "wss":
		return fmt.Errorf("%w: url scheme must be ws or wss, got %q", ErrInvalid, u.Scheme)
	case c.SenderID == "":
		return fmt.Errorf("%w: sender_id is required", ErrInvalid)
	case c.ConnectTimeout <= 0, c.ReadTimeout <= 0, c.ReconnectDelay <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalid)
	case c.CacheCapacity < 0:
		return fmt.Errorf("%w: cache_capacity must not be negative", ErrInvalid)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	return nil
}

// ValidateCache checks only what offline cache maintenance needs, so it
// works without a reachable or even valid server URL.
func (c Config) ValidateCache() error {
	switch {
	case c.DBPath == "":
		return fmt.Errorf("%w: db_path is required", ErrInvalid)
	case c.CacheCapacity < 0:
		return fmt.Errorf("%w: cache_capacity must not be negative", ErrInvalid)
	}
	return nil
}

// Level returns the configured log level, falling back to info.
func (c Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
