// Package config loads graphwire client and server settings from YAML, with
// environment overrides for the endpoint and credentials.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file configuration.
const (
	EnvEndpoint = "GRAPHWIRE_ENDPOINT"
	EnvUsername = "GRAPHWIRE_USERNAME"
	EnvPassword = "GRAPHWIRE_PASSWORD"
)

// Config is the complete configuration file.
type Config struct {
	Endpoint string `yaml:"endpoint"`

	// RequestTimeout is the per-request deadline. Zero disables it.
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	KeepAlive        time.Duration `yaml:"keepalive_interval"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`

	LogLevel string `yaml:"log_level"`

	Server ServerConfig `yaml:"server"`
}

// ReconnectConfig drives the backoff after an unexpected disconnect.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// ServerConfig configures the reference server started by "graphwire serve".
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	Path      string `yaml:"path"`
	BatchSize int    `yaml:"batch_size"`
	// JournalPath enables journaling of mutating traversals. Empty disables it.
	JournalPath string `yaml:"journal_path"`
	// Username and Password, when set, make the server challenge every
	// connection with status 407.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfig returns a configuration for a local reference server.
func DefaultConfig() Config {
	return Config{
		Endpoint:         "ws://localhost:8182/gremlin",
		RequestTimeout:   30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		KeepAlive:        30 * time.Second,
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		LogLevel: "info",
		Server: ServerConfig{
			Addr:      ":8182",
			Path:      "/gremlin",
			BatchSize: 64,
		},
	}
}

// Load reads the YAML file at path using strict parsing. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("YAML syntax error in config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv loads envFile (if it exists) into the process environment and
// applies the GRAPHWIRE_* overrides. Variables already set in the environment
// win over the file.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	if v := os.Getenv(EnvEndpoint); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv(EnvUsername); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Password = v
	}
	return nil
}

// Validate rejects settings no component can work with.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("config: endpoint is required")
	}
	if c.RequestTimeout < 0 {
		return errors.New("config: request_timeout must not be negative")
	}
	if c.Reconnect.BaseDelay < 0 || c.Reconnect.MaxDelay < 0 {
		return errors.New("config: reconnect delays must not be negative")
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		return errors.New("config: reconnect.base_delay exceeds reconnect.max_delay")
	}
	if c.Server.BatchSize < 0 {
		return errors.New("config: server.batch_size must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log_level %q", s)
}
