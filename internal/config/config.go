// Package config provides configuration management for camproxy using Viper.
// It supports configuration from files, environment variables, and defaults,
// plus the runtime key/value record persisted under the data directory.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultReadTimeout     = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultDrainDelay      = 5 * time.Second
	defaultReleaseDelay    = 2 * time.Second
	defaultInitWaitTimeout = 10 * time.Second
	defaultEncoderStop     = 3 * time.Second
)

// Config holds all static configuration for the application.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	FFmpeg  FFmpegConfig  `mapstructure:"ffmpeg"`
	Driver  DriverConfig  `mapstructure:"driver"`
	Stream  StreamConfig  `mapstructure:"stream"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig holds on-disk state configuration.
type StorageConfig struct {
	// DataDir holds config.json, snapshots/ and picture-hashes.json.
	DataDir string `mapstructure:"data_dir"`
	// WebRoot is served as static files for unmatched routes.
	WebRoot string `mapstructure:"web_root"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	// BinaryPath is the path to the ffmpeg binary (empty = resolve from PATH).
	BinaryPath string `mapstructure:"binary_path"`
	// StopTimeout bounds the drain before the process is force-killed.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// DriverConfig holds cloud driver connection configuration.
type DriverConfig struct {
	// Endpoint is the WebSocket URL of the driver service.
	Endpoint string `mapstructure:"endpoint"`
	// PersistentDir is handed to the driver library for its own state.
	PersistentDir  string        `mapstructure:"persistent_dir"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// StreamConfig holds streaming lifecycle tunables.
type StreamConfig struct {
	// DrainDelay is the grace period after the last subscriber leaves
	// before the encoder and livestream are stopped.
	DrainDelay time.Duration `mapstructure:"drain_delay"`
	// ReleaseDelay is the additional delay before the device is released.
	ReleaseDelay time.Duration `mapstructure:"release_delay"`
	// InitWaitTimeout bounds how long a joining subscriber waits for the
	// init segment before the request fails with 503.
	InitWaitTimeout time.Duration `mapstructure:"init_wait_timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with CAMPROXY_, using underscores for nesting.
// Example: CAMPROXY_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/camproxy")
		v.AddConfigPath("$HOME/.camproxy")
	}

	v.SetEnvPrefix("CAMPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultReadTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.web_root", "./web")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.stop_timeout", defaultEncoderStop)

	v.SetDefault("driver.endpoint", "ws://localhost:3000")
	v.SetDefault("driver.persistent_dir", "")
	v.SetDefault("driver.connect_timeout", 30*time.Second)

	v.SetDefault("stream.drain_delay", defaultDrainDelay)
	v.SetDefault("stream.release_delay", defaultReleaseDelay)
	v.SetDefault("stream.init_wait_timeout", defaultInitWaitTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Stream.DrainDelay <= 0 || c.Stream.ReleaseDelay <= 0 {
		return fmt.Errorf("stream.drain_delay and stream.release_delay must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RecordPath returns the path of the runtime key/value record.
func (c *StorageConfig) RecordPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// SnapshotDir returns the directory snapshots are written to.
func (c *StorageConfig) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// HashPath returns the path of the per-camera picture hash sidecar.
func (c *StorageConfig) HashPath() string {
	return filepath.Join(c.DataDir, "picture-hashes.json")
}

// DriverDir returns the driver's persistent directory, defaulting to a
// subdirectory of the data dir when not set explicitly.
func (c *Config) DriverDir() string {
	if c.Driver.PersistentDir != "" {
		return c.Driver.PersistentDir
	}
	return filepath.Join(c.Storage.DataDir, "driver")
}
