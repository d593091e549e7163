// Package config loads the service configuration from a YAML file with
// environment-variable overrides. Unset options fall back to documented
// defaults, so an empty file (or no file at all) yields a runnable
// local-only configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Server holds the HTTP listener options.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Sessions holds session lifetime options.
type Sessions struct {
	DurationHours        int `yaml:"duration_hours"`
	CleanupIntervalHours int `yaml:"cleanup_interval_hours"`
}

// RateLimit holds request throttling options. Limits are written as
// "<count>/<window>" where window is one of minute, hour, day.
type RateLimit struct {
	Login  string `yaml:"login"`
	Global string `yaml:"global"`
}

// Storage selects and configures the object backend.
type Storage struct {
	Backend              string `yaml:"backend"` // "local" or "s3"
	Path                 string `yaml:"path"`    // local backend base directory
	Bucket               string `yaml:"bucket"`
	Endpoint             string `yaml:"endpoint"`
	Region               string `yaml:"region"`
	AccessKey            string `yaml:"access_key"`
	SecretKey            string `yaml:"secret_key"`
	VersioningEnabled    bool   `yaml:"versioning_enabled"`
	MaxVersionsPerObject int    `yaml:"max_versions_per_object"`
}

// DB configures the metadata database. The service runs on SQLite; host,
// port, user and password are accepted for forward compatibility with a
// client-server deployment but are not used by the embedded driver.
type DB struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Name           string `yaml:"name"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	MinConnections int    `yaml:"min_connections"`
	MaxConnections int    `yaml:"max_connections"`
}

// Hooks configures the integration hook dispatcher.
type Hooks struct {
	Async     bool `yaml:"async"`
	QueueSize int  `yaml:"queue_size"`
}

// Audit configures audit log retention.
type Audit struct {
	RetentionDays int `yaml:"retention_days"`
}

// Config is the root configuration.
type Config struct {
	DataDir   string    `yaml:"data_dir"`
	LogLevel  string    `yaml:"log_level"`
	Server    Server    `yaml:"server"`
	Sessions  Sessions  `yaml:"sessions"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Storage   Storage   `yaml:"storage"`
	DB        DB        `yaml:"db"`
	Hooks     Hooks     `yaml:"hooks"`
	Audit     Audit     `yaml:"audit"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		LogLevel: "info",
		Server:   Server{Host: "0.0.0.0", Port: 8080},
		Sessions: Sessions{DurationHours: 24, CleanupIntervalHours: 1},
		RateLimit: RateLimit{
			Login:  "5/minute",
			Global: "200/day",
		},
		Storage: Storage{
			Backend:              "local",
			Path:                 "data/storage",
			Region:               "us-east-1",
			VersioningEnabled:    true,
			MaxVersionsPerObject: 10,
		},
		DB:    DB{Name: "metadata", MinConnections: 2, MaxConnections: 10},
		Hooks: Hooks{Async: true, QueueSize: 1000},
		Audit: Audit{RetentionDays: 365},
	}
}

// Load reads path (if non-empty and existing), applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ARKIV_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARKIV_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("ARKIV_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("ARKIV_S3_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("ARKIV_S3_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
}

// Validate checks the closed option set.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("config: storage.backend must be local or s3, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.Bucket == "" {
		return fmt.Errorf("config: storage.bucket is required for the s3 backend")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range: %d", c.Server.Port)
	}
	if c.Sessions.DurationHours <= 0 {
		return fmt.Errorf("config: sessions.duration_hours must be positive")
	}
	if c.Storage.MaxVersionsPerObject < 1 {
		return fmt.Errorf("config: storage.max_versions_per_object must be at least 1")
	}
	if c.DB.MaxConnections < c.DB.MinConnections {
		return fmt.Errorf("config: db.max_connections < db.min_connections")
	}
	if _, _, err := ParseRate(c.RateLimit.Login); err != nil {
		return fmt.Errorf("config: rate_limit.login: %w", err)
	}
	if _, _, err := ParseRate(c.RateLimit.Global); err != nil {
		return fmt.Errorf("config: rate_limit.global: %w", err)
	}
	return nil
}

// ParseRate parses "<count>/<window>" into a count and a window in seconds.
func ParseRate(s string) (count, windowSeconds int, err error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed rate %q", s)
	}
	count, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || count <= 0 {
		return 0, 0, fmt.Errorf("malformed rate count %q", s)
	}
	switch strings.TrimSpace(parts[1]) {
	case "second":
		windowSeconds = 1
	case "minute":
		windowSeconds = 60
	case "hour":
		windowSeconds = 3600
	case "day":
		windowSeconds = 86400
	default:
		return 0, 0, fmt.Errorf("malformed rate window %q", s)
	}
	return count, windowSeconds, nil
}
