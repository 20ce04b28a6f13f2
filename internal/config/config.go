// Package config loads the approvald daemon configuration from a YAML file
// with environment variable overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root daemon configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Scanner  ScannerConfig  `yaml:"scanner"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"ssl_mode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
}

// NATSConfig holds the event publisher settings. An empty URL disables
// publishing entirely.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// ScannerConfig controls the escalation scan loop.
type ScannerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Load reads the YAML file at path (when it exists), applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        "approvald",
			Environment: "development",
			LogLevel:    "info",
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "approvals",
			SSLMode: "disable",
		},
		Scanner: ScannerConfig{
			Interval: time.Minute,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Database.Database == "" {
		return nil, fmt.Errorf("database.database is required")
	}
	if cfg.Scanner.Interval <= 0 {
		return nil, fmt.Errorf("scanner.interval must be positive")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Service.LogLevel, "LOG_LEVEL")
	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.Database, "DB_NAME")
	setString(&cfg.Database.SSLMode, "DB_SSL_MODE")
	setString(&cfg.NATS.URL, "NATS_URL")
	setDuration(&cfg.Scanner.Interval, "SCAN_INTERVAL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
