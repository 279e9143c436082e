// Package config loads application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "BACKOFFICE_"

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	State     StateConfig     `koanf:"state"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Telegram  TelegramConfig  `koanf:"telegram"`
	Auth      AuthConfig      `koanf:"auth"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or text
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MinIdleConns    int           `koanf:"min_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
}

// RedisConfig contains Redis settings.
type RedisConfig struct {
	Addr            string `koanf:"addr"`
	Password        string `koanf:"password"`
	DB              int    `koanf:"db"`
	ConnectAttempts int    `koanf:"connect_attempts"`
}

// StateConfig tunes the two-tier state store.
type StateConfig struct {
	LocalTTL      time.Duration `koanf:"local_ttl"`
	DurableTTL    time.Duration `koanf:"durable_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	DeleteBatch   int64         `koanf:"delete_batch"`
}

// SchedulerConfig tunes the notification scheduler.
type SchedulerConfig struct {
	// RecoveryGrace is how far past its date a notification may be on
	// startup and still be fired late instead of marked failed.
	RecoveryGrace time.Duration `koanf:"recovery_grace"`
}

// TelegramConfig contains the messenger settings.
type TelegramConfig struct {
	Enabled   bool          `koanf:"enabled"`
	BotToken  string        `koanf:"bot_token"`
	RateLimit float64       `koanf:"rate_limit"`
	Timeout   time.Duration `koanf:"timeout"`
}

// AuthConfig contains admin API authentication settings.
type AuthConfig struct {
	// JWTSecret signs operator tokens; empty disables auth (development).
	JWTSecret string `koanf:"jwt_secret"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MinIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectAttempts: 5,
			ConnectTimeout:  time.Minute,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			ConnectAttempts: 5,
		},
		State: StateConfig{
			LocalTTL:      30 * time.Second,
			DurableTTL:    30 * time.Minute,
			SweepInterval: time.Minute,
			DeleteBatch:   200,
		},
		Scheduler: SchedulerConfig{
			RecoveryGrace: 5 * time.Minute,
		},
		Telegram: TelegramConfig{
			RateLimit: 20,
			Timeout:   10 * time.Second,
		},
	}
}

// Load reads configuration from path (optional) and the environment.
// Environment variables use the BACKOFFICE_ prefix with underscores as
// separators, e.g. BACKOFFICE_DATABASE_URL.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return strings.ReplaceAll(key, "_", "."), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is required")
	}

	return &cfg, nil
}
