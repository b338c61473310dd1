// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from an optional .env file, an optional
// config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // embedded zone database

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the maillog service and CLI.
type Config struct {
	// Database
	DBDriver    string // "sqlite" or "postgres"
	DatabaseURL string
	SQLitePath  string

	// Redis; an empty URL disables the line filter and the event queue.
	RedisURL    string
	EventsQueue string
	SeenTTL     time.Duration

	// Ingestion
	LogPath        string
	Year           int    // 0 = current year
	Timezone       string // IANA name or "Local"
	Location       *time.Location
	TxTimeout      time.Duration
	FollowInterval time.Duration

	// Maintenance; 0 disables the periodic deduplicator.
	DedupInterval time.Duration

	// Server
	Port        int
	RecentLimit int
	TopN        int

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
		Path   string `yaml:"path"`
	} `yaml:"database"`
	Redis struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"redis"`
	Ingest struct {
		LogPath  string `yaml:"log_path"`
		Year     int    `yaml:"year"`
		Timezone string `yaml:"timezone"`
	} `yaml:"ingest"`
}

// Load reads .env (ENV_FILE, default ".env") and config.yaml (CONFIG_PATH,
// default "config.yaml") if they exist, then environment variables, and
// validates the result. YAML values win over environment defaults; ${VAR}
// references in the YAML are expanded.
func Load() (*Config, error) {
	envFile := envOrDefault("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	var raw rawConfig
	configPath := envOrDefault("CONFIG_PATH", "config.yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	default:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	cfg := &Config{
		DBDriver:    firstNonEmpty(raw.Database.Driver, envOrDefault("DB_DRIVER", "sqlite")),
		DatabaseURL: firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		SQLitePath:  firstNonEmpty(raw.Database.Path, envOrDefault("SQLITE_PATH", "maillog.db")),

		RedisURL:    firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		EventsQueue: firstNonEmpty(raw.Redis.Queue, os.Getenv("EVENTS_QUEUE")),
		SeenTTL:     envOrDefaultDuration("SEEN_TTL", 24*time.Hour),

		LogPath:        firstNonEmpty(raw.Ingest.LogPath, envOrDefault("MAILLOG_PATH", "/var/log/maillog")),
		Year:           raw.Ingest.Year,
		Timezone:       firstNonEmpty(raw.Ingest.Timezone, envOrDefault("MAILLOG_TZ", "Local")),
		TxTimeout:      envOrDefaultDuration("TX_TIMEOUT", 5*time.Second),
		FollowInterval: envOrDefaultDuration("FOLLOW_INTERVAL", 2*time.Second),

		DedupInterval: envOrDefaultDuration("DEDUP_INTERVAL", time.Hour),

		Port:        envOrDefaultInt("PORT", 8080),
		RecentLimit: envOrDefaultInt("RECENT_LIMIT", 20),
		TopN:        envOrDefaultInt("TOP_N", 10),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "json"),
		LogFile:   os.Getenv("LOG_FILE"),
	}
	if cfg.Year == 0 {
		cfg.Year = envOrDefaultInt("MAILLOG_YEAR", 0)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and resolves Location.
func (cfg *Config) Validate() error {
	switch cfg.DBDriver {
	case "sqlite":
		if cfg.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must be set for the sqlite driver")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want sqlite or postgres)", cfg.DBDriver)
	}

	if cfg.TxTimeout <= 0 {
		return fmt.Errorf("TX_TIMEOUT must be > 0, got %s", cfg.TxTimeout)
	}
	if cfg.FollowInterval <= 0 {
		return fmt.Errorf("FOLLOW_INTERVAL must be > 0, got %s", cfg.FollowInterval)
	}
	if cfg.DedupInterval < 0 {
		return fmt.Errorf("DEDUP_INTERVAL must be >= 0, got %s", cfg.DedupInterval)
	}
	if cfg.Year < 0 {
		return fmt.Errorf("MAILLOG_YEAR must be >= 0, got %d", cfg.Year)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", cfg.Port)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("invalid MAILLOG_TZ %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
