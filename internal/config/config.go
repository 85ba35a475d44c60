package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendMemory   = "memory"
)

// Config holds all configuration for the docbatch server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Source     SourceConfig
	Batch      BatchConfig
	AutoResume AutoResumeConfig
	Archive    ArchiveConfig
}

type ServerConfig struct {
	Port          int
	Env           string
	MigrationsDir string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	Backend    string
	BadgerPath string
}

// SourceConfig points at the government document API and the certificate service.
type SourceConfig struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerMinute int
	Burst             int
	PageSize          int
}

type BatchConfig struct {
	Concurrency int
}

type AutoResumeConfig struct {
	Enabled    bool
	GraceDelay time.Duration
	RoundDelay time.Duration
	MaxRounds  int
	Unbounded  bool
}

type ArchiveConfig struct {
	SyncThreshold int
	Dir           string
	TTL           time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:          envInt("DOCBATCH_PORT", 8080),
			Env:           envString("DOCBATCH_ENV", "development"),
			MigrationsDir: envString("DOCBATCH_MIGRATIONS_DIR", "migrations"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Backend:    envString("STORAGE_BACKEND", BackendPostgres),
			BadgerPath: envString("BADGER_PATH", "data/badger"),
		},
		Source: SourceConfig{
			BaseURL:           os.Getenv("SOURCE_BASE_URL"),
			Token:             os.Getenv("SOURCE_TOKEN"),
			Timeout:           envDuration("SOURCE_TIMEOUT", 60*time.Second),
			RequestsPerMinute: envInt("SOURCE_REQUESTS_PER_MINUTE", 120),
			Burst:             envInt("SOURCE_BURST", 5),
			PageSize:          envInt("SOURCE_PAGE_SIZE", 50),
		},
		Batch: BatchConfig{
			Concurrency: envInt("BATCH_CONCURRENCY", 4),
		},
		AutoResume: AutoResumeConfig{
			Enabled:    envBool("AUTO_RESUME_ENABLED", true),
			GraceDelay: envDuration("AUTO_RESUME_GRACE", 2*time.Second),
			RoundDelay: envDuration("AUTO_RESUME_ROUND_DELAY", 30*time.Second),
			MaxRounds:  envInt("AUTO_RESUME_MAX_ROUNDS", 3),
			Unbounded:  envBool("AUTO_RESUME_UNBOUNDED", false),
		},
		Archive: ArchiveConfig{
			SyncThreshold: envInt("ARCHIVE_SYNC_THRESHOLD", 10),
			Dir:           envString("ARCHIVE_DIR", os.TempDir()),
			TTL:           envDuration("ARCHIVE_TTL", 24*time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is postgres")
		}
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when STORAGE_BACKEND is postgres")
		}
	case BackendBadger:
		if c.Storage.BadgerPath == "" {
			return fmt.Errorf("BADGER_PATH is required when STORAGE_BACKEND is badger")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of postgres, badger, memory; got %q", c.Storage.Backend)
	}

	if c.Source.BaseURL == "" {
		return fmt.Errorf("SOURCE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Source.BaseURL, "http://") && !strings.HasPrefix(c.Source.BaseURL, "https://") {
		return fmt.Errorf("SOURCE_BASE_URL must start with http:// or https://, got %q", c.Source.BaseURL)
	}
	if c.Source.RequestsPerMinute < 1 {
		return fmt.Errorf("SOURCE_REQUESTS_PER_MINUTE must be at least 1, got %d", c.Source.RequestsPerMinute)
	}
	if c.Source.Burst < 1 {
		return fmt.Errorf("SOURCE_BURST must be at least 1, got %d", c.Source.Burst)
	}

	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be at least 1, got %d", c.Batch.Concurrency)
	}

	if c.AutoResume.MaxRounds < 1 || c.AutoResume.MaxRounds > 10 {
		return fmt.Errorf("AUTO_RESUME_MAX_ROUNDS must be between 1 and 10, got %d", c.AutoResume.MaxRounds)
	}

	if c.Archive.SyncThreshold < 0 {
		return fmt.Errorf("ARCHIVE_SYNC_THRESHOLD must not be negative, got %d", c.Archive.SyncThreshold)
	}
	if c.Archive.Dir == "" {
		return fmt.Errorf("ARCHIVE_DIR is required")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
