package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the factoryetl server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Catalog  CatalogConfig
	Pipeline PipelineConfig
	Archive  ArchiveConfig
}

type ServerConfig struct {
	Port             int
	Env              string
	TriggerRateLimit int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL          string
	JobStatusTTL time.Duration
}

type CatalogConfig struct {
	Path string
}

// PipelineConfig tunes pulling and importing.
type PipelineConfig struct {
	DataDir            string
	ErrorLogDir        string
	LookbackDays       int
	FetchPageSize      int
	ChunkRows          int
	ConnectionCooldown time.Duration
	PullConcurrency    int
}

// Lookback is LookbackDays as a duration.
func (p PipelineConfig) Lookback() time.Duration {
	return time.Duration(p.LookbackDays) * 24 * time.Hour
}

// ArchiveConfig points at an S3-compatible bucket. An empty Endpoint disables archiving.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != ""
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:             envInt("FACTORYETL_PORT", 8080),
			Env:              envString("FACTORYETL_ENV", "development"),
			TriggerRateLimit: envInt("TRIGGER_RATE_LIMIT", 30),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			JobStatusTTL: envDuration("JOB_STATUS_TTL", 30*time.Minute),
		},
		Catalog: CatalogConfig{
			Path: os.Getenv("CATALOG_PATH"),
		},
		Pipeline: PipelineConfig{
			DataDir:            envString("DATA_DIR", "data"),
			ErrorLogDir:        envString("ERROR_LOG_DIR", "error_logs"),
			LookbackDays:       envInt("PULL_LOOKBACK_DAYS", 30),
			FetchPageSize:      envInt("FETCH_PAGE_SIZE", 1_000_000),
			ChunkRows:          envInt("CHUNK_ROWS", 20_000),
			ConnectionCooldown: envDurationSecs("CONNECTION_COOLDOWN_SECS", 180*time.Second),
			PullConcurrency:    envInt("PULL_CONCURRENCY", 4),
		},
		Archive: ArchiveConfig{
			Endpoint:  os.Getenv("ARCHIVE_ENDPOINT"),
			AccessKey: os.Getenv("ARCHIVE_ACCESS_KEY"),
			SecretKey: os.Getenv("ARCHIVE_SECRET_KEY"),
			Bucket:    os.Getenv("ARCHIVE_BUCKET"),
			UseSSL:    envBool("ARCHIVE_USE_SSL", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Catalog.Path == "" {
		return fmt.Errorf("CATALOG_PATH is required")
	}

	if c.Pipeline.LookbackDays <= 0 {
		return fmt.Errorf("PULL_LOOKBACK_DAYS must be positive, got %d", c.Pipeline.LookbackDays)
	}
	if c.Pipeline.FetchPageSize <= 0 {
		return fmt.Errorf("FETCH_PAGE_SIZE must be positive, got %d", c.Pipeline.FetchPageSize)
	}
	if c.Pipeline.ChunkRows <= 0 {
		return fmt.Errorf("CHUNK_ROWS must be positive, got %d", c.Pipeline.ChunkRows)
	}
	if c.Pipeline.ChunkRows > c.Pipeline.FetchPageSize {
		return fmt.Errorf("CHUNK_ROWS (%d) must not exceed FETCH_PAGE_SIZE (%d)", c.Pipeline.ChunkRows, c.Pipeline.FetchPageSize)
	}
	if c.Pipeline.PullConcurrency <= 0 {
		return fmt.Errorf("PULL_CONCURRENCY must be positive, got %d", c.Pipeline.PullConcurrency)
	}

	if c.Archive.Enabled() {
		if strings.HasPrefix(c.Archive.Endpoint, "http://") || strings.HasPrefix(c.Archive.Endpoint, "https://") {
			return fmt.Errorf("ARCHIVE_ENDPOINT must be host[:port] without a scheme, got %q", c.Archive.Endpoint)
		}
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			return fmt.Errorf("ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY are required when ARCHIVE_ENDPOINT is set")
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("ARCHIVE_BUCKET is required when ARCHIVE_ENDPOINT is set")
		}
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

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
