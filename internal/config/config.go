package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the PartScout server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Pipeline PipelineConfig
	Progress ProgressConfig
	Credit   CreditConfig
}

type ServerConfig struct {
	Port int
	Env  string
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

type PipelineConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	JobTimeout   time.Duration
}

// ProgressConfig tunes the server side of the progress channel. Client-side
// reconnect behavior is configured by the subscriber via progress.ClientOptions.
type ProgressConfig struct {
	HeartbeatInterval time.Duration
}

type CreditConfig struct {
	JobCost int64
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PARTSCOUT_PORT", 8080),
			Env:  envString("PARTSCOUT_ENV", "development"),
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
		Pipeline: PipelineConfig{
			BaseURL:      os.Getenv("PIPELINE_BASE_URL"),
			APIKey:       os.Getenv("PIPELINE_API_KEY"),
			Timeout:      envDuration("PIPELINE_TIMEOUT", 2*time.Minute),
			MaxRetries:   envInt("PIPELINE_MAX_RETRIES", 2),
			RetryBackoff: envDuration("PIPELINE_RETRY_BACKOFF", 2*time.Second),
			JobTimeout:   envDuration("PIPELINE_JOB_TIMEOUT", 10*time.Minute),
		},
		Progress: ProgressConfig{
			HeartbeatInterval: envDuration("PROGRESS_HEARTBEAT_INTERVAL", 30*time.Second),
		},
		Credit: CreditConfig{
			JobCost: int64(envInt("CREDIT_JOB_COST", 1)),
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

	if c.Pipeline.BaseURL == "" {
		return fmt.Errorf("PIPELINE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Pipeline.BaseURL, "http://") && !strings.HasPrefix(c.Pipeline.BaseURL, "https://") {
		return fmt.Errorf("PIPELINE_BASE_URL must start with http:// or https://, got %q", c.Pipeline.BaseURL)
	}

	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("PIPELINE_MAX_RETRIES must not be negative, got %d", c.Pipeline.MaxRetries)
	}

	if c.Credit.JobCost <= 0 {
		return fmt.Errorf("CREDIT_JOB_COST must be positive, got %d", c.Credit.JobCost)
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
