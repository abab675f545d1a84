// ============================================================================
// fork-scorer Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Loads the system configuration
//
// Sources (later wins):
//   1. Defaults
//   2. YAML file (default: configs/default.yaml)
//   3. .env file, loaded into the process environment if present
//   4. Environment variables:
//        DATABASE_URL
//        FORK_SCORER_STORE_DRIVER        memory | postgres
//        FORK_SCORER_FIXTURES
//        FORK_SCORER_MAX_ACTIVE_FORKS
//        FORK_SCORER_LOGICAL_ONLY
//        FORK_SCORER_AGENT_TIMEOUT       Go duration, e.g. 90s
//        FORK_SCORER_USE_STATIC_WEIGHTS
//        FORK_SCORER_CHUNK_SIZE
//        FORK_SCORER_METRICS_PORT
//        FORK_SCORER_HEALTH_PORT
//        FORK_SCORER_LOG_LEVEL
//        FORK_SCORER_LOG_FORMAT
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete system configuration structure
type Config struct {
	Store struct {
		Driver           string `yaml:"driver"`
		DatabaseURL      string `yaml:"database_url"`
		PrimaryDatabase  string `yaml:"primary_database"`
		SourceDatabase   string `yaml:"source_database"`
		TemplateDatabase string `yaml:"template_database"`
		MaxConns         int32  `yaml:"max_conns"`
		Fixtures         string `yaml:"fixtures"` // memory driver seed file
	} `yaml:"store"`

	Forks struct {
		MaxActive       int           `yaml:"max_active"`
		LogicalOnly     bool          `yaml:"logical_only"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		Retention       time.Duration `yaml:"retention"`
	} `yaml:"forks"`

	Coordinator struct {
		AgentTimeout           time.Duration `yaml:"agent_timeout"`
		UseStaticWeights       bool          `yaml:"use_static_weights"`
		PersistWeightAnalytics bool          `yaml:"persist_weight_analytics"`
		AnalyticsBuffer        int           `yaml:"analytics_buffer"`
	} `yaml:"coordinator"`

	Batch struct {
		ChunkSize   int           `yaml:"chunk_size"`
		ResumeDelay time.Duration `yaml:"resume_delay"`
		ClearAfter  time.Duration `yaml:"clear_after"`
		ExportPath  string        `yaml:"export_path"`
	} `yaml:"batch"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled  bool          `yaml:"enabled"`
		Port     int           `yaml:"port"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"health"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Store.Driver = DriverMemory
	cfg.Store.PrimaryDatabase = "fork_scorer"
	cfg.Store.SourceDatabase = "fork_scorer_source"
	cfg.Store.TemplateDatabase = "fork_scorer_template"
	cfg.Store.MaxConns = 20

	cfg.Forks.MaxActive = 10
	cfg.Forks.CleanupInterval = 30 * time.Minute
	cfg.Forks.Retention = 24 * time.Hour

	cfg.Coordinator.AgentTimeout = 120 * time.Second
	cfg.Coordinator.PersistWeightAnalytics = true
	cfg.Coordinator.AnalyticsBuffer = 256

	// each pair takes one fork per dimension: 2 pairs x 5 dimensions fills the cap
	cfg.Batch.ChunkSize = 2
	cfg.Batch.ResumeDelay = 100 * time.Millisecond
	cfg.Batch.ClearAfter = 24 * time.Hour

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	cfg.Health.Enabled = true
	cfg.Health.Port = 50051
	cfg.Health.Interval = 15 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return &cfg
}

// Load reads the YAML file at path (skipped when empty), then the .env file
// at envFile (skipped when empty or missing), then environment overrides.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.Driver = getEnv("FORK_SCORER_STORE_DRIVER", c.Store.Driver)
	c.Store.Fixtures = getEnv("FORK_SCORER_FIXTURES", c.Store.Fixtures)
	c.Forks.MaxActive = getEnvAsInt("FORK_SCORER_MAX_ACTIVE_FORKS", c.Forks.MaxActive)
	c.Forks.LogicalOnly = getEnvAsBool("FORK_SCORER_LOGICAL_ONLY", c.Forks.LogicalOnly)
	c.Coordinator.UseStaticWeights = getEnvAsBool("FORK_SCORER_USE_STATIC_WEIGHTS", c.Coordinator.UseStaticWeights)
	c.Batch.ChunkSize = getEnvAsInt("FORK_SCORER_CHUNK_SIZE", c.Batch.ChunkSize)
	c.Metrics.Port = getEnvAsInt("FORK_SCORER_METRICS_PORT", c.Metrics.Port)
	c.Health.Port = getEnvAsInt("FORK_SCORER_HEALTH_PORT", c.Health.Port)
	c.Log.Level = getEnv("FORK_SCORER_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("FORK_SCORER_LOG_FORMAT", c.Log.Format)

	if v := os.Getenv("FORK_SCORER_AGENT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: FORK_SCORER_AGENT_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		c.Coordinator.AgentTimeout = d
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for the postgres driver"))
		}
		// forks are cloned from these, so they must not be the pooled primary
		for name, db := range map[string]string{
			"store.source_database":   c.Store.SourceDatabase,
			"store.template_database": c.Store.TemplateDatabase,
		} {
			if db != "" && db == c.Store.PrimaryDatabase {
				errs = append(errs, fmt.Errorf("%s must differ from store.primary_database", name))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Forks.MaxActive <= 0 {
		errs = append(errs, errors.New("forks.max_active must be positive"))
	}
	if c.Coordinator.AgentTimeout <= 0 {
		errs = append(errs, errors.New("coordinator.agent_timeout must be positive"))
	}
	if c.Batch.ChunkSize <= 0 {
		errs = append(errs, errors.New("batch.chunk_size must be positive"))
	} else if need := c.Batch.ChunkSize * len(types.Dimensions); c.Forks.MaxActive > 0 && need > c.Forks.MaxActive {
		errs = append(errs, fmt.Errorf("batch.chunk_size %d needs %d concurrent forks, forks.max_active is %d",
			c.Batch.ChunkSize, need, c.Forks.MaxActive))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// getEnv returns the environment value or defaultValue when unset
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the environment value as an int
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool returns the environment value as a bool
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
