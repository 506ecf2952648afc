// Package config handles loading and validating the datasource, pool, cache
// and observability configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/dbpool/internal/driver"
)

// DataSourceConfig describes the SQL Server the pool fronts.
type DataSourceConfig struct {
	// URL is the server URL without credentials,
	// e.g. sqlserver://db.internal:1433?database=app
	URL            string            `yaml:"url"`
	User           string            `yaml:"user"`
	Password       string            `yaml:"password"`
	AutoCommit     *bool             `yaml:"auto_commit"`
	Isolation      string            `yaml:"isolation"`
	Properties     map[string]string `yaml:"properties"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	LogStatements  bool              `yaml:"log_statements"`
}

// PoolConfig holds the pool knobs.
type PoolConfig struct {
	Name                  string        `yaml:"name"`
	MaxActive             int           `yaml:"max_active"`
	MaxIdle               int           `yaml:"max_idle"`
	MaxCheckoutTime       time.Duration `yaml:"max_checkout_time"`
	TimeToWait            time.Duration `yaml:"time_to_wait"`
	LocalBadTolerance     int           `yaml:"local_bad_tolerance"`
	PingQuery             string        `yaml:"ping_query"`
	PingEnabled           bool          `yaml:"ping_enabled"`
	PingNotUsedFor        time.Duration `yaml:"ping_not_used_for"`
	DiscardUnrollbackable bool          `yaml:"discard_unrollbackable"`
	DebugLogging          bool          `yaml:"debug_logging"`
}

// CacheConfig holds the query-cache settings.
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ID              string        `yaml:"id"`
	Backend         string        `yaml:"backend"` // "memory" or "redis"
	TTL             time.Duration `yaml:"ttl"`
	BlockingTimeout time.Duration `yaml:"blocking_timeout"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
}

// Config is the root configuration structure.
type Config struct {
	DataSource  DataSourceConfig `yaml:"datasource"`
	Pool        PoolConfig       `yaml:"pool"`
	Cache       CacheConfig      `yaml:"cache"`
	MetricsPort int              `yaml:"metrics_port"`
	HealthPort  int              `yaml:"health_port"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.DataSource.URL == "" {
		return fmt.Errorf("datasource.url is required")
	}
	if c.DataSource.User == "" {
		return fmt.Errorf("datasource.user is required")
	}
	if _, err := driver.ParseIsolation(c.DataSource.Isolation); err != nil {
		return fmt.Errorf("datasource.isolation: %w", err)
	}
	if c.Pool.PingEnabled && c.Pool.PingQuery == "" {
		return fmt.Errorf("pool.ping_query is required when pool.ping_enabled is set")
	}
	if c.Cache.Enabled && c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for the redis backend")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.DataSource.AutoCommit == nil {
		t := true
		c.DataSource.AutoCommit = &t
	}
	if c.DataSource.ConnectTimeout == 0 {
		c.DataSource.ConnectTimeout = 30 * time.Second
	}
	if c.Pool.Name == "" {
		c.Pool.Name = "default"
	}
	if c.Pool.MaxActive == 0 {
		c.Pool.MaxActive = 10
	}
	if c.Pool.MaxIdle == 0 {
		c.Pool.MaxIdle = 5
	}
	if c.Pool.MaxCheckoutTime == 0 {
		c.Pool.MaxCheckoutTime = 20 * time.Second
	}
	if c.Pool.TimeToWait == 0 {
		c.Pool.TimeToWait = 20 * time.Second
	}
	if c.Pool.LocalBadTolerance == 0 {
		c.Pool.LocalBadTolerance = 3
	}
	if c.Cache.ID == "" {
		c.Cache.ID = c.Pool.Name
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Cache.BlockingTimeout == 0 {
		c.Cache.BlockingTimeout = 10 * time.Second
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}
	if c.HealthPort == 0 {
		c.HealthPort = 8080
	}
}
