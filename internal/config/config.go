// Package config loads and validates frontier configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/policy"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Frontier FrontierConfig `mapstructure:"frontier"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Backend   string `mapstructure:"backend"`
	BatchSize int    `mapstructure:"batch_size"`
}

// PostgresConfig controls the Postgres store.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SQLiteConfig controls the SQLite store.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig controls the Redis store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// FrontierConfig governs reclaim, retention and priority.
type FrontierConfig struct {
	StaleAfter    time.Duration     `mapstructure:"stale_after"`
	ReapInterval  time.Duration     `mapstructure:"reap_interval"`
	Retention     time.Duration     `mapstructure:"retention"`
	PriorityRules []policy.RuleSpec `mapstructure:"priority_rules"`
}

// WorkerConfig controls the worker pool.
type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	StopWhenDrained bool          `mapstructure:"stop_when_drained"`
	Retry           RetryConfig   `mapstructure:"retry"`
}

// RetryConfig tunes backoff for store-unavailable errors.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// KafkaConfig configures link intake.
type KafkaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	GroupID       string        `mapstructure:"group_id"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Load builds a Config from an optional .env file, an optional config file and
// FRONTIER_* environment variables.
func Load(path string) (Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("FRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadDotEnv exports variables from the given files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 8<<20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.batch_size", 1000)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.table", "frontier_entries")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 0)
	v.SetDefault("postgres.max_conn_lifetime", "30m")
	v.SetDefault("postgres.auto_migrate", true)
	v.SetDefault("sqlite.path", "frontier.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "frontier")
	v.SetDefault("frontier.stale_after", "10m")
	v.SetDefault("frontier.reap_interval", "1m")
	v.SetDefault("frontier.retention", "0s")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "500ms")
	v.SetDefault("worker.stop_when_drained", false)
	v.SetDefault("worker.retry.max_attempts", 5)
	v.SetDefault("worker.retry.base_delay", "250ms")
	v.SetDefault("worker.retry.max_delay", "5s")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "frontier.links")
	v.SetDefault("kafka.group_id", "url-frontier")
	v.SetDefault("kafka.batch_size", 500)
	v.SetDefault("kafka.flush_interval", "1s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn must be set for the postgres backend")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path must be set for the sqlite backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, postgres, sqlite, redis", c.Store.Backend)
	}
	if c.Store.BatchSize <= 0 {
		return fmt.Errorf("store.batch_size must be > 0")
	}
	if c.Frontier.StaleAfter <= 0 {
		return fmt.Errorf("frontier.stale_after must be > 0")
	}
	if c.Frontier.ReapInterval <= 0 {
		return fmt.Errorf("frontier.reap_interval must be > 0")
	}
	if c.Frontier.Retention < 0 {
		return fmt.Errorf("frontier.retention must be >= 0")
	}
	if _, err := c.PriorityPolicy(); err != nil {
		return fmt.Errorf("frontier.priority_rules: %w", err)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" || c.Kafka.GroupID == "" {
			return fmt.Errorf("kafka.brokers, kafka.topic and kafka.group_id must be set when kafka is enabled")
		}
	}
	return nil
}

// PriorityPolicy builds the configured priority policy: the rule policy when
// rules are present, otherwise depth ordering.
func (c Config) PriorityPolicy() (policy.PriorityPolicy, error) {
	if len(c.Frontier.PriorityRules) == 0 {
		return policy.DepthPolicy{}, nil
	}
	return policy.NewRulePolicy(c.Frontier.PriorityRules, policy.DepthPolicy{})
}
