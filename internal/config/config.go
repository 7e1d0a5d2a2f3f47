package config

import (
	"errors"
	"time"
)

// Config represents the hive daemon configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Balancer  BalancerConfig  `mapstructure:"balancer"`
	Migration MigrationConfig `mapstructure:"migration"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Topology  TopologyConfig  `mapstructure:"topology"`
}

// ServerConfig represents the admin HTTP, health and gRPC listeners
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	AdminPort       int           `mapstructure:"admin_port"`
	HealthPort      int           `mapstructure:"health_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DirectoryConfig represents the PostgreSQL database holding the global
// metadata and, unless a dimension overrides it, the directory tables.
type DirectoryConfig struct {
	URI            string        `mapstructure:"uri"`
	MaxConnections int32         `mapstructure:"max_connections"`
	MinConnections int32         `mapstructure:"min_connections"`
	NodeCacheTTL   time.Duration `mapstructure:"node_cache_ttl"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// RedisConfig represents the Redis migration job queue
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	QueueKey string `mapstructure:"queue_key"`
}

// BalancerConfig represents capacity planning parameters
type BalancerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	SafeFillLevel     float64       `mapstructure:"safe_fill_level"`
	EntriesPerRecord  float64       `mapstructure:"entries_per_record"`
	AverageRecordSize float64       `mapstructure:"average_record_size"`
	MoveTimePerRecord time.Duration `mapstructure:"move_time_per_record"`
	MoveTimeOverhead  time.Duration `mapstructure:"move_time_overhead"`
}

// MigrationConfig represents migration execution parameters
type MigrationConfig struct {
	Workers                int           `mapstructure:"workers"`
	QueueSize              int           `mapstructure:"queue_size"`
	MaxMigrationsPerSecond float64       `mapstructure:"max_migrations_per_second"`
	Burst                  int           `mapstructure:"burst"`
	PollTimeout            time.Duration `mapstructure:"poll_timeout"`
	MoveTimeSpacing        float64       `mapstructure:"move_time_spacing"`
	Timeout                time.Duration `mapstructure:"timeout"`
	NodeMaxConnections     int32         `mapstructure:"node_max_connections"`
	NodeMinConnections     int32         `mapstructure:"node_min_connections"`
}

// StatsConfig represents rolling-window counter parameters
type StatsConfig struct {
	Window   time.Duration `mapstructure:"window"`
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Port      int    `mapstructure:"port"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TopologyConfig points at the YAML seed of dimensions, resources and nodes
type TopologyConfig struct {
	Path string `mapstructure:"path"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.AdminPort <= 0 || c.Server.AdminPort > 65535 {
		return errors.New("server.admin_port must be between 1 and 65535")
	}
	if c.Server.HealthPort <= 0 || c.Server.HealthPort > 65535 {
		return errors.New("server.health_port must be between 1 and 65535")
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return errors.New("server.grpc_port must be between 1 and 65535")
	}
	if c.Directory.URI == "" {
		return errors.New("directory.uri is required")
	}
	if c.Directory.MinConnections > c.Directory.MaxConnections {
		return errors.New("directory.min_connections must not exceed directory.max_connections")
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Redis.QueueKey == "" {
		c.Redis.QueueKey = "hive:migrations"
	}
	if c.Balancer.SafeFillLevel <= 0 || c.Balancer.SafeFillLevel > 1 {
		return errors.New("balancer.safe_fill_level must be in (0, 1]")
	}
	if c.Balancer.EntriesPerRecord <= 0 || c.Balancer.AverageRecordSize <= 0 {
		return errors.New("balancer.entries_per_record and balancer.average_record_size must be positive")
	}
	if c.Balancer.Enabled && c.Balancer.Interval <= 0 {
		return errors.New("balancer.interval must be positive when the balancer is enabled")
	}
	if c.Migration.Workers <= 0 {
		return errors.New("migration.workers must be positive")
	}
	if c.Migration.MaxMigrationsPerSecond < 0 {
		return errors.New("migration.max_migrations_per_second must not be negative")
	}
	if c.Stats.Interval <= 0 || c.Stats.Window < c.Stats.Interval {
		return errors.New("stats.window must be at least one stats.interval")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return errors.New("logging.format must be one of: json, console")
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			AdminPort:       8080,
			HealthPort:      8081,
			GRPCPort:        50051,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Directory: DirectoryConfig{
			URI:            "postgres://hive@localhost:5432/hive_global",
			MaxConnections: 20,
			MinConnections: 2,
			NodeCacheTTL:   30 * time.Second,
			HealthInterval: 10 * time.Second,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			QueueKey: "hive:migrations",
		},
		Balancer: BalancerConfig{
			Enabled:           true,
			Interval:          5 * time.Minute,
			SafeFillLevel:     0.75,
			EntriesPerRecord:  1,
			AverageRecordSize: 1,
			MoveTimePerRecord: 10 * time.Millisecond,
			MoveTimeOverhead:  100 * time.Millisecond,
		},
		Migration: MigrationConfig{
			Workers:                4,
			QueueSize:              64,
			MaxMigrationsPerSecond: 2,
			Burst:                  1,
			PollTimeout:            5 * time.Second,
			MoveTimeSpacing:        0,
			Timeout:                5 * time.Minute,
			NodeMaxConnections:     4,
			NodeMinConnections:     0,
		},
		Stats: StatsConfig{
			Window:   5 * time.Minute,
			Interval: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "hive",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
