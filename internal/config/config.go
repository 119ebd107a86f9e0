// Package config provides configuration management for batchd.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment backends.
const (
	BackendSim = "sim"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Environment EnvironmentConfig `mapstructure:"environment"`
	Etcd        EtcdConfig        `mapstructure:"etcd"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	CORS        CORSConfig        `mapstructure:"cors"`
}

// ServerConfig holds status server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the HTTP server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddress returns the gRPC health server address string.
func (c ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// SchedulerConfig holds the operational limits of the targeting loop.
type SchedulerConfig struct {
	// TickInterval is the pause between two ticks.
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// MaxTargets caps how many targets are worked at once.
	MaxTargets int `mapstructure:"max_targets"`

	// MaxBatches caps the batches scheduled against one target.
	MaxBatches int `mapstructure:"max_batches"`

	// UtilizationCap stops taking on targets once this share of the pool is in use.
	UtilizationCap float64 `mapstructure:"utilization_cap"`

	// LoopBudget bounds the wall time of one tick. Checked between targets.
	LoopBudget time.Duration `mapstructure:"loop_budget"`

	// TuneBudget bounds the wall time of tuning one target.
	TuneBudget time.Duration `mapstructure:"tune_budget"`

	// ExtractOnly skips preparation and schedules single-stage batches.
	ExtractOnly bool `mapstructure:"extract_only"`

	// Helpers are auxiliary tools launched once when not running anywhere.
	Helpers []string `mapstructure:"helpers"`
}

// EnvironmentConfig selects and configures the environment backend.
type EnvironmentConfig struct {
	Backend      string  `mapstructure:"backend"`
	TopologyFile string  `mapstructure:"topology_file"`
	ClockScale   float64 `mapstructure:"clock_scale"`
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Election    string        `mapstructure:"election"`
	LeaseTTL    int           `mapstructure:"lease_ttl"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("BATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	s := c.Scheduler
	switch {
	case s.TickInterval <= 0:
		return fmt.Errorf("scheduler.tick_interval must be positive, got %s", s.TickInterval)
	case s.MaxTargets <= 0:
		return fmt.Errorf("scheduler.max_targets must be positive, got %d", s.MaxTargets)
	case s.MaxBatches <= 0:
		return fmt.Errorf("scheduler.max_batches must be positive, got %d", s.MaxBatches)
	case s.UtilizationCap <= 0 || s.UtilizationCap > 1:
		return fmt.Errorf("scheduler.utilization_cap must be in (0, 1], got %v", s.UtilizationCap)
	}
	if c.Environment.Backend != BackendSim {
		return fmt.Errorf("unknown environment.backend %q", c.Environment.Backend)
	}
	if c.Etcd.Enabled && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints must be set when etcd is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Scheduler
	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.max_targets", 5)
	v.SetDefault("scheduler.max_batches", 60)
	v.SetDefault("scheduler.utilization_cap", 0.95)
	v.SetDefault("scheduler.loop_budget", "10s")
	v.SetDefault("scheduler.tune_budget", "1s")
	v.SetDefault("scheduler.extract_only", false)
	v.SetDefault("scheduler.helpers", []string{"host-manager.js", "program-manager.js"})

	// Environment
	v.SetDefault("environment.backend", BackendSim)
	v.SetDefault("environment.topology_file", "")
	v.SetDefault("environment.clock_scale", 1.0)

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.election", "/batchd/leader")
	v.SetDefault("etcd.lease_ttl", 15)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "batchd:events")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
