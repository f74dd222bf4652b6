// Package config provides configuration management for the analysis service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Config holds all configuration for the analysis service.
type Config struct {
	// Server contains the operational HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Computation contains computation service client settings.
	Computation ComputationConfig `mapstructure:"computation"`
	// Events contains Kafka consumer settings for trigger events.
	Events EventsConfig `mapstructure:"events"`
	// Engine contains workflow engine settings.
	Engine EngineConfig `mapstructure:"engine"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// ReadTimeout is the maximum duration for reading a request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing a response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (use environment variable in production).
	Password string `mapstructure:"password"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	// Default is "require" for production security. Use "disable" only for local development.
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 20).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 2).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
}

// ComputationConfig holds computation service client settings.
type ComputationConfig struct {
	// BaseURL is the base URL of the computation service.
	BaseURL string `mapstructure:"base_url"`
	// APIKey authenticates requests to the computation service
	// (loaded from ANALYSIS_COMPUTATION_API_KEY).
	APIKey string `mapstructure:"-"`
	// RequestTimeout is the hard per-attempt deadline for computation calls.
	// Detection runs over many images, so this is on the order of tens of minutes.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MaxAttempts is the attempt ceiling for the detection call when the
	// failure is classified as transient.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffBase is the base delay for retry backoff.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffCap is the maximum retry backoff delay.
	BackoffCap time.Duration `mapstructure:"backoff_cap"`
	// RateLimit is the maximum computation requests per second across all
	// concurrent workflow instances.
	RateLimit float64 `mapstructure:"rate_limit"`
	// RateBurst is the burst size for the rate limiter.
	RateBurst int `mapstructure:"rate_burst"`
}

// EventsConfig holds Kafka consumer settings for inbound trigger events.
type EventsConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// Topic is the topic carrying analysis and recalculation trigger events.
	Topic string `mapstructure:"topic"`
	// GroupID is the consumer group ID.
	GroupID string `mapstructure:"group_id"`
}

// EngineConfig holds workflow engine settings.
type EngineConfig struct {
	// Workers is the number of concurrent instance runners.
	Workers int `mapstructure:"workers"`
	// PollInterval is how often runners poll for due instances.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// LeaseDuration is how long a runner holds a claimed instance before the
	// claim can be reclaimed by another runner after a crash.
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	// MaxRetries is the number of full workflow re-invocations after the
	// first failed attempt.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBackoffBase is the base delay before a workflow re-invocation.
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	// UploadGracePeriod is how long the analysis workflow waits before the
	// detection call, letting client-side image uploads finish.
	UploadGracePeriod time.Duration `mapstructure:"upload_grace_period"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for the metrics endpoint.
	Path string `mapstructure:"path"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ANALYSIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/analysis-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Secrets use mapstructure:"-" and load exclusively from environment variables.
	cfg.Computation.APIKey = os.Getenv("ANALYSIS_COMPUTATION_API_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "analysis")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "analysis_service")
	// Default to "require" for production security. Use ANALYSIS_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)

	// Computation service defaults
	v.SetDefault("computation.base_url", "http://localhost:8000")
	v.SetDefault("computation.request_timeout", "30m")
	v.SetDefault("computation.max_attempts", 3)
	v.SetDefault("computation.backoff_base", "1s")
	v.SetDefault("computation.backoff_cap", "30s")
	v.SetDefault("computation.rate_limit", 5.0)
	v.SetDefault("computation.rate_burst", 5)

	// Events defaults
	v.SetDefault("events.brokers", []string{"localhost:9092"})
	v.SetDefault("events.topic", "case-events")
	v.SetDefault("events.group_id", "analysis-service")

	// Engine defaults
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.poll_interval", "1s")
	v.SetDefault("engine.lease_duration", "2m")
	v.SetDefault("engine.max_retries", 2)
	v.SetDefault("engine.retry_backoff_base", "5s")
	v.SetDefault("engine.upload_grace_period", "1m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	if c.Computation.BaseURL == "" {
		return fmt.Errorf("computation base URL is required")
	}
	if _, err := url.ParseRequestURI(c.Computation.BaseURL); err != nil {
		return fmt.Errorf("invalid computation base URL: %w", err)
	}
	if c.Computation.MaxAttempts <= 0 {
		return fmt.Errorf("computation max_attempts must be positive")
	}
	if c.Computation.RequestTimeout <= 0 {
		return fmt.Errorf("computation request_timeout must be positive")
	}

	if len(c.Events.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required")
	}
	if c.Events.Topic == "" {
		return fmt.Errorf("events topic is required")
	}

	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine workers must be positive")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine max_retries must not be negative")
	}
	if c.Engine.LeaseDuration <= 0 {
		return fmt.Errorf("engine lease_duration must be positive")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
