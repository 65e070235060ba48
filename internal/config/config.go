// Package config loads fleet configuration from environment variables
// with the FLEET_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration settings shared by the fleet binaries.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Dispatcher    DispatcherConfig
	Waits         WaitsConfig
	Agents        AgentsConfig
	Archive       ArchiveConfig
	Operator      OperatorConfig
	Log           LogConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP and metrics server settings.
type ServerConfig struct {
	// HTTPPort serves the agent channel endpoint and health checks (default: 8080)
	HTTPPort int
	// MetricsPort serves Prometheus metrics (default: 9090)
	MetricsPort int
	// ShutdownTimeout is the graceful shutdown timeout (default: 30s)
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string
	// MaxConns is the maximum number of pooled connections (default: 25)
	MaxConns int
	// MinConns is the number of connections kept open (default: 5)
	MinConns int
	// ConnMaxLifetime is the maximum connection lifetime (default: 1h)
	ConnMaxLifetime time.Duration
	// StatementTimeout aborts server-side statements running longer (default: 30s, 0 disables)
	StatementTimeout time.Duration
	// MigrateOnStart applies pending migrations at startup (default: true)
	MigrateOnStart bool
}

// DispatcherConfig holds command dispatcher settings.
type DispatcherConfig struct {
	// Enabled runs the dispatcher in this instance (default: true)
	Enabled bool
	// PollDelay is the delay between cycles (default: 2s)
	PollDelay time.Duration
	// ErrorDelay is the delay after a failed cycle (default: 1m)
	ErrorDelay time.Duration
	// BatchSize is the number of commands locked per batch (default: 10)
	BatchSize int
}

// WaitsConfig holds wait condition resolver settings.
type WaitsConfig struct {
	// Enabled runs the resolver in this instance (default: true)
	Enabled bool
	// PollDelay is the delay between cycles (default: 5s)
	PollDelay time.Duration
	// ErrorDelay is the delay after a failed cycle (default: 30s)
	ErrorDelay time.Duration
	// PollLimit is the number of waiting processes loaded per page (default: 100)
	PollLimit int
	// StatusQueryLimit caps the ids per status query (default: 1000)
	StatusQueryLimit int
}

// AgentsConfig holds agent host connection pool settings.
type AgentsConfig struct {
	// Hosts are the agent host addresses, comma separated (host:port)
	Hosts []string
	// ConnectAttempts is the number of connect and ping attempts per host (default: 3)
	ConnectAttempts int
	// ConnectRetryDelay is the delay between attempts (default: 5s)
	ConnectRetryDelay time.Duration
	// AcquireTimeout bounds how long a borrower waits (default: 30s)
	AcquireTimeout time.Duration
	// PingTimeout bounds a single health check (default: 5s)
	PingTimeout time.Duration
	// CancelTimeout bounds the best-effort cancel on teardown (default: 10s)
	CancelTimeout time.Duration
	// MaxConnections caps live connections, 0 means one per host (default: 0)
	MaxConnections int
}

// ArchiveConfig holds command archiving settings.
type ArchiveConfig struct {
	// Enabled exports sent commands to object storage (default: false)
	Enabled bool
	// Interval is the delay between archive runs (default: 1m)
	Interval time.Duration
	// Retention is how long sent commands stay in the database (default: 24h)
	Retention time.Duration
	// BatchSize is the number of commands per archive object (default: 500)
	BatchSize int
	// Compress writes zstd-compressed objects (default: true)
	Compress bool
	// Endpoint is the S3/MinIO endpoint (required when enabled)
	Endpoint string
	// Bucket is the bucket name (required when enabled)
	Bucket string
	// Region is the bucket region (default: us-east-1)
	Region string
	// AccessKeyID is the access key (required when enabled)
	AccessKeyID string
	// SecretAccessKey is the secret key (required when enabled)
	SecretAccessKey string
	// UseSSL enables TLS (default: true)
	UseSSL bool
}

// OperatorConfig holds agent pool operator settings.
type OperatorConfig struct {
	// PoolsFile is the YAML file with agent pool definitions
	PoolsFile string
	// PollDelay is the delay between reconcile cycles (default: 5s)
	PollDelay time.Duration
	// ErrorDelay is the delay after a failed cycle (default: 10s)
	ErrorDelay time.Duration
	// DockerHost overrides the Docker daemon address (default: environment)
	DockerHost string
	// Network is the Docker network agent containers join
	Network string
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level: debug, info, warn, error (default: info)
	Level string
	// Format is the log format: json, console (default: json)
	Format string
}

// ObservabilityConfig holds tracing settings.
type ObservabilityConfig struct {
	// TracingEnabled enables OpenTelemetry tracing (default: false)
	TracingEnabled bool
	// TracingEndpoint is the OTLP/HTTP collector endpoint
	TracingEndpoint string
	// TracingInsecure disables TLS to the collector (default: true)
	TracingInsecure bool
	// TracingSampleRate is the sampling rate (default: 1.0)
	TracingSampleRate float64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:        getEnvInt("FLEET_HTTP_PORT", 8080),
			MetricsPort:     getEnvInt("FLEET_METRICS_PORT", 9090),
			ShutdownTimeout: getEnvDuration("FLEET_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:              getEnv("FLEET_DATABASE_URL", ""),
			MaxConns:         getEnvInt("FLEET_DATABASE_MAX_CONNS", 25),
			MinConns:         getEnvInt("FLEET_DATABASE_MIN_CONNS", 5),
			ConnMaxLifetime:  getEnvDuration("FLEET_DATABASE_CONN_MAX_LIFETIME", time.Hour),
			StatementTimeout: getEnvDuration("FLEET_DATABASE_STATEMENT_TIMEOUT", 30*time.Second),
			MigrateOnStart:   getEnvBool("FLEET_DATABASE_MIGRATE_ON_START", true),
		},
		Dispatcher: DispatcherConfig{
			Enabled:    getEnvBool("FLEET_DISPATCHER_ENABLED", true),
			PollDelay:  getEnvDuration("FLEET_DISPATCHER_POLL_DELAY", 2*time.Second),
			ErrorDelay: getEnvDuration("FLEET_DISPATCHER_ERROR_DELAY", time.Minute),
			BatchSize:  getEnvInt("FLEET_DISPATCHER_BATCH_SIZE", 10),
		},
		Waits: WaitsConfig{
			Enabled:          getEnvBool("FLEET_WAITS_ENABLED", true),
			PollDelay:        getEnvDuration("FLEET_WAITS_POLL_DELAY", 5*time.Second),
			ErrorDelay:       getEnvDuration("FLEET_WAITS_ERROR_DELAY", 30*time.Second),
			PollLimit:        getEnvInt("FLEET_WAITS_POLL_LIMIT", 100),
			StatusQueryLimit: getEnvInt("FLEET_WAITS_STATUS_QUERY_LIMIT", 1000),
		},
		Agents: AgentsConfig{
			Hosts:             getEnvList("FLEET_AGENT_HOSTS"),
			ConnectAttempts:   getEnvInt("FLEET_AGENT_CONNECT_ATTEMPTS", 3),
			ConnectRetryDelay: getEnvDuration("FLEET_AGENT_CONNECT_RETRY_DELAY", 5*time.Second),
			AcquireTimeout:    getEnvDuration("FLEET_AGENT_ACQUIRE_TIMEOUT", 30*time.Second),
			PingTimeout:       getEnvDuration("FLEET_AGENT_PING_TIMEOUT", 5*time.Second),
			CancelTimeout:     getEnvDuration("FLEET_AGENT_CANCEL_TIMEOUT", 10*time.Second),
			MaxConnections:    getEnvInt("FLEET_AGENT_MAX_CONNECTIONS", 0),
		},
		Archive: ArchiveConfig{
			Enabled:         getEnvBool("FLEET_ARCHIVE_ENABLED", false),
			Interval:        getEnvDuration("FLEET_ARCHIVE_INTERVAL", time.Minute),
			Retention:       getEnvDuration("FLEET_ARCHIVE_RETENTION", 24*time.Hour),
			BatchSize:       getEnvInt("FLEET_ARCHIVE_BATCH_SIZE", 500),
			Compress:        getEnvBool("FLEET_ARCHIVE_COMPRESS", true),
			Endpoint:        getEnv("FLEET_ARCHIVE_ENDPOINT", ""),
			Bucket:          getEnv("FLEET_ARCHIVE_BUCKET", ""),
			Region:          getEnv("FLEET_ARCHIVE_REGION", "us-east-1"),
			AccessKeyID:     getEnv("FLEET_ARCHIVE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("FLEET_ARCHIVE_SECRET_ACCESS_KEY", ""),
			UseSSL:          getEnvBool("FLEET_ARCHIVE_USE_SSL", true),
		},
		Operator: OperatorConfig{
			PoolsFile:  getEnv("FLEET_OPERATOR_POOLS_FILE", ""),
			PollDelay:  getEnvDuration("FLEET_OPERATOR_POLL_DELAY", 5*time.Second),
			ErrorDelay: getEnvDuration("FLEET_OPERATOR_ERROR_DELAY", 10*time.Second),
			DockerHost: getEnv("FLEET_OPERATOR_DOCKER_HOST", ""),
			Network:    getEnv("FLEET_OPERATOR_NETWORK", ""),
		},
		Log: LogConfig{
			Level:  getEnv("FLEET_LOG_LEVEL", "info"),
			Format: getEnv("FLEET_LOG_FORMAT", "json"),
		},
		Observability: ObservabilityConfig{
			TracingEnabled:    getEnvBool("FLEET_TRACING_ENABLED", false),
			TracingEndpoint:   getEnv("FLEET_TRACING_ENDPOINT", ""),
			TracingInsecure:   getEnvBool("FLEET_TRACING_INSECURE", true),
			TracingSampleRate: getEnvFloat("FLEET_TRACING_SAMPLE_RATE", 1.0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		errs = append(errs, errors.New("FLEET_HTTP_PORT must be between 1 and 65535"))
	}
	if c.Server.MetricsPort < 1 || c.Server.MetricsPort > 65535 {
		errs = append(errs, errors.New("FLEET_METRICS_PORT must be between 1 and 65535"))
	}

	if c.Database.URL == "" {
		errs = append(errs, errors.New("FLEET_DATABASE_URL is required"))
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, errors.New("FLEET_DATABASE_MAX_CONNS must be at least 1"))
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("FLEET_DATABASE_MIN_CONNS must be between 0 and MAX_CONNS"))
	}
	if c.Database.StatementTimeout < 0 {
		errs = append(errs, errors.New("FLEET_DATABASE_STATEMENT_TIMEOUT must not be negative"))
	}

	if c.Dispatcher.BatchSize < 1 {
		errs = append(errs, errors.New("FLEET_DISPATCHER_BATCH_SIZE must be at least 1"))
	}
	if c.Dispatcher.PollDelay <= 0 || c.Dispatcher.ErrorDelay <= 0 {
		errs = append(errs, errors.New("FLEET_DISPATCHER_POLL_DELAY and ERROR_DELAY must be positive"))
	}

	if c.Waits.PollLimit < 1 {
		errs = append(errs, errors.New("FLEET_WAITS_POLL_LIMIT must be at least 1"))
	}
	if c.Waits.StatusQueryLimit < 1 {
		errs = append(errs, errors.New("FLEET_WAITS_STATUS_QUERY_LIMIT must be at least 1"))
	}
	if c.Waits.PollDelay <= 0 || c.Waits.ErrorDelay <= 0 {
		errs = append(errs, errors.New("FLEET_WAITS_POLL_DELAY and ERROR_DELAY must be positive"))
	}

	if c.Agents.ConnectAttempts < 1 {
		errs = append(errs, errors.New("FLEET_AGENT_CONNECT_ATTEMPTS must be at least 1"))
	}
	if c.Agents.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("FLEET_AGENT_ACQUIRE_TIMEOUT must be positive"))
	}
	if c.Agents.MaxConnections < 0 {
		errs = append(errs, errors.New("FLEET_AGENT_MAX_CONNECTIONS cannot be negative"))
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("FLEET_ARCHIVE_BUCKET is required when archiving is enabled"))
		}
		if c.Archive.Endpoint == "" {
			errs = append(errs, errors.New("FLEET_ARCHIVE_ENDPOINT is required when archiving is enabled"))
		}
		if c.Archive.AccessKeyID == "" || c.Archive.SecretAccessKey == "" {
			errs = append(errs, errors.New("FLEET_ARCHIVE_ACCESS_KEY_ID and SECRET_ACCESS_KEY are required when archiving is enabled"))
		}
		if c.Archive.Retention <= 0 || c.Archive.Interval <= 0 || c.Archive.BatchSize < 1 {
			errs = append(errs, errors.New("FLEET_ARCHIVE_RETENTION, INTERVAL and BATCH_SIZE must be positive"))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, errors.New("FLEET_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, errors.New("FLEET_LOG_FORMAT must be one of: json, console"))
	}

	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("FLEET_TRACING_SAMPLE_RATE must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ValidateOperator checks the settings only the agent operator needs.
func (c *Config) ValidateOperator() error {
	if c.Operator.PoolsFile == "" {
		return &ValidationError{Errors: []error{errors.New("FLEET_OPERATOR_POOLS_FILE is required")}}
	}
	return nil
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
