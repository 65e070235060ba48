package agent

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds agent host settings, read from FLEET_AGENT_* variables.
type Config struct {
	// AgentID identifies the host to the control plane. Defaults to the
	// hostname.
	AgentID string

	// ChannelURL is the control plane's websocket channel endpoint, e.g.
	// ws://control-plane:8080/agent/channel.
	ChannelURL string

	// GRPCPort is where the agent service (health, CancelAll) listens.
	GRPCPort int

	// MetricsPort serves /metrics. 0 disables it.
	MetricsPort int

	// PollTimeout bounds a single long-poll; the agent re-polls after it.
	PollTimeout time.Duration

	// ReconnectMinInterval and ReconnectMaxInterval bound the
	// exponential backoff between channel reconnects.
	ReconnectMinInterval time.Duration
	ReconnectMaxInterval time.Duration

	// MaxParallel limits concurrently running jobs.
	MaxParallel int

	// WorkDir is the working directory of started jobs.
	WorkDir string

	// ShutdownTimeout bounds draining running jobs on stop.
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	cfg := &Config{
		AgentID:              getEnv("FLEET_AGENT_ID", hostname),
		ChannelURL:           getEnv("FLEET_AGENT_CHANNEL_URL", ""),
		GRPCPort:             getEnvInt("FLEET_AGENT_GRPC_PORT", 7000),
		MetricsPort:          getEnvInt("FLEET_AGENT_METRICS_PORT", 9100),
		PollTimeout:          getEnvDuration("FLEET_AGENT_POLL_TIMEOUT", 30*time.Second),
		ReconnectMinInterval: getEnvDuration("FLEET_AGENT_RECONNECT_MIN_INTERVAL", time.Second),
		ReconnectMaxInterval: getEnvDuration("FLEET_AGENT_RECONNECT_MAX_INTERVAL", time.Minute),
		MaxParallel:          getEnvInt("FLEET_AGENT_MAX_PARALLEL", 4),
		WorkDir:              getEnv("FLEET_AGENT_WORK_DIR", os.TempDir()),
		ShutdownTimeout:      getEnvDuration("FLEET_AGENT_SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:             getEnv("FLEET_AGENT_LOG_LEVEL", "info"),
		LogFormat:            getEnv("FLEET_AGENT_LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.AgentID == "" {
		errs = append(errs, errors.New("FLEET_AGENT_ID is required"))
	}
	if c.ChannelURL == "" {
		errs = append(errs, errors.New("FLEET_AGENT_CHANNEL_URL is required"))
	} else if !strings.HasPrefix(c.ChannelURL, "ws://") && !strings.HasPrefix(c.ChannelURL, "wss://") {
		errs = append(errs, errors.New("FLEET_AGENT_CHANNEL_URL must be a ws:// or wss:// URL"))
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		errs = append(errs, errors.New("FLEET_AGENT_GRPC_PORT must be between 1 and 65535"))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, errors.New("FLEET_AGENT_METRICS_PORT must be between 0 and 65535"))
	}
	if c.PollTimeout < time.Second {
		errs = append(errs, errors.New("FLEET_AGENT_POLL_TIMEOUT must be at least 1s"))
	}
	if c.ReconnectMinInterval < 100*time.Millisecond {
		errs = append(errs, errors.New("FLEET_AGENT_RECONNECT_MIN_INTERVAL must be at least 100ms"))
	}
	if c.ReconnectMaxInterval < c.ReconnectMinInterval {
		errs = append(errs, errors.New("FLEET_AGENT_RECONNECT_MAX_INTERVAL must be >= MIN_INTERVAL"))
	}
	if c.MaxParallel < 1 || c.MaxParallel > 100 {
		errs = append(errs, errors.New("FLEET_AGENT_MAX_PARALLEL must be between 1 and 100"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, errors.New("FLEET_AGENT_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		errs = append(errs, errors.New("FLEET_AGENT_LOG_FORMAT must be one of: json, console"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ValidationError collects configuration problems.
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
