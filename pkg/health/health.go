// Package health provides readiness checks for fleet components.
package health

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/conductor/fleet/internal/agentpool"
)

// Check represents a health check.
type Check interface {
	// Name returns the name of the health check.
	Name() string
	// CheckDetailed performs the check.
	CheckDetailed(ctx context.Context) Result
}

// Status represents the status of a health check.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the component is working but degraded.
	StatusDegraded Status = "degraded"
)

// Result represents the result of a health check.
type Result struct {
	Name    string            `json:"name"`
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Report aggregates check results. Status is the worst of them.
type Report struct {
	Status Status   `json:"status"`
	Checks []Result `json:"checks"`
}

// Run executes every check with a shared timeout.
func Run(ctx context.Context, timeout time.Duration, checks ...Check) Report {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report := Report{Status: StatusHealthy, Checks: make([]Result, 0, len(checks))}
	for _, c := range checks {
		res := c.CheckDetailed(ctx)
		report.Checks = append(report.Checks, res)
		switch {
		case res.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case res.Status == StatusDegraded && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

// Pinger is satisfied by *database.DB.
type Pinger interface {
	Health(ctx context.Context) error
}

// DatabaseCheck pings the database.
type DatabaseCheck struct {
	db Pinger
}

// NewDatabaseCheck creates a database check.
func NewDatabaseCheck(db Pinger) *DatabaseCheck {
	return &DatabaseCheck{db: db}
}

func (c *DatabaseCheck) Name() string { return "database" }

func (c *DatabaseCheck) CheckDetailed(ctx context.Context) Result {
	if err := c.db.Health(ctx); err != nil {
		return Result{Name: c.Name(), Status: StatusUnhealthy, Message: err.Error()}
	}
	return Result{Name: c.Name(), Status: StatusHealthy}
}

// ChannelRegistry is satisfied by *channel.Registry.
type ChannelRegistry interface {
	Connections() int
	Len() int
}

// ChannelCheck reports open agent channels.
type ChannelCheck struct {
	registry                ChannelRegistry
	maxConnectionsThreshold int
}

// ChannelCheckOption configures a ChannelCheck.
type ChannelCheckOption func(*ChannelCheck)

// WithMaxConnectionsThreshold sets the threshold above which the check reports degraded status.
func WithMaxConnectionsThreshold(threshold int) ChannelCheckOption {
	return func(c *ChannelCheck) {
		c.maxConnectionsThreshold = threshold
	}
}

// NewChannelCheck creates an agent channel check.
func NewChannelCheck(registry ChannelRegistry, opts ...ChannelCheckOption) *ChannelCheck {
	c := &ChannelCheck{
		registry:                registry,
		maxConnectionsThreshold: 10000,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ChannelCheck) Name() string { return "agent-channels" }

func (c *ChannelCheck) CheckDetailed(context.Context) Result {
	conns := c.registry.Connections()
	details := map[string]string{
		"connections": strconv.Itoa(conns),
		"pending":     strconv.Itoa(c.registry.Len()),
	}
	if c.maxConnectionsThreshold > 0 && conns > c.maxConnectionsThreshold {
		return Result{
			Name:    c.Name(),
			Status:  StatusDegraded,
			Message: fmt.Sprintf("high connection count: %d", conns),
			Details: details,
		}
	}
	return Result{Name: c.Name(), Status: StatusHealthy, Details: details}
}

// PoolStatter is satisfied by *agentpool.Pool.
type PoolStatter interface {
	Stats() agentpool.Stats
}

// AgentPoolCheck reports the agent host pool. A pool with no bound or
// bindable host is degraded: the control plane still serves, but
// nothing can reach an agent.
type AgentPoolCheck struct {
	pool PoolStatter
}

// NewAgentPoolCheck creates an agent pool check.
func NewAgentPoolCheck(pool PoolStatter) *AgentPoolCheck {
	return &AgentPoolCheck{pool: pool}
}

func (c *AgentPoolCheck) Name() string { return "agent-pool" }

func (c *AgentPoolCheck) CheckDetailed(context.Context) Result {
	s := c.pool.Stats()
	details := map[string]string{
		"idle":     strconv.Itoa(s.Idle),
		"borrowed": strconv.Itoa(s.Borrowed),
		"unbound":  strconv.Itoa(s.Unbound),
	}
	if s.Idle+s.Borrowed+s.Unbound == 0 {
		return Result{Name: c.Name(), Status: StatusDegraded, Message: "no available agents", Details: details}
	}
	return Result{Name: c.Name(), Status: StatusHealthy, Details: details}
}
