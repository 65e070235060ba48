// Package agent implements the fleet agent host.
//
// The host keeps a long-poll channel open to the control plane and
// executes the commands pushed over it. It also serves the agent gRPC
// service the control plane's connection pool uses for health checks and
// CancelAll.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/conductor/fleet/internal/agentpool"
	"github.com/conductor/fleet/internal/channel"
	"github.com/conductor/fleet/pkg/metrics"
)

// Version is the agent software version.
const Version = "0.1.0"

// Poller is an open channel to the control plane.
type Poller interface {
	Poll(ctx context.Context) (*channel.Message, error)
	Close() error
}

// DialFunc opens a channel.
type DialFunc func(ctx context.Context, url, agentID string) (Poller, error)

// DialChannel opens a websocket channel with channel.Dial.
func DialChannel(ctx context.Context, url, agentID string) (Poller, error) {
	header := http.Header{}
	header.Set(channel.AgentIDHeader, agentID)
	return channel.Dial(ctx, url, agentID, header)
}

// Agent is a fleet agent host.
type Agent struct {
	cfg      *Config
	logger   zerolog.Logger
	metrics  *metrics.AgentMetrics
	dial     DialFunc
	jobs     *Jobs
	handlers map[string]Handler
	health   *health.Server

	// jobCtx parents every job; cancelled when Stop gives up draining.
	jobCtx    context.Context
	cancelJob context.CancelFunc
}

var _ agentpool.AgentServer = (*Agent)(nil)

// New creates an agent host. m may be nil.
func New(cfg *Config, logger zerolog.Logger, m *metrics.Metrics, dial DialFunc) *Agent {
	if dial == nil {
		dial = DialChannel
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger.With().Str("component", "agent").Str("agent_id", cfg.AgentID).Logger(),
		dial:   dial,
	}
	if m != nil {
		a.metrics = m.Agent
	}
	a.jobCtx, a.cancelJob = context.WithCancel(context.Background())
	a.jobs = NewJobs(cfg.MaxParallel, a.jobFinished)
	a.handlers = map[string]Handler{
		CommandRunProcess: a.handleRunProcess,
		CommandCancelJob:  a.handleCancelJob,
		CommandCancelAll:  a.handleCancelAll,
	}
	return a
}

// Handle registers a handler for a command type, replacing any existing one.
func (a *Agent) Handle(commandType string, h Handler) {
	a.handlers[commandType] = h
}

// Jobs returns the job tracker.
func (a *Agent) Jobs() *Jobs {
	return a.jobs
}

// SetHealth attaches the health server returned by
// agentpool.RegisterAgentServer so Stop can report NOT_SERVING.
func (a *Agent) SetHealth(hs *health.Server) {
	a.health = hs
}

// CancelAll cancels every running job.
func (a *Agent) CancelAll(_ context.Context) error {
	n := a.jobs.CancelAll()
	a.logger.Info().Int("jobs", n).Msg("Cancelled all jobs")
	return nil
}

// Run keeps the channel open and processes commands until ctx is done.
// Reconnects back off exponentially between the configured bounds.
func (a *Agent) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.ReconnectMinInterval
	bo.MaxInterval = a.cfg.ReconnectMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	first := true
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !first && a.metrics != nil {
			a.metrics.Reconnects.Inc()
		}
		first = false

		err := a.session(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}

		wait := bo.NextBackOff()
		a.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Channel lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one channel connection until it fails.
func (a *Agent) session(ctx context.Context, bo backoff.BackOff) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.PollTimeout)
	conn, err := a.dial(dialCtx, a.cfg.ChannelURL, a.cfg.AgentID)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	bo.Reset()
	a.logger.Info().Str("url", a.cfg.ChannelURL).Msg("Channel connected")

	for {
		pollCtx, cancel := context.WithTimeout(ctx, a.cfg.PollTimeout)
		msg, err := conn.Poll(pollCtx)
		cancel()

		switch {
		case err == nil:
			a.handle(ctx, msg)
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			// Nothing for us this round; poll again.
		default:
			return err
		}
	}
}

func (a *Agent) handle(ctx context.Context, msg *channel.Message) {
	cmd, err := ParseCommand(msg.Payload)
	if err != nil {
		a.logger.Warn().Err(err).Int64("correlation_id", msg.CorrelationID).Msg("Dropping malformed command")
		a.recordCommand("invalid", "error")
		return
	}

	logger := a.logger.With().Str("command_id", cmd.ID).Str("command_type", cmd.Type).Logger()

	h, ok := a.handlers[cmd.Type]
	if !ok {
		logger.Warn().Err(ErrUnknownCommand).Msg("Command ignored")
		a.recordCommand(cmd.Type, "unknown")
		return
	}
	if err := h(ctx, cmd); err != nil {
		logger.Warn().Err(err).Msg("Command failed")
		a.recordCommand(cmd.Type, "error")
		return
	}
	logger.Debug().Msg("Command handled")
	a.recordCommand(cmd.Type, "ok")
}

func (a *Agent) jobFinished(res JobResult) {
	outcome := "ok"
	ev := a.logger.Info()
	switch {
	case res.Cancelled:
		outcome = "cancelled"
	case res.Err != nil:
		outcome = "failed"
		ev = a.logger.Warn().Err(res.Err)
	}
	ev.Str("instance_id", res.InstanceID).Str("outcome", outcome).Msg("Job finished")

	if a.metrics != nil {
		a.metrics.RecordJobFinished(outcome, a.jobs.Running())
	}
}

func (a *Agent) recordCommand(commandType, result string) {
	if a.metrics == nil {
		return
	}
	a.metrics.RecordCommand(commandType, result)
	a.metrics.JobsRunning.Set(float64(a.jobs.Running()))
}

// Stop reports NOT_SERVING and waits for running jobs. Jobs still running
// when ctx expires are cancelled.
func (a *Agent) Stop(ctx context.Context) error {
	if a.health != nil {
		a.health.SetServingStatus(agentpool.AgentServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	a.logger.Info().Int("jobs", a.jobs.Running()).Msg("Draining jobs")
	err := a.jobs.Drain(ctx)
	a.cancelJob()
	if err != nil {
		return fmt.Errorf("jobs still running at shutdown: %w", err)
	}
	return nil
}
