// Package dispatcher pairs CREATED agent commands with agents currently
// polling for work.
//
// Each cycle runs in one database transaction and reads candidates with
// FOR UPDATE SKIP LOCKED, so concurrent dispatchers on other instances
// see disjoint rows and a command is marked SENT at most once. Payloads
// are pushed to the agent channels after the transaction commits. A push
// that fails at that point is logged and not retried: the command stays
// SENT and the agent recovers by re-polling.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/conductor/fleet/internal/channel"
	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/internal/periodic"
	fleetlog "github.com/conductor/fleet/pkg/log"
	"github.com/conductor/fleet/pkg/metrics"
	"github.com/conductor/fleet/pkg/tracing"
)

// Config holds dispatcher settings.
type Config struct {
	PollDelay  time.Duration
	ErrorDelay time.Duration
	// BatchSize is the number of candidate commands fetched per query.
	BatchSize int
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		PollDelay:  2 * time.Second,
		ErrorDelay: time.Minute,
		BatchSize:  10,
	}
}

// Match pairs a poll request with the command sent in reply.
type Match struct {
	Request channel.Request
	Command database.Command
}

// Result summarizes one dispatch cycle.
type Result struct {
	Requests int
	Matches  []Match
	// Failed counts matches whose channel push failed.
	Failed int
	// Offset is the last batch offset queried.
	Offset int
}

// Dispatcher runs dispatch cycles.
type Dispatcher struct {
	store    Store
	channels Channels
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.ControlPlaneMetrics
	runner   *periodic.Runner
}

// New creates a dispatcher.
func New(store Store, channels Channels, cfg Config, logger zerolog.Logger, m *metrics.ControlPlaneMetrics) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	d := &Dispatcher{
		store:    store,
		channels: channels,
		cfg:      cfg,
		logger:   fleetlog.Component(logger, "dispatcher"),
		metrics:  m,
	}
	d.runner = periodic.NewRunner("command-dispatcher", d, periodic.Config{
		Interval:   cfg.PollDelay,
		ErrorDelay: cfg.ErrorDelay,
	}, d.logger)
	return d
}

// Start runs dispatch cycles every PollDelay.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.runner.Start(ctx)
}

// Stop stops the dispatch loop.
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.runner.Stop(ctx)
}

// RunOnce runs one dispatch cycle over the currently open channels.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	_, err := d.Dispatch(ctx, d.channels.Requests())
	return err
}

// Dispatch matches requests to commands, marks the matched commands
// SENT and delivers them. An idle cycle is not an error; only a failed
// transaction is, in which case nothing was marked or delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, requests []channel.Request) (Result, error) {
	res := Result{Requests: len(requests)}
	if len(requests) == 0 {
		d.record("idle", res)
		return res, nil
	}

	ctx, span := tracing.StartSpan(ctx, "dispatcher.Dispatch", tracing.AttrBatchSize.Int(d.cfg.BatchSize))
	defer span.End()

	err := d.store.InTx(ctx, func(q CommandQueue) error {
		inbox := append([]channel.Request(nil), requests...)
		for len(inbox) > 0 {
			candidates, err := q.Next(ctx, res.Offset, d.cfg.BatchSize)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				return nil
			}

			matches := match(inbox, candidates)
			if len(matches) == 0 {
				if len(candidates) < d.cfg.BatchSize {
					return nil
				}
				res.Offset += d.cfg.BatchSize
				continue
			}

			sent := matches[:0]
			for _, m := range matches {
				if err := q.MarkAsSent(ctx, m.Command.ID); err != nil {
					if errors.Is(err, database.ErrNotFound) {
						continue
					}
					return fmt.Errorf("failed to mark command %s as sent: %w", m.Command.ID, err)
				}
				sent = append(sent, m)
			}
			if len(sent) == 0 {
				res.Offset += d.cfg.BatchSize
				continue
			}
			res.Matches = append(res.Matches, sent...)
			inbox = without(inbox, sent)
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		res.Matches = nil
		d.record("error", res)
		return res, fmt.Errorf("dispatch cycle failed: %w", err)
	}

	for _, m := range res.Matches {
		if err := d.deliver(m); err != nil {
			res.Failed++
			d.logger.Warn().Err(err).
				Str("command_id", m.Command.ID.String()).
				Str("agent_id", m.Command.AgentID).
				Int64("correlation_id", m.Request.Request.CorrelationID).
				Msg("command marked as sent but delivery failed")
			continue
		}
		d.logger.Info().
			Str("command_id", m.Command.ID.String()).
			Str("agent_id", m.Command.AgentID).
			Str("type", m.Command.Type).
			Int64("correlation_id", m.Request.Request.CorrelationID).
			Msg("command dispatched")
	}

	span.SetAttributes(tracing.AttrMatches.Int(len(res.Matches)))
	outcome := "idle"
	if len(res.Matches) > 0 {
		outcome = "matched"
	}
	d.record(outcome, res)
	d.logger.Debug().
		Int("requests", res.Requests).
		Int("matches", len(res.Matches)).
		Int("failed", res.Failed).
		Int("offset", res.Offset).
		Msg("dispatch cycle completed")
	return res, nil
}

func (d *Dispatcher) deliver(m Match) error {
	payload, err := Payload(m.Command)
	if err != nil {
		return err
	}
	return d.channels.Send(m.Request.Key, &channel.Message{
		Type:          channel.MessageTypeCommandResponse,
		CorrelationID: m.Request.Request.CorrelationID,
		AgentID:       m.Command.AgentID,
		Payload:       payload,
	})
}

func (d *Dispatcher) record(outcome string, res Result) {
	if d.metrics != nil {
		d.metrics.RecordDispatchCycle(outcome, res.Requests, len(res.Matches), res.Failed, res.Offset)
	}
}

// Payload builds the COMMAND_RESPONSE payload: the command data plus its
// id and type.
func Payload(cmd database.Command) (json.RawMessage, error) {
	body := make(map[string]any, len(cmd.Data)+2)
	for k, v := range cmd.Data {
		body[k] = v
	}
	body["commandId"] = cmd.ID.String()
	body["type"] = cmd.Type
	return json.Marshal(body)
}

// match pairs each request with the oldest candidate addressed to the
// same agent. Each candidate is used at most once.
func match(requests []channel.Request, candidates []database.Command) []Match {
	used := make([]bool, len(candidates))
	var out []Match
	for _, req := range requests {
		for i, cmd := range candidates {
			if used[i] || cmd.AgentID != req.Request.AgentID {
				continue
			}
			used[i] = true
			out = append(out, Match{Request: req, Command: cmd})
			break
		}
	}
	return out
}

func without(requests []channel.Request, matches []Match) []channel.Request {
	matched := make(map[channel.Key]bool, len(matches))
	for _, m := range matches {
		matched[m.Request.Key] = true
	}
	out := requests[:0]
	for _, r := range requests {
		if !matched[r.Key] {
			out = append(out, r)
		}
	}
	return out
}
