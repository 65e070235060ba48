// Package testfixtures provides builders for commands and processes used
// by integration tests.
package testfixtures

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/conductor/fleet/internal/database"
)

// CommandBuilder helps construct agent commands with default values.
type CommandBuilder struct {
	cmd *database.Command
}

// NewCommandBuilder creates a builder for a command addressed to agentID.
func NewCommandBuilder(agentID string) *CommandBuilder {
	return &CommandBuilder{
		cmd: &database.Command{
			AgentID: agentID,
			Type:    "CANCEL_JOB",
			Data:    map[string]any{"instanceId": uuid.New().String()},
		},
	}
}

// WithType sets the command type.
func (b *CommandBuilder) WithType(t string) *CommandBuilder {
	b.cmd.Type = t
	return b
}

// WithData sets the command payload.
func (b *CommandBuilder) WithData(data map[string]any) *CommandBuilder {
	b.cmd.Data = data
	return b
}

// Build returns the built command.
func (b *CommandBuilder) Build() *database.Command {
	return b.cmd
}

// CreateCommand creates and persists a command.
func CreateCommand(ctx context.Context, repo database.CommandRepository, agentID string, opts ...func(*CommandBuilder)) (*database.Command, error) {
	builder := NewCommandBuilder(agentID)
	for _, opt := range opts {
		opt(builder)
	}
	cmd := builder.Build()
	if err := repo.Create(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ProcessBuilder helps construct queued processes.
type ProcessBuilder struct {
	proc *database.Process
	wait json.RawMessage
}

// NewProcessBuilder creates a builder for an ENQUEUED process.
func NewProcessBuilder() *ProcessBuilder {
	return &ProcessBuilder{
		proc: &database.Process{
			Status:       database.ProcessStatusEnqueued,
			Requirements: map[string]any{},
		},
	}
}

// WithStatus sets the process status.
func (b *ProcessBuilder) WithStatus(s database.ProcessStatus) *ProcessBuilder {
	b.proc.Status = s
	return b
}

// WithRequirements sets the agent requirements.
func (b *ProcessBuilder) WithRequirements(req map[string]any) *ProcessBuilder {
	b.proc.Requirements = req
	return b
}

// WithWait makes the process wait on the encoded condition.
func (b *ProcessBuilder) WithWait(cond json.RawMessage) *ProcessBuilder {
	b.wait = cond
	return b
}

// Build returns the built process.
func (b *ProcessBuilder) Build() *database.Process {
	return b.proc
}

// CreateProcess creates and persists a process. A wait condition is
// stored after the insert, so the returned version accounts for it.
func CreateProcess(ctx context.Context, repo database.ProcessRepository, opts ...func(*ProcessBuilder)) (*database.Process, error) {
	builder := NewProcessBuilder()
	for _, opt := range opts {
		opt(builder)
	}
	p := builder.Build()
	if err := repo.Create(ctx, p); err != nil {
		return nil, err
	}
	if builder.wait == nil {
		return p, nil
	}

	ok, err := repo.SetWait(ctx, p.InstanceID, builder.wait, true, p.Version)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("process %s changed while setting its wait condition", p.InstanceID)
	}
	return repo.Get(ctx, p.InstanceID)
}
