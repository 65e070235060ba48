package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Command types understood by the host.
const (
	CommandRunProcess = "RUN_PROCESS"
	CommandCancelJob  = "CANCEL_JOB"
	CommandCancelAll  = "CANCEL_ALL"
)

// ErrUnknownCommand is returned for a command type with no handler.
var ErrUnknownCommand = errors.New("unknown command type")

// Command is a COMMAND_RESPONSE payload: the command id and type plus
// the type-specific fields.
type Command struct {
	ID   string
	Type string
	Data json.RawMessage
}

// ParseCommand decodes a COMMAND_RESPONSE payload.
func ParseCommand(payload []byte) (Command, error) {
	var head struct {
		ID   string `json:"commandId"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	if head.Type == "" {
		return Command{}, errors.New("command has no type")
	}
	return Command{ID: head.ID, Type: head.Type, Data: payload}, nil
}

// Handler executes one command type.
type Handler func(ctx context.Context, cmd Command) error

// RunProcess is the RUN_PROCESS payload.
type RunProcess struct {
	InstanceID string            `json:"instanceId"`
	Argv       []string          `json:"argv"`
	Env        map[string]string `json:"env,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
}

// CancelJob is the CANCEL_JOB payload.
type CancelJob struct {
	InstanceID string `json:"instanceId"`
}

func (a *Agent) handleRunProcess(ctx context.Context, cmd Command) error {
	var req RunProcess
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return fmt.Errorf("invalid %s payload: %w", CommandRunProcess, err)
	}
	if req.InstanceID == "" || len(req.Argv) == 0 {
		return fmt.Errorf("%s requires instanceId and argv", CommandRunProcess)
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", req.Timeout, err)
		}
		timeout = d
	}

	logger := a.logger.With().
		Str("instance_id", req.InstanceID).
		Str("command_id", cmd.ID).
		Logger()

	// Jobs outlive the poll that delivered them; only CancelJob, CancelAll
	// or shutdown stop them.
	err := a.jobs.Start(a.jobCtx, req.InstanceID, func(jobCtx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			jobCtx, cancel = context.WithTimeout(jobCtx, timeout)
			defer cancel()
		}
		return runProcess(jobCtx, a.cfg.WorkDir, req, logger)
	})
	if err != nil {
		return fmt.Errorf("failed to start job %s: %w", req.InstanceID, err)
	}
	logger.Info().Strs("argv", req.Argv).Msg("Job started")
	return nil
}

func (a *Agent) handleCancelJob(_ context.Context, cmd Command) error {
	var req CancelJob
	if err := json.Unmarshal(cmd.Data, &req); err != nil {
		return fmt.Errorf("invalid %s payload: %w", CommandCancelJob, err)
	}
	if !a.jobs.Cancel(req.InstanceID) {
		a.logger.Debug().Str("instance_id", req.InstanceID).Msg("Cancel for job that is not running")
	}
	return nil
}

func (a *Agent) handleCancelAll(ctx context.Context, _ Command) error {
	return a.CancelAll(ctx)
}

// runProcess runs argv in its own process group so cancellation reaches
// every child. Output is forwarded to the logger line by line.
func runProcess(ctx context.Context, dir string, req RunProcess, logger zerolog.Logger) error {
	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "FLEET_INSTANCE_ID="+req.InstanceID)
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", req.Argv[0], err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go forwardLines(&wg, stdout, logger, "stdout")
	go forwardLines(&wg, stderr, logger, "stderr")
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("job stopped: %w", ctx.Err())
		}
		return fmt.Errorf("process exited: %w", err)
	}
	return nil
}

func forwardLines(wg *sync.WaitGroup, r io.Reader, logger zerolog.Logger, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug().Str("stream", stream).Msg(scanner.Text())
	}
}
