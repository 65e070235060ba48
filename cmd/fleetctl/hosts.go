package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/conductor/fleet/internal/agentpool"
)

const keyAgentHosts = "agent-hosts"

// hostResult is the outcome of one host operation.
type hostResult struct {
	Host     string        `json:"host"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

func newHostsCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Health check agent hosts and cancel their work",
		Long: `Talks to agent hosts directly over gRPC.

Hosts are given as arguments or read from FLEET_AGENT_HOSTS (comma separated).`,
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Per-host timeout")

	ping := &cobra.Command{
		Use:   "ping [host:port...]",
		Short: "Health check agent hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachHost(cmd, args, timeout, "SERVING", func(ctx context.Context, c agentpool.Conn) error {
				return c.Ping(ctx)
			})
		},
	}

	cancelAll := &cobra.Command{
		Use:   "cancel-all [host:port...]",
		Short: "Cancel every job running on agent hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachHost(cmd, args, timeout, "OK", func(ctx context.Context, c agentpool.Conn) error {
				return c.CancelAll(ctx)
			})
		},
	}

	cmd.AddCommand(ping, cancelAll)
	return cmd
}

func (a *app) hosts(args []string) []string {
	if len(args) > 0 {
		return args
	}
	var hosts []string
	for _, h := range strings.Split(a.cfg.GetString(keyAgentHosts), ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// eachHost runs op against every host and prints one line per host. It
// fails when any host failed.
func (a *app) eachHost(cmd *cobra.Command, args []string, timeout time.Duration, okStatus string,
	op func(ctx context.Context, c agentpool.Conn) error) error {
	hosts := a.hosts(args)
	if len(hosts) == 0 {
		return errors.New("no hosts given (arguments or FLEET_AGENT_HOSTS)")
	}

	dialer := agentpool.NewGRPCDialer(agentpool.DefaultGRPCDialerConfig(), zerolog.Nop())
	results := make([]hostResult, 0, len(hosts))
	failed := 0

	for _, host := range hosts {
		res := hostResult{Host: host, Status: okStatus}
		start := time.Now()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		err := func() error {
			conn, err := dialer.Dial(ctx, host)
			if err != nil {
				return err
			}
			defer conn.Close()
			return op(ctx, conn)
		}()
		cancel()

		res.Duration = time.Since(start)
		if err != nil {
			failed++
			res.Status = "UNREACHABLE"
			if errors.Is(err, agentpool.ErrNotServing) {
				res.Status = "NOT_SERVING"
			}
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	if a.output() == "json" {
		if err := printJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			rows = append(rows, []string{
				r.Host,
				statusColor(r.Status),
				r.Duration.Round(time.Millisecond).String(),
				dim(r.Error),
			})
		}
		fmt.Fprint(cmd.OutOrStdout(), formatTable([]string{"HOST", "STATUS", "TIME", "ERROR"}, rows))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d host(s) failed", failed, len(hosts))
	}
	return nil
}
