package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductor/fleet/internal/autoscale"
)

// simStep is one tick of a simulation.
type simStep struct {
	Tick       int                `json:"tick"`
	Elapsed    time.Duration      `json:"elapsed_ns"`
	QueueDepth int                `json:"queue_depth"`
	Target     int                `json:"target"`
	Decision   autoscale.Decision `json:"decision"`
}

// simulate runs Apply over a series of queue depths, one tick apart.
// Replicas are assumed to follow the target before the next tick.
func simulate(spec autoscale.PoolSpec, depths []int, tick time.Duration) []simStep {
	clock := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	start := clock
	state := autoscale.NewPoolState(spec)

	scaler := autoscale.NewScaler(nil)
	scaler.Now = func() time.Time { return clock }

	steps := make([]simStep, 0, len(depths))
	for i, depth := range depths {
		state.ObservedSize = state.TargetSize
		next, decision := scaler.Apply(state, depth)
		steps = append(steps, simStep{
			Tick:       i,
			Elapsed:    clock.Sub(start),
			QueueDepth: depth,
			Target:     next.TargetSize,
			Decision:   decision,
		})
		state = next
		clock = clock.Add(tick)
	}
	return steps
}

func parseDepths(s string) ([]int, error) {
	var depths []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid queue depth %q", f)
		}
		depths = append(depths, n)
	}
	if len(depths) == 0 {
		return nil, errors.New("no queue depths given")
	}
	return depths, nil
}

func newAutoscaleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autoscale",
		Short: "Inspect agent pool sizing",
	}

	var (
		pool   string
		queue  string
		tick   time.Duration
		noGate bool
	)
	sim := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a queue depth series through a pool's policy",
		Example: `  fleetctl autoscale simulate --pools-file pools.yaml --pool gpu --queue 0,20,80,80,10,0,0
  fleetctl autoscale simulate --pools-file pools.yaml --queue 300,300,300 --tick 1m`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.cfg.GetString(keyPoolsFile)
			if path == "" {
				return errors.New("--pools-file is required")
			}
			specs, err := autoscale.LoadPools(path)
			if err != nil {
				return err
			}
			spec, err := pickPool(specs, pool)
			if err != nil {
				return err
			}
			if noGate {
				spec.ScaleUpDelay = 0
				spec.ScaleDownDelay = 0
			}

			depths, err := parseDepths(queue)
			if err != nil {
				return err
			}
			steps := simulate(spec, depths, tick)

			if a.output() == "json" {
				return printJSON(cmd.OutOrStdout(), steps)
			}
			rows := make([][]string, 0, len(steps))
			for _, s := range steps {
				rows = append(rows, []string{
					strconv.Itoa(s.Tick),
					s.Elapsed.String(),
					strconv.Itoa(s.QueueDepth),
					strconv.Itoa(s.Target),
					statusColor(string(s.Decision)),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (min %d, max %d)\n",
				bold("Pool"), cyan(spec.Name), spec.MinSize, spec.MaxSize)
			fmt.Fprint(cmd.OutOrStdout(), formatTable([]string{"TICK", "ELAPSED", "QUEUE", "TARGET", "DECISION"}, rows))
			return nil
		},
	}
	sim.Flags().String(keyPoolsFile, "", "YAML file with pool definitions")
	sim.Flags().StringVar(&pool, "pool", "", "Pool name (default: the only pool in the file)")
	sim.Flags().StringVar(&queue, "queue", "", "Comma separated queue depths, one per tick")
	sim.Flags().DurationVar(&tick, "tick", 30*time.Second, "Simulated time between ticks")
	sim.Flags().BoolVar(&noGate, "no-cooldown", false, "Ignore scale up and scale down delays")
	_ = a.cfg.BindPFlag(keyPoolsFile, sim.Flags().Lookup(keyPoolsFile))

	cmd.AddCommand(sim)
	return cmd
}

func pickPool(specs []autoscale.PoolSpec, name string) (autoscale.PoolSpec, error) {
	if name == "" {
		if len(specs) == 1 {
			return specs[0], nil
		}
		return autoscale.PoolSpec{}, fmt.Errorf("%d pools defined, choose one with --pool", len(specs))
	}
	for _, s := range specs {
		if s.Name == name {
			return s, nil
		}
	}
	return autoscale.PoolSpec{}, fmt.Errorf("%w: %s", autoscale.ErrUnknownPool, name)
}
