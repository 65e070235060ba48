package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newCommandsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "commands",
		Aliases: []string{"cmd"},
		Short:   "Enqueue and list agent commands",
	}

	var data string
	enqueue := &cobra.Command{
		Use:   "enqueue <agent-id> <type>",
		Short: "Enqueue a command for an agent",
		Example: `  fleetctl commands enqueue agent-1 CANCEL_JOB --data '{"instanceId":"3f0c..."}'
  fleetctl commands enqueue agent-1 RUN_PROCESS --data '{"instanceId":"p1","argv":["make","test"]}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}

			created, err := a.client().EnqueueCommand(cmd.Context(), args[0], args[1], payload)
			if err != nil {
				return err
			}
			if a.output() == "json" {
				return printJSON(cmd.OutOrStdout(), created)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Command %s enqueued for %s\n",
				green("✓"), cyan(created.ID.String()), created.AgentID)
			return nil
		},
	}
	enqueue.Flags().StringVarP(&data, "data", "d", "", "Command data as a JSON object")

	var (
		status string
		limit  int
		offset int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return errors.New("--limit must be positive")
			}
			cmds, err := a.client().ListCommands(cmd.Context(), status, limit, offset)
			if err != nil {
				return err
			}
			if a.output() == "json" {
				return printJSON(cmd.OutOrStdout(), cmds)
			}
			if len(cmds) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dim("No commands found"))
				return nil
			}

			rows := make([][]string, 0, len(cmds))
			for _, c := range cmds {
				sent := "-"
				if c.SentAt != nil {
					sent = c.SentAt.Local().Format("2006-01-02 15:04:05")
				}
				rows = append(rows, []string{
					c.ID.String(),
					truncate(c.AgentID, 24),
					c.Type,
					statusColor(string(c.Status)),
					c.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					sent,
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), formatTable(
				[]string{"ID", "AGENT", "TYPE", "STATUS", "CREATED", "SENT"}, rows))
			fmt.Fprintln(cmd.OutOrStdout(), dim(strconv.Itoa(len(cmds))+" command(s)"))
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status: CREATED, SENT")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of commands")
	list.Flags().IntVar(&offset, "offset", 0, "Number of commands to skip")

	cmd.AddCommand(enqueue, list)
	return cmd
}
