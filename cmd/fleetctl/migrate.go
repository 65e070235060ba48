package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/migrations"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMigrator(cmd.Context(), func(m *database.Migrator) error {
				n, err := m.Up(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d migration(s) applied\n", green("✓"), n)
				return nil
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps < 1 {
				return errors.New("--steps must be at least 1")
			}
			return a.withMigrator(cmd.Context(), func(m *database.Migrator) error {
				n, err := m.Down(cmd.Context(), steps)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d migration(s) rolled back\n", yellow("↓"), n)
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMigrator(cmd.Context(), func(m *database.Migrator) error {
				st, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				if a.output() == "json" {
					return printJSON(cmd.OutOrStdout(), st)
				}
				fmt.Fprint(cmd.OutOrStdout(), database.FormatStatus(st))
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func (a *app) withMigrator(ctx context.Context, fn func(m *database.Migrator) error) error {
	url := a.cfg.GetString(keyDatabaseURL)
	if url == "" {
		return errors.New("database URL is required (--database-url or FLEET_DATABASE_URL)")
	}

	cfg := database.DefaultConfig(url)
	cfg.MaxConns = 2
	cfg.MinConns = 0
	cfg.ApplicationName = "fleetctl"
	db, err := database.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := database.NewMigratorFromFS(db, migrations.FS)
	if err != nil {
		return err
	}
	return fn(m)
}
