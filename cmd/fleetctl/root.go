package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config keys, also bound to flags and FLEET_* variables.
const (
	keyServer      = "server"
	keyDatabaseURL = "database-url"
	keyOutput      = "output"
	keyNoColor     = "no-color"
	keyPoolsFile   = "pools-file"
)

// app carries the resolved settings into subcommands.
type app struct {
	cfg *viper.Viper
}

func (a *app) output() string {
	return a.cfg.GetString(keyOutput)
}

func (a *app) client() *Client {
	return NewClient(a.cfg.GetString(keyServer))
}

// newConfig returns a viper instance reading FLEET_* variables and,
// when present, a YAML config file.
func newConfig() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	v.SetDefault(keyServer, "localhost:8080")
	v.SetDefault(keyOutput, "table")
	return v
}

// defaultConfigPath returns ~/.fleet/config.yaml.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".fleet", "config.yaml")
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: newConfig()}
	var configFile string

	root := &cobra.Command{
		Use:   "fleetctl",
		Short: "Operate the fleet control plane",
		Long: `fleetctl administers the fleet scheduling subsystem.

It provides commands for:
  - Migrations: apply, roll back and inspect the database schema
  - Commands: enqueue agent commands and list the queue
  - Hosts: health check agent hosts and cancel their work
  - Autoscale: simulate pool sizing against a queue depth series

Environment variables:
  FLEET_SERVER        Control plane HTTP address (default: localhost:8080)
  FLEET_DATABASE_URL  PostgreSQL connection string (migrate)
  FLEET_OUTPUT        Output format: json, table (default: table)`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path := configFile
			if path == "" {
				path = defaultConfigPath()
			}
			if path != "" {
				if _, err := os.Stat(path); err == nil {
					a.cfg.SetConfigFile(path)
					if err := a.cfg.ReadInConfig(); err != nil {
						return fmt.Errorf("invalid config file %s: %w", path, err)
					}
				} else if configFile != "" {
					return fmt.Errorf("config file %s: %w", path, err)
				}
			}

			if a.cfg.GetBool(keyNoColor) || os.Getenv("NO_COLOR") != "" {
				color.NoColor = true
			}
			switch a.output() {
			case "table", "json":
			default:
				return fmt.Errorf("unknown output format %q", a.output())
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP(keyServer, "s", "", "Control plane address (default: localhost:8080)")
	flags.String(keyDatabaseURL, "", "PostgreSQL connection string")
	flags.StringP(keyOutput, "o", "", "Output format: json, table (default: table)")
	flags.Bool(keyNoColor, false, "Disable colored output")
	flags.StringVar(&configFile, "config", "", "Config file (default: ~/.fleet/config.yaml)")
	for _, key := range []string{keyServer, keyDatabaseURL, keyOutput, keyNoColor} {
		_ = a.cfg.BindPFlag(key, flags.Lookup(key))
	}

	root.AddCommand(
		newVersionCmd(a),
		newMigrateCmd(a),
		newCommandsCmd(a),
		newHostsCmd(a),
		newAutoscaleCmd(a),
	)
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := map[string]string{
				"version":    version,
				"commit":     commit,
				"build_time": buildTime,
				"go_version": runtime.Version(),
				"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			}
			if a.output() == "json" {
				return printJSON(cmd.OutOrStdout(), info)
			}

			out := cmd.OutOrStdout()
			bold := color.New(color.Bold)
			bold.Fprintln(out, "fleetctl")
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", buildTime)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
