package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	logLevel   string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rightsize",
		Short: "rightsize - safe instance type changes",
		Long: `rightsize changes the instance type of running compute instances with
the least possible downtime.

Each resize reserves capacity for the target type first, runs optional
pre-downtime checks, stops the instance, changes its type, starts it again,
runs post-start checks and releases the reservation. Capacity shortages are
retried; any other failure aborts the run and releases what was reserved.

Features:
  - AWS EC2/SSM, WebAssembly plugin and simulated control planes
  - Remote checks over SSM or SSH
  - Guard policies via OPA/rego
  - Run history in SQLite
  - HTTP API with Prometheus metrics`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file or directory of .cue files")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDefinitionCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newPluginsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
