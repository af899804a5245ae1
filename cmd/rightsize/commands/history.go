package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rightsize/pkg/engine"
	"github.com/openfroyo/rightsize/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit    int
		status   string
		workflow string
		since    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Example: `  rightsize history
  rightsize history --status aborted --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			filter := stores.RunFilter{Workflow: workflow, Limit: limit}
			if status != "" {
				filter.Status = engine.RunStatus(status)
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			runs, err := a.store.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().StringVar(&workflow, "workflow", "", "only runs of this workflow")
	cmd.Flags().DurationVar(&since, "since", 0, "only runs started within this duration")

	return cmd
}

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a recorded run with its steps and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, appOptions{store: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			run, err := a.store.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}
			events, err := a.store.GetEvents(ctx, run.ID, 0)
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), run, events)
		},
	}

	return cmd
}
