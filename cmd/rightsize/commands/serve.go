package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/rightsize/pkg/api"
)

func newServeCommand() *cobra.Command {
	var (
		address  string
		provider string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API until interrupted.

Endpoints:
  GET    /healthz            liveness and store health
  GET    /metrics            Prometheus metrics
  GET    /runs               recorded and in-flight runs
  POST   /runs               start a resize (202 with the run id)
  GET    /runs/{id}          one run with its steps
  GET    /runs/{id}/events   lifecycle events of a run
  DELETE /runs/{id}          remove a finished run from the history

On shutdown the server stops accepting requests and waits for running
resizes before cancelling them.`,
		Example: `  rightsize serve --config rightsize.yaml --address :8080`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			a, err := newApp(ctx, cfg, appOptions{
				provider: provider,
				client:   true,
				store:    true,
				seed:     cfg.Targets(),
			})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
				if err := a.policies.Watch(ctx, cfg.Policy.Paths); err != nil {
					return err
				}
			}

			srv := api.NewServer(api.Config{
				Address:           cfg.Server.Address,
				AllowedOrigins:    cfg.Server.AllowedOrigins,
				MaxConcurrentRuns: cfg.Server.MaxConcurrentRuns,
				Defaults:          cfg.Resize,
			}, a.newEngine(), a.store,
				api.WithLogger(a.logger),
				api.WithMetrics(a.telemetry.Metrics),
			)
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address (default from config)")
	cmd.Flags().StringVar(&provider, "provider", "", "control plane: aws, wasm or simulated")

	return cmd
}
