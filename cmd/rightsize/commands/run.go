package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rightsize/pkg/engine"
	"github.com/openfroyo/rightsize/pkg/resize"
)

// runFlags are the resize parameters that can be given on the command line.
type runFlags struct {
	instances      []string
	targetType     string
	reservationTag string
	platform       string
	zone           string
	maxAttempts    int
	preScript      string
	postScript     string
	forceStop      bool

	// forceStopSet records an explicit --force-stop, which also lets
	// --force-stop=false override a configured true.
	forceStopSet bool
}

func (f runFlags) overrides() resize.Parameters {
	return resize.Parameters{
		TargetInstanceType: f.targetType,
		ReservationTag:     f.reservationTag,
		Platform:           f.platform,
		AvailabilityZone:   f.zone,
		MaxAttempts:        f.maxAttempts,
		PreDowntimeScript:  f.preScript,
		PostStartScript:    f.postScript,
	}
}

// apply overlays the flags onto p.
func (f runFlags) apply(p resize.Parameters) resize.Parameters {
	p = p.Merge(f.overrides())
	if f.forceStopSet {
		p.ForceStop = f.forceStop
	}
	return p
}

// targets returns one parameter set per instance: the --instance flags when
// given, otherwise the configured batch targets.
func (f runFlags) targets(defaults []resize.Parameters, base resize.Parameters) ([]resize.Parameters, error) {
	var out []resize.Parameters
	if len(f.instances) > 0 {
		for _, id := range f.instances {
			p := f.apply(base)
			p.InstanceID = id
			out = append(out, p)
		}
	} else {
		for _, d := range defaults {
			out = append(out, f.apply(d))
		}
	}

	for _, p := range out {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return out, nil
}

func newRunCommand() *cobra.Command {
	var (
		flags       runFlags
		provider    string
		dryRun      bool
		concurrency int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resize one or more instances",
		Long: `Resize instances to a new instance type.

Without --instance the batch targets from the configuration are resized.
Several instances run concurrently, each as an independent run: one
failing instance does not stop the others.

--dry-run executes the full workflow against the simulated provider on a
virtual clock, so waits and retries finish immediately. Nothing is recorded
in the run history.`,
		Example: `  # Resize one instance
  rightsize run --instance i-0abc --target-type m6i.large

  # Resize several instances, two at a time
  rightsize run -i i-0abc -i i-0def -t m6i.large --concurrency 2

  # Rehearse the configured batch
  rightsize run --config rightsize.cue --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			flags.forceStopSet = cmd.Flags().Changed("force-stop")

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			params, err := flags.targets(cfg.Targets(), cfg.Resize)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg, appOptions{
				provider: provider,
				dryRun:   dryRun,
				client:   true,
				store:    true,
				seed:     params,
			})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if metricsAddr != "" && a.telemetry.Metrics != nil {
				if err := a.telemetry.Metrics.StartMetricsServer(ctx, metricsAddr, a.logger); err != nil {
					return err
				}
			}

			eng := a.newEngine()
			wf := resize.DefinitionFor(params[0])

			a.logger.Info().
				Int("instances", len(params)).
				Bool("dry_run", dryRun).
				Msg("Starting resize")

			var results []*engine.RunResult
			if len(params) == 1 {
				results = []*engine.RunResult{eng.Run(ctx, wf, params[0].Map())}
			} else {
				if concurrency <= 0 {
					concurrency = cfg.Batch.Concurrency
				}
				maps := make([]engine.Parameters, len(params))
				for i, p := range params {
					maps[i] = p.Map()
				}
				results = eng.RunBatch(ctx, wf, maps, concurrency)
			}

			if err := printResults(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if !engine.BatchSucceeded(results) {
				failed := 0
				for _, r := range results {
					if r.Status != engine.RunStatusSucceeded {
						failed++
					}
				}
				return fmt.Errorf("%d of %d runs did not succeed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&flags.instances, "instance", "i", nil, "instance to resize (repeatable)")
	cmd.Flags().StringVarP(&flags.targetType, "target-type", "t", "", "target instance type")
	cmd.Flags().StringVar(&flags.reservationTag, "reservation-tag", "", "name tag of the capacity reservation")
	cmd.Flags().StringVar(&flags.platform, "platform", "", "reservation platform, overriding the discovered one")
	cmd.Flags().StringVar(&flags.zone, "availability-zone", "", "reservation zone, overriding the discovered one")
	cmd.Flags().IntVar(&flags.maxAttempts, "max-attempts", 0, "capacity reservation attempts")
	cmd.Flags().StringVar(&flags.preScript, "pre-script", "", "script run on the instance before it is stopped")
	cmd.Flags().StringVar(&flags.postScript, "post-script", "", "script run on the instance after it is started")
	cmd.Flags().BoolVar(&flags.forceStop, "force-stop", false, "force the instance to stop")
	cmd.Flags().StringVar(&provider, "provider", "", "control plane: aws, wasm or simulated")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run against the simulated provider")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "maximum concurrent runs (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "", "serve prometheus metrics on this address while running")

	return cmd
}
