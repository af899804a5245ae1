package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rightsize/pkg/config"
	"github.com/openfroyo/rightsize/pkg/engine"
	"github.com/openfroyo/rightsize/pkg/resize"
)

func newValidateCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, workflow and policies",
		Long: `Validate the configuration file, the resize workflow and the guard
policies without touching any instance.

This command checks:
  - Configuration syntax and field values
  - Workflow structure (step chain, references, parameters)
  - Resize parameters of every target
  - Guard policies against every target`,
		Example: `  # Validate the configuration and its batch targets
  rightsize validate --config rightsize.yaml

  # Check a planned resize against the policies
  rightsize validate -i i-0abc -t m6i.large`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cfg, err := loadConfig(ctx)
			if err != nil {
				var le *config.LoadError
				if errors.As(err, &le) {
					for _, ve := range le.Errors {
						fmt.Fprintf(out, "  %s\n", ve)
					}
				}
				return err
			}
			fmt.Fprintln(out, "Configuration: ok")

			base := flags.apply(cfg.Resize)
			wf := resize.DefinitionFor(base)
			chain, err := engine.Validate(wf)
			if err != nil {
				return fmt.Errorf("workflow %s: %w", wf.Name, err)
			}
			fmt.Fprintf(out, "Workflow %s: ok (%d steps, fingerprint %s)\n", wf.Name, len(chain), wf.Fingerprint())

			var targets []resize.Parameters
			if len(flags.instances) > 0 {
				targets = make([]resize.Parameters, 0, len(flags.instances))
				for _, id := range flags.instances {
					p := base
					p.InstanceID = id
					targets = append(targets, p)
				}
			} else {
				for _, p := range cfg.Targets() {
					if p.InstanceID != "" {
						targets = append(targets, flags.apply(p))
					}
				}
			}
			if len(targets) == 0 {
				fmt.Fprintln(out, "No targets to check")
				return nil
			}

			a, err := newApp(ctx, cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			if err := a.buildPolicies(ctx, false); err != nil {
				return err
			}

			failed := 0
			for _, p := range targets {
				if !checkTarget(cmd, out, a, wf, p) {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d targets failed validation", failed, len(targets))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&flags.instances, "instance", "i", nil, "instance to check (repeatable)")
	cmd.Flags().StringVarP(&flags.targetType, "target-type", "t", "", "target instance type")
	cmd.Flags().IntVar(&flags.maxAttempts, "max-attempts", 0, "capacity reservation attempts")

	return cmd
}

// checkTarget validates one target's parameters and evaluates the policies
// against them, printing the outcome.
func checkTarget(cmd *cobra.Command, out io.Writer, a *app, wf *engine.Workflow, p resize.Parameters) bool {
	if err := p.Validate(); err != nil {
		fmt.Fprintf(out, "%s: invalid parameters: %v\n", p, err)
		return false
	}
	resolved, err := engine.ResolveParameters(wf, p.Map())
	if err != nil {
		fmt.Fprintf(out, "%s: %v\n", p, err)
		return false
	}
	result, err := a.policies.Evaluate(cmd.Context(), wf, resolved)
	if err != nil {
		fmt.Fprintf(out, "%s: policy evaluation failed: %v\n", p, err)
		return false
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(out, "%s: warning: %s: %s\n", p, w.Policy, w.Message)
	}
	if !result.Allowed {
		for _, v := range result.Violations {
			fmt.Fprintf(out, "%s: denied: %s: %s\n", p, v.Policy, v.Message)
		}
		return false
	}
	fmt.Fprintf(out, "%s: ok\n", p)
	return true
}
