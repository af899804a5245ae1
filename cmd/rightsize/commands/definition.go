package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/rightsize/pkg/engine"
	"github.com/openfroyo/rightsize/pkg/resize"
)

func newDefinitionCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "definition",
		Short: "Print the built-in resize workflow",
		Long: `Print the built-in resize workflow: its parameters, steps, bindings
and failure policies.`,
		Example: `  rightsize definition
  rightsize definition --format json
  rightsize definition --format dot | dot -Tsvg > resize.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wf := resize.Definition()
			out := cmd.OutOrStdout()

			if jsonOutput {
				format = "json"
			}
			switch format {
			case "json":
				return writeJSON(out, wf)
			case "yaml":
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(wf); err != nil {
					return err
				}
				return enc.Close()
			case "dot":
				_, err := io.WriteString(out, engine.ToDOT(wf))
				return err
			default:
				return fmt.Errorf("unsupported format %q (want yaml, json or dot)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "output format: yaml, json or dot")

	return cmd
}
