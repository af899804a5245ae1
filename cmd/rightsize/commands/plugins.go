package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rightsize/pkg/providers/host"
)

func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins <dir>",
		Short: "List the WebAssembly plugins found in a directory",
		Long: `List the plugins in <dir>/<plugin>/manifest.yaml. Each manifest is
validated and its module checksum verified; plugins that fail are reported
in the log and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			registry := host.NewRegistry(args[0], host.DefaultConfig(), a.logger)
			if err := registry.ScanDirectory(args[0]); err != nil {
				return err
			}
			manifests := registry.List()

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), manifests)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLUGIN\tVERSION\tOPERATIONS\tCAPABILITIES\tVERIFIED")
			for _, m := range manifests {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n",
					m.Name, m.Version, strings.Join(m.Operations, ","), dash(strings.Join(m.GetCapabilities(), ",")), m.Verified)
			}
			return tw.Flush()
		},
	}

	return cmd
}
