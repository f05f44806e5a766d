package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAdaptersCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "List registered adapter types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			out := cmd.OutOrStdout()
			for _, name := range a.registry.Types() {
				override, ok := g.cfg.Readiness[name]
				if !ok {
					fmt.Fprintf(out, "%s\n", name)
					continue
				}
				fmt.Fprintf(out, "%s (readiness override: period=%s attempts=%d)\n", name, override.Period, override.Attempts)
			}
			return nil
		},
	}
}
