package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/picklr-io/reconcilr/internal/config"
	"github.com/picklr-io/reconcilr/internal/logging"
)

// globals are the flags shared by every command.
type globals struct {
	configPath string
	logLevel   string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "reconcilr",
		Short: "Declarative resource reconciliation",
		Long: `Reconcilr drives cloud resources toward declared definitions.

Each resource type is handled by an adapter that can:
  • create a resource, adopting one that already exists
  • update only the fields that changed
  • delete resources it created and leave adopted ones alone
  • poll until a resource is ready`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			required := cmd.Flags().Changed("config")
			cfg, err := config.Load(g.configPath, required)
			if err != nil {
				return err
			}
			if g.logLevel != "" {
				cfg.LogLevel = g.logLevel
			}
			logging.InitWithWriter(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			g.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", config.DefaultPath, "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newInvokeCmd(g))
	cmd.AddCommand(newWaitCmd(g))
	cmd.AddCommand(newApplyCmd(g))
	cmd.AddCommand(newDestroyCmd(g))
	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newStateCmd(g))
	cmd.AddCommand(newAdaptersCmd(g))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
