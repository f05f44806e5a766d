package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/picklr-io/reconcilr/internal/logging"
	"github.com/picklr-io/reconcilr/internal/webhook"
)

func newServeCmd(g *globals) *cobra.Command {
	var addr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve adapters over HTTP",
		Long: `Serve exposes every registered adapter at POST /invoke/<type>, along with
/healthz and /metrics. A gRPC health service is started when a gRPC address
is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, g.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			cfg := g.cfg.Server
			if addr != "" {
				cfg.Addr = addr
			}
			if grpcAddr != "" {
				cfg.GRPCAddr = grpcAddr
			}

			logging.Info("serving adapters", "addr", cfg.Addr, "grpc", cfg.GRPCAddr, "adapters", len(a.registry.Types()))
			return webhook.NewServer(a.registry, a.metrics).Serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address (overrides server.grpcAddr)")
	return cmd
}
