package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/greyhat-cli/internal/observability"
	"github.com/xkilldash9x/greyhat-cli/internal/service"
)

// newServeCmd creates the `serve` command: the long-running control API for
// managing sessions over HTTP and WebSocket.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the session control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := observability.GetLogger()

			comps, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}

			server := service.NewServer(logger, cfg.Server, comps.Manager)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Start(gctx)
			})
			err = g.Wait()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			comps.Shutdown(shutdownCtx)
			return err
		},
	}
}
