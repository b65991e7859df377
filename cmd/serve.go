package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/hlsdl/internal/api"
	"github.com/tanq16/hlsdl/internal/metrics"
	"github.com/tanq16/hlsdl/internal/output"
	"github.com/tanq16/hlsdl/internal/utils"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve [--addr HOST:PORT]",
		Short: "Run the download engine behind an HTTP, SSE and WebSocket API",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			metrics.Register(prometheus.DefaultRegisterer)

			e, err := newEngine(context.Background())
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			defer e.close()

			if removed, err := utils.CleanTemp(cfg.TempDir, e.manager.ActiveIDs()); err != nil {
				log.Warn().Str("op", "cmd/serve").Err(err).Msg("Could not clean leftover segments")
			} else if removed > 0 {
				log.Info().Str("op", "cmd/serve").Msgf("Removed %d leftover temporary download(s)", removed)
			}

			server := api.NewServer(e.manager, e.bus, api.WithAllowedOrigins(cfg.Server.AllowedOrigins))
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := server.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
				log.Error().Str("op", "cmd/serve").Err(err).Msg("Server stopped")
				e.manager.CancelAll()
				e.manager.Wait()
				os.Exit(1)
			}
			log.Info().Str("op", "cmd/serve").Msg("Shutting down, cancelling active downloads")
			e.manager.CancelAll()
			e.manager.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3001", "Listen address")
	return cmd
}
