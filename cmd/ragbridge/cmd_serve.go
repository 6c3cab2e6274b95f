package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ragbridge/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local authority over loopback HTTP",
	Long: `Runs the streaming HTTP rendition of the local authority: bundled entry
points, cached runtime assets, and Prometheus metrics. Point a runtime whose
localhost resolves to this address at it, or use it to inspect the cache.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	interceptor, err := newInterceptor(cfg, store, logger)
	if err != nil {
		return err
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Server.Addr
	}
	srvLogger := logging.Named(logger, logging.CategoryServer)
	srv, err := startServer(addr, cfg.Server.MaxConnections, newRouter(interceptor, cfg.Server.MetricsPath), srvLogger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	srvLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srvLogger.Warn("graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
