package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adlens/adlens/internal/gateway"
	"github.com/adlens/adlens/internal/queue"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis service: API, streaming gateway, and worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		dispatcher := queue.NewDispatcher(env.Store, cfg.Queue.Depth)
		pool := queue.NewPool(cfg.Queue, env.Store, env.Pipeline, env.Progress, dispatcher)
		server := gateway.NewServer(cfg, env.Store, dispatcher, env.Progress)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return pool.Start(gctx)
		})
		g.Go(func() error {
			return server.Start(gctx)
		})

		zap.L().Info("adlens service started",
			zap.Int("port", cfg.Server.Port),
			zap.Int("workers", cfg.Queue.Workers),
		)

		if err := g.Wait(); err != nil && !isShutdown(err) {
			return err
		}
		zap.L().Info("adlens service stopped")
		return nil
	},
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
