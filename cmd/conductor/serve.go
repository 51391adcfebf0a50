package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/conductor/pkg/config"
)

var (
	serveAddr  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API and run background health checks",
	Long: `Start the status, health and metrics API and poll worker health probes
so open circuit breakers can recover without traffic. With --watch the
configuration file is reloaded when it changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides observability.http_addr)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload pipelines when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Observability.HTTPAddr = serveAddr
	}
	if cfg.Observability.HTTPAddr == "" {
		cfg.Observability.HTTPAddr = ":8080"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newCoordinator(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close(context.WithoutCancel(ctx)) }()

	logger := c.Logger()
	logger.Info("starting conductor", "version", Version, "addr", cfg.Observability.HTTPAddr)

	if err := c.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Server().Run(gctx)
	})
	if serveWatch && configFile != "" {
		g.Go(func() error {
			return config.Watch(gctx, configFile, func(next *config.Config, err error) {
				if err != nil {
					logger.Error("config reload failed", "error", err)
					return
				}
				if err := c.Reload(next); err != nil {
					logger.Error("config reload failed", "error", err)
					return
				}
				logger.Info("config reloaded", "path", configFile)
			})
		})
	}

	err = g.Wait()
	logger.Info("conductor stopped")
	return err
}
