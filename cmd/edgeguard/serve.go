package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/edgeguard"
	"github.com/giantswarm/edgeguard/internal/config"
	"github.com/giantswarm/edgeguard/internal/logging"
)

type serveOptions struct {
	listenAddr    string
	bootstrapFile string
	envFiles      []string
	version       string
}

func newServeCmd(version string) *cobra.Command {
	opts := serveOptions{version: version}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		Long: `Starts the gateway HTTP listener together with its background loops:
the anti-replay purge and key rotation scheduler, the risk alert monitor,
the rate limiter sweepers and expired token cleanup.

Flags override the matching EDGEGUARD_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.listenAddr, "listen", "", "listen address (overrides EDGEGUARD_LISTEN_ADDR)")
	cmd.Flags().StringVar(&opts.bootstrapFile, "bootstrap", "", "YAML bootstrap file (overrides EDGEGUARD_BOOTSTRAP_FILE)")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", nil, "env files to load instead of ./.env")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(opts.envFiles...)
	if err != nil {
		return err
	}
	if opts.listenAddr != "" {
		cfg.ListenAddr = opts.listenAddr
	}
	if opts.bootstrapFile != "" {
		cfg.BootstrapFile = opts.bootstrapFile
	}

	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	var boot *config.Bootstrap
	if cfg.BootstrapFile != "" {
		if boot, err = config.LoadBootstrap(cfg.BootstrapFile); err != nil {
			return err
		}
	}

	gc, err := cfg.GatewayConfig(logger, opts.version, boot)
	if err != nil {
		return err
	}
	gw, err := edgeguard.New(gc)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	if boot != nil {
		if err := boot.RegisterClients(ctx, gw.Server, logger); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return gw.Run(ctx) })
	eg.Go(func() error { return gw.Serve(ctx, cfg.ListenAddr) })

	if err := eg.Wait(); err != nil {
		return err
	}
	logger.Info("Gateway stopped")
	return nil
}
