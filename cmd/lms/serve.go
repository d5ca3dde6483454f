package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lms/internal/config"
	"lms/internal/server"
	"lms/internal/telemetry"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		addr         string
		otlpEndpoint string
		migrate      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				c.cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("otlp-endpoint") {
				c.cfg.OTLPEndpoint = otlpEndpoint
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c, migrate)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (env LMS_HTTP_ADDR or PORT)")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP collector host:port (env LMS_OTLP_ENDPOINT)")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations on start (postgres only)")
	return cmd
}

func serve(ctx context.Context, c *cli, migrate bool) error {
	shutdownTracing, err := telemetry.Setup(ctx, c.cfg.OTLPEndpoint, "lms")
	if err != nil {
		return err
	}

	var opts []server.Option
	if migrate && c.cfg.StorageDriver == config.StoragePostgres {
		opts = append(opts, server.WithMigrations())
	}
	app, err := c.app(ctx, opts...)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              c.cfg.HTTPAddr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info(ctx, "http server listening", "addr", c.cfg.HTTPAddr, "storage", c.cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	c.logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		c.logger.Warn(shutdownCtx, "trace exporter shutdown failed", "error", err)
	}
	return <-errCh
}
