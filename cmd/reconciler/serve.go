package main

import (
	"context"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/startup"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow workers, the recalculation schedule and the ops endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// setupTracing installs the tracer provider and returns its shutdown.
func setupTracing(ctx context.Context) (func(), error) {
	exporter, err := tracing.NewExporter(ctx, tracing.ExporterConfig{
		Endpoint: cfg.TracingOTLPEndpoint,
		Protocol: cfg.TracingOTLPProtocol,
		Insecure: cfg.TracingOTLPInsecure,
		Timeout:  cfg.TracingOTLPTimeout,
	})
	if err != nil {
		return nil, err
	}
	var spanExporter sdktrace.SpanExporter
	if exporter != nil {
		spanExporter = exporter
	}
	provider := tracing.Setup(cfg.AppName, cfg.TracingSampleRatio, spanExporter)
	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(stopCtx); err != nil {
			logger.WithError(err).Warn("Failed to shut down tracer provider")
		}
	}, nil
}

func serve(ctx context.Context) error {
	shutdown, err := setupTracing(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to set up tracing")
		return err
	}
	defer shutdown()

	a := newApp(cfg, logger)
	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	a.register(boot)

	if err := boot.Start(ctx); err != nil {
		logger.WithError(err).Error("Reconciler failed to start")
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = boot.Stop(stopCtx)
		return err
	}
	a.checker.SetReady(true)
	logger.Infof("Reconciler %s ready", cfg.Version)

	<-ctx.Done()
	logger.Info("Shutting down reconciler")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := boot.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Reconciler did not stop cleanly")
		return err
	}
	logger.Info("Reconciler stopped")
	return nil
}

// withEngine starts the stores and the engine without the workers or the ops
// server, runs fn and stops everything again.
func withEngine(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	shutdown, err := setupTracing(ctx)
	if err != nil {
		return err
	}
	defer shutdown()

	a := newApp(cfg, logger)
	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	a.registerEngine(boot)

	stop := func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if a.runner != nil {
			if err := a.runner.Wait(stopCtx); err != nil {
				logger.WithError(err).Warn("Workflows still running at exit")
			}
		}
		return boot.Stop(stopCtx)
	}
	if err := boot.Start(ctx); err != nil {
		_ = stop()
		return err
	}
	runErr := fn(ctx, a)
	if err := stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
