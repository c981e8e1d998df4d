package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"nearby/internal/app"
	"nearby/internal/config"
	"nearby/internal/logging"
)

const serviceName = "proximity"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, logOutput io.Writer) error {
	cfg, cfgErr := config.LoadConfigWithPrecedence(os.Getenv(config.ConfigFileEnv))

	logger, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: serviceName,
	}, logOutput)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	if cfgErr != nil {
		logger.Warn().Err(cfgErr).Msg("Config file ignored, using environment and defaults")
	}

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	return shutdown(application, cfg, logger)
}

func shutdown(application *app.Application, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := application.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
