package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/gridtrade/internal/telemetry"
	"github.com/tjfontaine/gridtrade/pkg/gridtrade"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := os.Getenv("GRIDTRADE_CONFIG")
	if configPath == "" {
		configPath = "registry.yaml"
	}

	cfg, err := gridtrade.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdown, err := telemetry.InitTracer(cfg.Telemetry.Enabled, cfg.Telemetry.ServiceName+"-registry", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	reg := gridtrade.NewRegistry(cfg, gridtrade.WithRegistryLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("registry starting",
		slog.Int("port", cfg.Server.Port),
		slog.Duration("delivery_timeout", cfg.Registry.DeliveryTimeout))

	if err := reg.Run(ctx); err != nil {
		logger.Error("registry failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
