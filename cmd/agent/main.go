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

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := os.Getenv("GRIDTRADE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := gridtrade.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdown, err := telemetry.InitTracer(cfg.Telemetry.Enabled, cfg.Telemetry.ServiceName+"-agent", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	opts := []gridtrade.AgentOption{gridtrade.WithAgentLogger(logger)}
	if _, err := os.Stat(configPath); err == nil {
		opts = append(opts, gridtrade.WithFileConfig(configPath))
	}

	agent, err := gridtrade.NewAgent(cfg, opts...)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting",
		slog.String("agent_id", cfg.Agent.ID),
		slog.String("agent_type", cfg.Agent.Type),
		slog.String("agent_url", cfg.Agent.URL),
		slog.String("registry_url", cfg.Registry.URL),
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type))

	if err := agent.Run(ctx); err != nil {
		logger.Error("agent failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
