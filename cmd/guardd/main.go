package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/panguard-ai/panguard-guard/internal/agent"
	"github.com/panguard-ai/panguard-guard/internal/config"
	"github.com/panguard-ai/panguard-guard/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("PANGUARD_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	// Load configuration first
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)
	logger.LogEngineEvent("config_loaded",
		"mode", cfg.Mode,
		"rules_dir", cfg.Rules.Dir,
		"baseline_path", cfg.Baseline.Path,
		"nats_enabled", cfg.NATS.Enabled,
		"ai_enabled", cfg.AI.Enabled,
		"http_addr", cfg.HTTP.Addr)

	a, err := agent.New(logger, cfg)
	if err != nil {
		logger.Error("Failed to create agent", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("Agent run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Agent shutdown complete")
}
