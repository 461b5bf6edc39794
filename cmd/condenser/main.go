package main

import (
	"context"
	"errors"
	"log"

	"github.com/joho/godotenv"

	"condenser/internal/app"
	"condenser/pkg/config"
	"condenser/pkg/logger"
	"condenser/pkg/pool"
	"condenser/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")

	flags := config.ParseConfigFlags()
	cfg, err := config.LoadEffective(flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.InitWithLevel(cfg.Logging.Level)

	verStr := version
	if commit != "none" {
		verStr += " (" + commit + ")"
	}
	if buildDate != "unknown" {
		verStr += " @ " + buildDate
	}

	a, err := app.New(cfg, verStr)
	if err != nil {
		shutdown.Abort("startup failed", err, cfg.Storage.DBPath, 0)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	err = a.Run(ctx)
	switch {
	case err == nil:
		logger.Info("run_complete")
	case errors.Is(err, context.Canceled):
		logger.Info("run_cancelled")
	case errors.Is(err, pool.ErrPoolDead):
		if _, rerr := shutdown.RequestExitFile(cfg.Storage.DBPath, "session pool dead"); rerr != nil {
			logger.Error("exit_request_write_failed", "error", rerr)
		}
		shutdown.Abort("session pool died and could not be repaired", err, cfg.Storage.DBPath, 0)
	default:
		shutdown.Abort("pipeline failed", err, cfg.Storage.DBPath, 0)
	}
}
