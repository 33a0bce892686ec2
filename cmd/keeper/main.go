package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"keeper/internal/app"
	"keeper/internal/config"
	"keeper/internal/logger"
)

func main() {
	cfgPath := os.Getenv("KEEPER_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	watcher, err := config.NewWatcher(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	snap := watcher.Snapshot()
	cfg := &snap.Config

	logger.SetFormat(cfg.App.LogFormat)
	logFile, err := logger.SetFileOutput(logger.FileConfig{
		Path:       cfg.App.LogPath,
		MaxSizeMB:  cfg.App.LogMaxSizeMB,
		MaxBackups: cfg.App.LogMaxBackups,
		MaxAgeDays: cfg.App.LogMaxAgeDays,
		Compress:   cfg.App.LogCompress,
	})
	if err != nil {
		log.Fatalf("init log file: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("config loaded (env=%s, path=%s)", cfg.App.Env, cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(ctx, cfg, watcher)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		logger.Errorf("run failed: %v", err)
		os.Exit(1)
	}
	logger.Infof("shutdown complete")
}
