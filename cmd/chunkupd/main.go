// Command chunkupd serves the resumable chunked upload API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/zots0127/chunkup/pkg/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvConfigPath), "Configuration file path")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "chunkupd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	configManager := config.NewConfigManager()
	level := new(slog.LevelVar)

	// The first load only decides the log format and level.
	bootstrap := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	configManager.SetLogger(bootstrap)
	cfg, err := configManager.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging, level)
	slog.SetDefault(logger)
	configManager.SetLogger(logger)

	if level.Level() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		watcher, err := config.NewConfigWatcher(configManager, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		} else {
			watcher.AddCallback(func(oldConfig, newConfig *config.Config) {
				srv.applyConfig(oldConfig, newConfig, level)
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	if err := srv.run(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
