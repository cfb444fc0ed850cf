package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/zots0127/chunkup/internal/adapter/handler"
	"github.com/zots0127/chunkup/internal/domain/repository"
	infra "github.com/zots0127/chunkup/internal/infrastructure/repository"
	"github.com/zots0127/chunkup/internal/usecase"
	"github.com/zots0127/chunkup/pkg/chunkhash"
	"github.com/zots0127/chunkup/pkg/config"
	"github.com/zots0127/chunkup/pkg/metrics"
	"github.com/zots0127/chunkup/pkg/middleware"
)

// server wires the repositories, use cases and HTTP routes for one config
type server struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	uploads *usecase.UploadUseCase
	router  *gin.Engine
}

func newServer(cfg *config.Config, logger *slog.Logger) (*server, error) {
	alg, err := chunkhash.ParseAlgorithm(cfg.Upload.Algorithm)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := infra.OpenSessionDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	chunks, err := infra.NewChunkRepository(cfg.Storage.ChunksDir())
	if err != nil {
		db.Close()
		return nil, err
	}
	artifacts, err := newArtifactRepository(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	sessions := infra.NewSessionRepository(db)

	uploads := usecase.NewUploadUseCase(chunks, sessions, artifacts, usecase.UploadConfig{
		Algorithm:    alg,
		VerifyChunks: cfg.Upload.VerifyChunks,
		MaxChunkSize: cfg.Upload.MaxChunkSize,
		SessionTTL:   cfg.Storage.SessionTTL,
	}, logger)

	dirs := []string{cfg.Storage.ChunksDir(), cfg.Storage.TempDir()}
	if cfg.Artifacts.Backend == "fs" {
		dirs = append(dirs, cfg.Storage.MergedDir())
	}
	health := usecase.NewHealthUseCase(infra.NewHealthRepository(db, sessions, cfg.Storage.Path, dirs...), version)

	collector := metrics.NewMetricsCollector()
	router := gin.New()
	middleware.NewMiddlewareChain(middleware.DefaultConfig(), logger).Apply(router)
	router.Use(collector.Middleware())

	uploadHandler := handler.NewUploadHandler(uploads, logger)
	uploadHandler.SetMetrics(collector)
	uploadHandler.RegisterRoutes(router)
	handler.NewHealthHandler(health).RegisterRoutes(router)
	collector.RegisterRoutes(router)

	return &server{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		uploads: uploads,
		router:  router,
	}, nil
}

func newArtifactRepository(cfg *config.Config) (repository.ArtifactRepository, error) {
	switch cfg.Artifacts.Backend {
	case "s3":
		s3cfg := cfg.Artifacts.S3
		return infra.NewS3ArtifactRepository(infra.S3Options{
			Bucket:         s3cfg.Bucket,
			Prefix:         s3cfg.Prefix,
			Region:         s3cfg.Region,
			Endpoint:       s3cfg.Endpoint,
			AccessKey:      s3cfg.AccessKey,
			SecretKey:      s3cfg.SecretKey,
			ForcePathStyle: s3cfg.ForcePathStyle,
		}, cfg.Storage.TempDir())
	default:
		return infra.NewArtifactRepository(cfg.Storage.MergedDir(), cfg.Storage.TempDir())
	}
}

// applyConfig applies the settings that can change without a restart
func (s *server) applyConfig(oldConfig, newConfig *config.Config, level *slog.LevelVar) {
	if oldConfig.Logging.Level != newConfig.Logging.Level {
		level.Set(newConfig.Logging.SlogLevel())
		s.logger.Info("log level changed", "level", newConfig.Logging.Level)
	}
	if oldConfig.Upload.VerifyChunks != newConfig.Upload.VerifyChunks {
		s.uploads.SetVerifyChunks(newConfig.Upload.VerifyChunks)
		s.logger.Info("chunk verification changed", "enabled", newConfig.Upload.VerifyChunks)
	}
}

// run serves until ctx is done, then drains in-flight requests
func (s *server) run(ctx context.Context) error {
	if err := s.uploads.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted merges: %w", err)
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.uploads.RunJanitor(janitorCtx, s.cfg.Storage.CleanupInterval)

	httpServer := &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", httpServer.Addr, "version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *server) close() error {
	return s.db.Close()
}

// newLogger builds the process logger; level stays adjustable through the LevelVar
func newLogger(cfg config.LoggingConfig, level *slog.LevelVar) *slog.Logger {
	level.Set(cfg.SlogLevel())
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
