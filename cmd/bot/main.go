package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"whatsapp-ai-bot/internal/config"
	"whatsapp-ai-bot/internal/logging"
	"whatsapp-ai-bot/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, supervisor.NewLifecycle(), os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, lc *supervisor.Lifecycle, stderr io.Writer) int {
	if err := lc.Begin(); err != nil {
		fmt.Fprintln(stderr, "bot already running, skipping start:", err)
		return 0
	}
	defer lc.Finish()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(stderr, "warning: could not read .env:", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return 1
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(stderr, "logger error:", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	sup := supervisor.New(cfg, logger)
	if err := sup.Start(ctx); err != nil {
		logger.Error("startup failed", zap.Error(err))
		shutdown(logger, sup)
		return 1
	}
	lc.MarkRunning()
	logger.Info("bot started", zap.String("port", cfg.Port), zap.String("client_id", cfg.ClientID))

	waitErr := sup.Wait(ctx)
	lc.BeginShutdown()
	logger.Info("shutting down")
	shutdown(logger, sup)

	if waitErr != nil {
		logger.Error("server stopped unexpectedly", zap.Error(waitErr))
		return 1
	}
	return 0
}

func shutdown(logger *zap.Logger, sup *supervisor.Supervisor) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
