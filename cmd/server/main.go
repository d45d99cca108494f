package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bcnelson/tontine-manager/internal/api"
	"github.com/bcnelson/tontine-manager/internal/app"
	"github.com/bcnelson/tontine-manager/internal/config"
	"github.com/bcnelson/tontine-manager/internal/scheduler"
	"github.com/bcnelson/tontine-manager/pkg/logging"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	var sched *scheduler.Scheduler
	if cfg.Settlement.Schedule != "" {
		sched, err = scheduler.New(cfg.Settlement.Schedule, a.Settlement, 5*time.Minute, logger)
		if err != nil {
			logger.Error("failed to create settlement scheduler", "error", err)
			os.Exit(1)
		}
		sched.Start()
	} else {
		logger.Info("settlement scheduler disabled; trigger passes via POST /api/v1/settlements/run or cmd/settle")
	}

	router := api.NewRouter(a.Membership, a.Settlement, a.Users, cfg.Security.AdminAPIKey, logger)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting tontine manager", "addr", "http://"+cfg.Server.Addr())

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("settlement pass still running at shutdown", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}
