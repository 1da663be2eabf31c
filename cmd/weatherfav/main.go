package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"weatherfav/internal/bot"
	"weatherfav/internal/config"
	"weatherfav/internal/favorites"
	"weatherfav/internal/server"
	"weatherfav/internal/storage"
)

// newBotHandler is swapped in tests.
var newBotHandler = bot.NewHandler

func main() {
	// --- Configuration Loading ---
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Setup ---
	log := newLogger(cfg)
	log.WithFields(logrus.Fields{
		"listen_addr":   cfg.ListenAddr,
		"badgerdb_path": cfg.BadgerDBPath,
		"in_memory":     cfg.BadgerInMemory,
		"environment":   cfg.Environment,
	}).Info("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()
	if err != nil {
		log.WithError(err).Error("weatherfav exited with error")
		os.Exit(1)
	}
	log.Info("weatherfav shut down gracefully.")
}

// run owns every resource it opens and releases them before returning, so
// callers may exit right after it.
func run(ctx context.Context, cfg config.Config, log logrus.FieldLogger) error {
	// --- Initialize Components ---
	var (
		repo *storage.BadgerRepository
		err  error
	)
	if cfg.BadgerInMemory {
		repo, err = storage.NewInMemoryRepository(log)
	} else {
		repo, err = storage.NewBadgerRepository(cfg.BadgerDBPath, log)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.WithError(err).Error("Error closing database")
		}
	}()

	var opts []favorites.Option
	if cfg.EnableReset {
		opts = append(opts, favorites.WithReset())
	}
	gate := favorites.NewGate(repo, log, opts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.TelegramBotToken != "" {
		botHandler, err := newBotHandler(cfg.TelegramBotToken, gate, log)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram bot handler: %w", err)
		}
		go botHandler.Start(ctx)
	}

	// --- Application Startup ---
	httpServer := server.New(gate, log).HTTPServer(cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// --- Wait for Shutdown Signal ---
	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("HTTP server error")
	}
	cancel()

	// --- Graceful Shutdown ---
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown error")
	}

	// The deferred repo.Close() runs after this.
	return serveErr
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if strings.EqualFold(cfg.LogFormat, "text") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
