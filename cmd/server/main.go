package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/pflag"

	"github.com/rpattn/traceforge/internal/authority"
	"github.com/rpattn/traceforge/internal/config"
	"github.com/rpattn/traceforge/internal/db"
	"github.com/rpattn/traceforge/internal/middleware"
	"github.com/rpattn/traceforge/internal/repository"
	"github.com/rpattn/traceforge/internal/rules"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var debug bool

	flagSet := pflag.NewFlagSet("traceforge-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", ".", "directory containing config.yaml")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var repo repository.CommitRepository
	if cfg.Database.Enabled {
		if err := db.RunMigrations(cfg.Database.Config); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		conn, err := db.NewConnection(ctx, cfg.Database.Config)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer conn.Close()
		repo = repository.NewPostgresRepository(conn)
		logger.Info("using postgres repository", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)
	} else {
		repo = repository.NewMemoryRepository()
		logger.Warn("database disabled, using in-memory repository")
	}

	hub := authority.NewHub(logger)
	service := authority.NewService(repo, rules.NewMatrix(cfg.Rules), hub, logger)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	handler := corsHandler.Handler(
		middleware.LoggingMiddleware(logger)(
			middleware.DataLoaderMiddleware(repo)(authority.NewHTTPHandler(service, hub)),
		),
	)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting authority server", "addr", cfg.Server.Addr, "rules", len(cfg.Rules))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}
