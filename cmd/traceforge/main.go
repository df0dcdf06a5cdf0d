package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/rpattn/traceforge/internal/commit"
	"github.com/rpattn/traceforge/internal/config"
	"github.com/rpattn/traceforge/internal/remote"
	"github.com/rpattn/traceforge/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var authorityURL string
	var versionFlag string
	var verbose bool

	flagSet := pflag.NewFlagSet("traceforge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", ".", "directory containing config.yaml")
	flagSet.StringVar(&authorityURL, "authority", "", "authority base URL (overrides engine.authority_url)")
	flagSet.StringVar(&versionFlag, "version", "", "project version to open on start")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if authorityURL == "" {
		authorityURL = cfg.Engine.AuthorityURL
	}

	client, err := remote.NewClient(authorityURL, remote.WithLogger(logger))
	if err != nil {
		return err
	}

	sh := newShell(os.Stdout)
	manager := session.NewManager(client, session.Options{
		Policy:       policyFrom(cfg.Engine),
		HistoryLimit: cfg.Engine.HistoryLimit,
		Notifier:     sh,
		Logger:       logger,
	})
	defer manager.Close()
	sh.manager = manager

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if versionFlag != "" {
		versionID, err := uuid.Parse(versionFlag)
		if err != nil {
			return fmt.Errorf("invalid --version: %w", err)
		}
		if _, err := manager.Open(ctx, versionID); err != nil {
			return err
		}
	}
	return sh.Run(ctx, os.Stdin)
}

func policyFrom(engine config.EngineConfig) commit.Policy {
	return commit.Policy{
		Serialize: commit.SerializePolicy(engine.Serialize),
		Conflict:  commit.ConflictPolicy(engine.ConflictPolicy),
	}
}
