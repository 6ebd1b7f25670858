package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/m365gw/internal/config"
	"github.com/infodancer/m365gw/internal/gateway"
	"github.com/infodancer/m365gw/internal/logging"
)

// Exit codes shared by the subcommands.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitAuthRequired = 2
	exitGraphError   = 3
)

// loadConfig parses flags and loads the effective configuration, exiting
// on failure. Shared by every subcommand that needs the config.
func loadConfig() (config.Config, *config.Flags) {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(exitConfigError)
	}
	return cfg, flags
}

func runServe() {
	cfg, _ := loadConfig()

	logger, closer, err := logging.NewFileLogger(cfg.Logging.LogLevel, cfg.Logging.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting gateway: %v\n", err)
		os.Exit(exitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := gw.CheckStartup(ctx); err != nil {
		if errors.Is(err, gateway.ErrAuthRequired) {
			fmt.Fprintf(os.Stderr, "%v\nrun 'm365gw login' to sign in\n", err)
			os.Exit(exitAuthRequired)
		}
		fmt.Fprintf(os.Stderr, "startup check failed: %v\n", err)
		os.Exit(exitGraphError)
	}

	if err := gw.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gateway error: %v\n", err)
		os.Exit(exitConfigError)
	}
}
