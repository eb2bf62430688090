package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/noc-turne/LLM-Light-Testing/internal/config"
	"github.com/noc-turne/LLM-Light-Testing/internal/storage"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "lighttest",
	Short:         "Benchmark OpenAI-compatible LLM endpoints and generate synthetic dialogues",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(runCmd, treeCmd, gpuAgentCmd, gpuCmd, endpointsCmd, runsCmd, mcpCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadSettings reads the process settings and installs the default logger.
// The returned func closes the log file, if any.
func loadSettings() (config.Settings, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Settings{}, nil, err
	}
	logger, cleanup := config.SetupLogger(cfg.Log.File, config.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)
	return cfg, cleanup, nil
}

// openStore opens the run history, or returns nil when it is disabled.
func openStore(cfg config.Settings) (*storage.Store, error) {
	if !cfg.Storage.Enabled {
		return nil, nil
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

var errStorageDisabled = errors.New("run history is disabled (storage.enabled=false)")

// requireStore is openStore for commands that only read history.
func requireStore(cfg config.Settings) (*storage.Store, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errStorageDisabled
	}
	return store, nil
}

func closeStore(store *storage.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
