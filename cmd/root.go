package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailvec/config"
	"github.com/dhcgn/mailvec/model"
)

var registerOnce sync.Once

var rootCmd = &cobra.Command{
	Use:           "mailvec",
	Short:         "Index mail archives and search them in natural language",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line. Results are printed to stdout as JSON,
// logs and progress go to stderr.
func Execute(ctx context.Context) error {
	var err error
	registerOnce.Do(func() {
		err = config.RegisterFlags(rootCmd)
	})
	if err != nil {
		return fmt.Errorf("failed to register CLI flags: %w", err)
	}
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, model.ErrCollectionNotFound):
		return 4
	case errors.Is(err, model.ErrModelMismatch),
		errors.Is(err, model.ErrArchiveCorrupt),
		errors.Is(err, model.ErrArchiveEncrypted),
		errors.Is(err, model.ErrCanonicalCorrupt),
		errors.Is(err, config.ErrInvalid):
		return 5
	case errors.Is(err, model.ErrVectorStoreIO),
		errors.Is(err, model.ErrEmbeddingUnavailable):
		return 3
	case errors.Is(err, os.ErrNotExist):
		return 2
	default:
		return 1
	}
}

// setup loads the configuration and the logger shared by every subcommand.
func setup(cmd *cobra.Command) (config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, cleanup, err := setupLogger(cfg, cmd.Name())
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, cleanup, nil
}

func setupLogger(cfg config.Config, command string) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mailvec-%s-%s.log", command, time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
