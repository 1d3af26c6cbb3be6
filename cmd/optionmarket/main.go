// Command optionmarket is the backend entry point for the duration options
// marketplace. It loads configuration, validates it, wires dependencies,
// sets up signal handling, and starts the application in the configured
// mode. The sign, sign-exercise and encrypt-key subcommands are offline
// helpers for liquidity providers and takers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/optionmarket/internal/app"
	"github.com/alanyoungcy/optionmarket/internal/config"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "sign":
			os.Exit(runSign(os.Args[2:]))
		case "sign-exercise":
			os.Exit(runSignExercise(os.Args[2:]))
		case "encrypt-key":
			os.Exit(runEncryptKey(os.Args[2:]))
		}
	}
	os.Exit(runServe(os.Args[1:]))
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("optionmarket", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	fs.Parse(args)

	// Setup structured JSON logger.
	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("option marketplace starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			return 1
		}
	}

	logger.Info("option marketplace stopped")
	return 0
}

// loadConfig treats a missing default config.toml as "defaults only".
func loadConfig(path string) (*config.Config, error) {
	if path == "config.toml" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func newLogger(levelName string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
