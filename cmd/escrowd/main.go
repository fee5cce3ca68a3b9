// Command escrowd runs the pari-mutuel escrow engine. It loads configuration,
// validates it, wires dependencies, sets up signal handling, and serves the
// settlement API and keepers until interrupted.
//
// With -encrypt-secret it instead encrypts ESCROW_ENGINE_SECRET under
// ESCROW_ENGINE_SECRET_PASSWORD and writes the result to the given path, for
// use as engine.secret_file.
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

	"github.com/alanyoungcy/parimutuel/internal/app"
	"github.com/alanyoungcy/parimutuel/internal/config"
	"github.com/alanyoungcy/parimutuel/internal/crypto"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (defaults plus ESCROW_* env when empty)")
	encryptTo := flag.String("encrypt-secret", "", "encrypt the engine secret to this file and exit")
	flag.Parse()

	if *encryptTo != "" {
		if err := encryptSecret(*encryptTo); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-secret: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("escrowd starting", slog.String("config", *configPath))
	logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error", slog.String("error", err.Error()))
			application.Close()
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("escrowd stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func encryptSecret(path string) error {
	secret := os.Getenv("ESCROW_ENGINE_SECRET")
	password := os.Getenv("ESCROW_ENGINE_SECRET_PASSWORD")
	if secret == "" || password == "" {
		return errors.New("ESCROW_ENGINE_SECRET and ESCROW_ENGINE_SECRET_PASSWORD must be set")
	}
	blob, err := crypto.EncryptSecret([]byte(secret), password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}
