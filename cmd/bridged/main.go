// Package main is the out-of-process entrypoint for the bridge
// (FEDI_BRIDGE_REMOTE=1): it loads configuration, constructs the runtime
// via internal/bridge, serves the RPC dispatch table over HTTP, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fedixyz/fedi-sub003/internal/bridge"
	"github.com/fedixyz/fedi-sub003/internal/config"
	"github.com/fedixyz/fedi-sub003/internal/federation"
	"github.com/fedixyz/fedi-sub003/internal/matrix"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := setupLogger("info", "json")
	logger.Info("fedi bridge starting")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	bindings, err := newBindings(cfg, logger)
	if err != nil {
		return fmt.Errorf("constructing bridge bindings: %w", err)
	}

	ctx := context.Background()
	br, err := bridge.New(ctx, cfg, bindings, logger)
	if err != nil {
		var off *bridge.OffboardingError
		if asOffboarding(err, &off) {
			return fmt.Errorf("bridge offboarded at boot (%s): %s", off.Reason, off.Detail)
		}
		return fmt.Errorf("constructing bridge: %w", err)
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := br.Start(); err != nil {
			errCh <- fmt.Errorf("RPC transport: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := br.Shutdown(shutdownCtx); err != nil {
		logger.Error("bridge shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("fedi bridge stopped")
	return nil
}

// newBindings constructs the collaborators Bridge needs that this repo
// deliberately does not implement: the Matrix client session and the
// per-federation Fedimint client factory. A production build of this binary
// links in a build-specific implementation of both; a fabricated stand-in
// here would misrepresent what this process actually does, so this build
// fails fast with a clear error instead.
func newBindings(cfg *config.Config, logger *slog.Logger) (bridge.Bindings, error) {
	return bridge.Bindings{}, fmt.Errorf(
		"no %T or %T implementation is linked into this build; a deployable bridge binary "+
			"supplies both via internal/bridge.Bindings before calling bridge.New",
		(matrix.Client)(nil), (federation.ClientFactory)(nil))
}

func asOffboarding(err error, target **bridge.OffboardingError) bool {
	for err != nil {
		if off, ok := err.(*bridge.OffboardingError); ok {
			*target = off
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func configPath() string {
	if p := os.Getenv("FEDI_BRIDGE_CONFIG_PATH"); p != "" {
		return p
	}
	return "bridge.toml"
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
