// Package main is the entry point for the zgate gateway server.
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
	"time"

	"github.com/zgate-dev/zgate/internal/app"
	"github.com/zgate-dev/zgate/internal/config"
)

const version = "0.2.0"

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("zgate " + version)
		return
	}

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	// Bootstrap logger until the app installs the configured one.
	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(bootstrap)

	bootstrap.Info("starting zgate gateway", "version", version)

	manager, err := config.NewManager(configPath, bootstrap)
	if err != nil {
		bootstrap.Error("failed to load configuration", "error", err)
		return 1
	}

	// Assemble the gateway; the app owns the manager from here on.
	gateway, err := app.New(context.Background(), manager.Get(), app.Options{Manager: manager})
	if err != nil {
		bootstrap.Error("failed to assemble gateway", "error", err)
		return 1
	}
	slog.SetDefault(gateway.Logger().Slog())

	if err := gateway.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		if errors.Is(err, app.ErrBind) {
			return 2
		}
		return 1
	}

	waitForSignal()

	timeout := manager.Get().Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := gateway.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
		return 1
	}
	slog.Info("server stopped")
	return 0
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}
