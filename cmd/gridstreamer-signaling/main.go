// Command gridstreamer-signaling runs the Socket.IO signaling core as a
// standalone HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvidia/gridstreamer/signaling/internal/config"
	"github.com/nvidia/gridstreamer/signaling/internal/conn"
	"github.com/nvidia/gridstreamer/signaling/internal/router"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting gridstreamer signaling core")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"listen_addr", cfg.ListenAddr,
		"namespace", cfg.Namespace,
		"protocol_version", cfg.ProtocolVersion,
		"enabled_protocols", cfg.EnabledProtocols,
	)

	rt := router.New(cfg, func() conn.Connection { return conn.NewEchoConnection() })

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rt,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-polling and htmlfile responses can legitimately block for minutes
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		if err := rt.Run(ctx); err != nil {
			runErrCh <- fmt.Errorf("background loops: %w", err)
		}
	}()
	slog.Info("session sweep and stats loops started")

	serveErrCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-serveErrCh:
		slog.Error("server error, shutting down", "error", err)
	case err := <-runErrCh:
		slog.Error("background loop error, shutting down", "error", err)
	}

	slog.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), router.ShutdownGrace())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("gridstreamer signaling core shut down cleanly")
}
