package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/minipbx/internal/app"
	"github.com/sebas/minipbx/internal/banner"
	"github.com/sebas/minipbx/internal/config"
	"github.com/sebas/minipbx/internal/logger"
)

func main() {
	cfg := config.Load()

	logger.Init(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("MiniPBX B2BUA", []banner.ConfigLine{
		{Label: "SIP", Value: fmt.Sprintf("%s:%d", cfg.SIPHost, cfg.SIPPort)},
		{Label: "RTP relay", Value: fmt.Sprintf("%s:%d", cfg.RTPHost, cfg.RTPPort)},
		{Label: "Advertise", Value: cfg.ServerAddress},
		{Label: "Extensions", Value: fmt.Sprintf("%d-%d", cfg.ExtMin, cfg.ExtMax)},
		{Label: "Admin API", Value: fmt.Sprintf("http://0.0.0.0:%d", cfg.HTTPPort)},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	srv, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		slog.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	// Give in-flight handlers a moment to finish logging.
	time.Sleep(100 * time.Millisecond)
}
