package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sebas/sipcore/internal/banner"
	"github.com/sebas/sipcore/internal/logger"
	"github.com/sebas/sipcore/internal/sipcore/app"
	"github.com/sebas/sipcore/internal/sipcore/config"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("sipcore", []banner.ConfigLine{
		{Label: "SIP port", Value: strconv.Itoa(cfg.Port)},
		{Label: "Bind", Value: cfg.BindAddr},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "App", Value: cfg.AppID},
		{Label: "Extensions", Value: strings.Join(cfg.Supported, ", ")},
		{Label: "API", Value: cfg.APIAddr},
	})

	server, err := app.NewServer(cfg)
	if err != nil {
		slog.Error("Failed to create sipcore server", "error", err)
		os.Exit(1)
	}
	defer server.Close()

	run(server, cfg)
}

func run(server *app.Server, cfg *config.Config) {
	slog.Info("Starting sipcore", "port", cfg.Port, "api", cfg.APIAddr)
	slog.Info(fmt.Sprintf("API available at http://%s", cfg.APIAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := server.Start(ctx); err != nil {
			slog.Error("Server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}
