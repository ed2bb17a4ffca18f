package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medrex/clinic-timeline/internal/app"
	"github.com/medrex/clinic-timeline/pkg/config"
	"github.com/medrex/clinic-timeline/pkg/logger"
)

func main() {
	configFile := flag.String("config", "", "path to a config file (default: search ./config.yaml, ./config, /etc/clinic-timeline)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadFrom(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger := logger.New(cfg.LogLevel)
	entry := logger.WithService("clinic-timeline")

	ctx := context.Background()
	service, err := app.New(ctx, cfg, logger)
	if err != nil {
		entry.Fatalf("Failed to initialize Timeline Service: %v", err)
	}

	// Start service in a goroutine
	go func() {
		if err := service.Start(); err != nil {
			entry.Fatalf("Failed to start Timeline Service: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	entry.Info("Shutting down Timeline Service...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := service.Stop(shutdownCtx); err != nil {
		entry.Errorf("Error during shutdown: %v", err)
	}
	entry.Info("Timeline Service stopped")
}
