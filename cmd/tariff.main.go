package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tariff-service/internal/config"
	"tariff-service/internal/server"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load .env (optional)
	if err := godotenv.Load(); err != nil {
		log.Println("Tariff: No .env file found, relying on system env vars")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Load config
	cfg := config.Load()

	// Start Tariff REST server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Printf("🌍 Tariff REST server starting on %s", cfg.HTTPAddr)
		// This blocks until server exits
		server.NewTariffRestServer(cfg, logger)
		errCh <- nil
	}()

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("🛑 Tariff service shutting down gracefully...")
		_, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Tariff service failed: %v", err)
		}
	}
}
