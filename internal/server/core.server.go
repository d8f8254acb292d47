package server

import (
	"log"

	"tariff-service/internal/config"
	hrest "tariff-service/internal/handler/rest"
	"tariff-service/internal/pub"
	"tariff-service/internal/repository"
	"tariff-service/internal/usecase"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func NewTariffRestServer(cfg config.AppConfig, logger *zap.Logger) {
	// --- DB connection ---
	dbpool, err := config.ConnectDB(cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	// --- Redis client ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       0,
	})

	// --- Event publisher ---
	publisher := pub.NewTariffEventPublisher(cfg.KafkaBrokers, logger)

	// --- Repositories ---
	tariffRepo := repository.NewTariffRepo(dbpool)
	versionRepo := repository.NewTariffVersionRepo(dbpool)

	// --- Usecases ---
	cache := usecase.NewRedisTariffCache(rdb, logger)
	tariffUC := usecase.NewTariffUsecase(tariffRepo, versionRepo, publisher, cache, logger)
	pricingUC := usecase.NewPricingUsecase(tariffRepo, cache, logger)

	// --- REST Handler ---
	tariffHandler := hrest.NewTariffRestHandler(tariffUC, pricingUC)

	log.Printf("Tariff REST server listening on %s", cfg.HTTPAddr)
	tariffHandler.Start(cfg.HTTPAddr)
}
