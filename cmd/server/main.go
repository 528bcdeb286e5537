package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/korepay/reconciler/internal/api"
	"github.com/korepay/reconciler/internal/config"
	"github.com/korepay/reconciler/internal/infrastructure/kafka"
	"github.com/korepay/reconciler/internal/infrastructure/redis"
	"github.com/korepay/reconciler/internal/observability"
	"github.com/korepay/reconciler/internal/provider"
	"github.com/korepay/reconciler/internal/reconcile"
	core "github.com/korepay/reconciler/internal/repository/postgres"
	redisindex "github.com/korepay/reconciler/internal/repository/redis"
	service "github.com/korepay/reconciler/internal/services"
	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	shutdown, _ := observability.Setup("payment-reconciler")
	defer shutdown(context.Background())

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	txRepo := core.NewPostgresTransactionRepository(db)
	redisClient := redis.NewClient(cfg.RedisAddr)
	defer redisClient.Close()
	corrIndex := redisindex.NewCorrelationIndex(redisClient, txRepo)

	providerClient := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)

	coordinator := reconcile.NewCoordinator(txRepo)
	poller := reconcile.NewPoller(txRepo, providerClient, coordinator, cfg.ProviderTimeout)

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	svc := service.NewReconciliationService(txRepo, corrIndex, coordinator, poller, providerClient, producer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Broker-delivered callbacks funnel through the same coordinator as the
	// webhook path.
	callbackConsumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.CallbackTopic, "payment-reconciler-group", corrIndex, coordinator)
	go callbackConsumer.Consume(ctx)
	defer callbackConsumer.Close()

	worker := reconcile.NewWorker(txRepo, poller, svc, redisClient, cfg.PollInterval, cfg.StuckAfter)
	go worker.Run(ctx)

	router := api.SetupRouter(svc, redisClient, cfg.JWTSecret)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
