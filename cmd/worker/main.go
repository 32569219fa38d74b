package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"cardscan/internal/blob"
	"cardscan/internal/cards"
	"cardscan/internal/config"
	"cardscan/internal/queue"
	"cardscan/internal/store"
	"cardscan/internal/telemetry"
	"cardscan/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueue(redisClient, cfg)

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init blob store: %v", err)
	}

	catalog := cards.NewCatalog(redisClient, cfg.CatalogURL, cfg.CatalogTimeout, cfg.CatalogCacheTTL)
	scanner := cards.NewScanner(catalog)

	processor := worker.New(cfg, q, st, blobs, scanner.Analyze)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started concurrency=%d visibility=%s max_attempts=%d", cfg.WorkerConcurrency, cfg.VisibilityTimeout, cfg.MaxAttempts)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}
