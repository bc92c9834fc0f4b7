package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/order-cqrs/internal/config"
	"github.com/example/order-cqrs/internal/infrastructure/kafka"
	"github.com/example/order-cqrs/internal/infrastructure/store"
	"github.com/example/order-cqrs/internal/publisher"
)

// The sweeper is the outbox recovery task: it republishes events the
// command path appended but failed to publish.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()

	log.Println("[Sweeper] ========================================")
	log.Println("[Sweeper] Order Service - Outbox Sweep")
	log.Println("[Sweeper] ========================================")
	log.Printf("[Sweeper] Interval: %s", cfg.SweepInterval)

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[Sweeper] Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()

	eventStore := store.NewPostgresEventStore(db)
	if err := eventStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("[Sweeper] %v", err)
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaClientID)
	defer producer.Close()

	pub := publisher.New(producer, eventStore)
	sweeper := publisher.NewSweeper(eventStore, pub, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sweeper.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("[Sweeper] Shutting down...")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("[Sweeper] %v", err)
		}
	}
}
