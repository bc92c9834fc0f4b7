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
	"github.com/example/order-cqrs/internal/projection"
	"github.com/example/order-cqrs/internal/publisher"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()

	log.Println("[Projector] ========================================")
	log.Println("[Projector] Order Service - Projection Consumer")
	log.Println("[Projector] ========================================")
	log.Printf("[Projector] Kafka: %v", cfg.KafkaBrokers)
	log.Printf("[Projector] Topics: %v", publisher.Topics())
	log.Printf("[Projector] Group: %s", cfg.ConsumerGroup)

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[Projector] Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()
	log.Println("[Projector] Connected to PostgreSQL (read model)")

	readStore := store.NewPostgresReadStore(db)
	if err := readStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("[Projector] %v", err)
	}

	// Dead-letter producer for poison messages.
	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaClientID)
	defer producer.Close()

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, publisher.Topics(), cfg.ConsumerGroup)
	defer consumer.Close()

	projector := projection.NewProjector(readStore, producer)

	errCh := make(chan error, 1)
	go func() {
		log.Println("[Projector] Starting event consumer...")
		errCh <- projector.Run(ctx, consumer)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("[Projector] Shutting down...")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("[Projector] Consumer failed: %v", err)
		}
	}
}
