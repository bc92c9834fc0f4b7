package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/example/order-cqrs/internal/command"
	"github.com/example/order-cqrs/internal/config"
	"github.com/example/order-cqrs/internal/domain/order"
	"github.com/example/order-cqrs/internal/infrastructure/kafka"
	"github.com/example/order-cqrs/internal/infrastructure/store"
	"github.com/example/order-cqrs/internal/publisher"
	"github.com/example/order-cqrs/internal/query"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()

	log.Println("[API] ========================================")
	log.Println("[API] Order Service - Command API")
	log.Println("[API] ========================================")
	log.Printf("[API] Kafka: %v", cfg.KafkaBrokers)
	log.Printf("[API] Event store backend: %s", cfg.EventStoreBackend)

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaClientID)
	defer producer.Close()

	db, err := store.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[API] Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()

	readStore := store.NewPostgresReadStore(db)
	if err := readStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("[API] %v", err)
	}

	var (
		eventStore store.EventStore
		marks      store.HighWaterMarkStore
	)
	switch cfg.EventStoreBackend {
	case "dynamo":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Fatalf("[API] Failed to load AWS config: %v", err)
		}
		eventStore = store.NewDynamoEventStore(dynamodb.NewFromConfig(awsCfg),
			cfg.DynamoEventsTable, cfg.DynamoSnapshotsTable)
		// No high-water marks on DynamoDB; the sweep is Postgres-only.
	default:
		pgStore := store.NewPostgresEventStore(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("[API] %v", err)
		}
		eventStore = pgStore
		marks = pgStore
	}

	pub := publisher.New(producer, marks)
	cmdHandler := command.NewHandler(eventStore, pub, cfg.SnapshotEvery)
	queryHandler := query.NewHandler(readStore)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: newRouter(cmdHandler, queryHandler),
	}

	go func() {
		log.Printf("[API] Server started on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[API] Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[API] Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[API] Shutdown error: %v", err)
	}
	cancel()
}

// newRouter binds the four commands and the read-side queries. This is a
// thin command-producer surface over the handlers, nothing more.
func newRouter(cmdHandler *command.Handler, queryHandler *query.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		var cmd command.CreateOrder
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		orderID, err := cmdHandler.CreateOrder(r.Context(), cmd)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"order_id": orderID})
	})

	mux.HandleFunc("POST /orders/{id}/pay", func(w http.ResponseWriter, r *http.Request) {
		var cmd command.PayOrder
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmd.OrderID = r.PathValue("id")
		if err := cmdHandler.PayOrder(r.Context(), cmd); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /orders/{id}/ship", func(w http.ResponseWriter, r *http.Request) {
		var cmd command.ShipOrder
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmd.OrderID = r.PathValue("id")
		if err := cmdHandler.ShipOrder(r.Context(), cmd); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /orders/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		var cmd command.CancelOrder
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmd.OrderID = r.PathValue("id")
		if err := cmdHandler.CancelOrder(r.Context(), cmd); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		o, err := queryHandler.GetOrder(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	})

	mux.HandleFunc("GET /orders/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		history, err := queryHandler.GetStatusHistory(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	})

	mux.HandleFunc("GET /orders", func(w http.ResponseWriter, r *http.Request) {
		var (
			orders any
			err    error
		)
		if customerID := r.URL.Query().Get("customer_id"); customerID != "" {
			orders, err = queryHandler.ListOrdersByCustomer(r.Context(), customerID)
		} else if status := r.URL.Query().Get("status"); status != "" {
			orders, err = queryHandler.ListOrdersByStatus(r.Context(), status)
		} else {
			http.Error(w, "customer_id or status query parameter required", http.StatusBadRequest)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, orders)
	})

	return mux
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, order.ErrInvalidCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, order.ErrIllegalTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrConcurrencyConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, command.ErrNotFound), errors.Is(err, query.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, publisher.ErrPublish):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}
