package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"github.com/setof/checkout-pipeline/internal/adapter/event"
	"github.com/setof/checkout-pipeline/internal/adapter/handler"
	"github.com/setof/checkout-pipeline/internal/adapter/storage"
	"github.com/setof/checkout-pipeline/internal/core/service"
	"github.com/setof/checkout-pipeline/internal/metrics"
	"github.com/setof/checkout-pipeline/internal/port"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mysqlDSN := getenv("MYSQL_DSN", "root:root@tcp(localhost:3306)/checkout?parseTime=true")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	httpAddr := getenv("HTTP_ADDR", ":8080")
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	kafkaTopic := getenv("KAFKA_TOPIC", "checkout-events")

	// MySQL
	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		logger.Error("mysql open failed", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Error("mysql ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to mysql")

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to redis")

	redisAdapter := storage.NewRedisAdapter(rdb)
	mysqlAdapter := storage.NewMySQLAdapter(db)
	completionMetrics := metrics.NewCompletionMetrics()

	var publisher port.EventPublisher
	var kafkaPublisher *event.KafkaPublisher
	if kafkaBrokers != "" {
		kafkaPublisher = event.NewKafkaPublisher(strings.Split(kafkaBrokers, ","), kafkaTopic)
		publisher = kafkaPublisher
		logger.Info("kafka publisher enabled", "topic", kafkaTopic)
	}

	opts := []service.Option{
		service.WithMetrics(completionMetrics),
		service.WithLogger(logger),
	}
	if publisher != nil {
		opts = append(opts, service.WithEventPublisher(publisher))
	}
	checkoutService := service.NewCheckoutService(
		redisAdapter, redisAdapter, mysqlAdapter, mysqlAdapter, mysqlAdapter, opts...)

	sweeper := service.NewExpirySweeper(service.SweeperConfig{
		Lock:      redisAdapter,
		Checkouts: mysqlAdapter,
		Payments:  mysqlAdapter,
		Events:    publisher,
		Metrics:   completionMetrics,
		Logger:    logger,
	})
	go sweeper.Run(ctx)
	logger.Info("expiry sweeper started")

	httpHandler := handler.NewHTTPHandler(checkoutService)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", httpHandler.HealthCheck)
	mux.HandleFunc("/api/checkouts", httpHandler.StartCheckout)
	mux.HandleFunc("/api/checkouts/complete", httpHandler.CompleteCheckout)
	mux.HandleFunc("/api/checkouts/cancel", httpHandler.CancelCheckout)
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:    httpAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	logger.Info("http server stopped")

	if kafkaPublisher != nil {
		kafkaPublisher.Close()
	}
	rdb.Close()
	db.Close()
	logger.Info("connections closed")
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
