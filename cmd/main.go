package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/api"
	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/dedup"
	"github.com/akylbek/payment-system/payment-reconciler/internal/events"
	"github.com/akylbek/payment-system/payment-reconciler/internal/gateway"
	"github.com/akylbek/payment-system/payment-reconciler/internal/handlers"
	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
	"github.com/akylbek/payment-system/payment-reconciler/internal/service"
	"github.com/akylbek/payment-system/payment-reconciler/internal/signature"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

const serviceName = "payment-reconciler"

func main() {
	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Payment gateway reconciliation service",
		SilenceUsage: true,
		RunE:         func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE:  func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE:  func(cmd *cobra.Command, _ []string) error { return runMigrations() },
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMigrations() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required to run migrations")
	}
	return repository.Migrate(cfg.DatabaseURL)
}

func serve(ctx context.Context) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize telemetry
	if err := telemetry.InitTelemetry(serviceName, cfg.JaegerEndpoint); err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer telemetry.Shutdown(context.Background())
	logger := telemetry.Logger

	logger.Info("Starting Payment Reconciler", zap.String("profile", cfg.Profile))

	// Payment store
	var repo interfaces.PaymentRepository
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(ctx, cfg.RepositoryTimeout)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := repository.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		repo = repository.NewPaymentRepository(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory payment store")
		repo = repository.NewMemoryPaymentRepository()
	}

	// Connect to Redis
	var webhookDedup interfaces.WebhookDeduplicator
	if cfg.RedisURL != "" {
		redisClient := redis.NewClient(redisOptions(cfg.RedisURL))
		defer redisClient.Close()
		webhookDedup = dedup.NewWebhookStore(redisClient, cfg.WebhookDedupTTL)
	}

	// Connect to NATS
	var notifier events.Notifier
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()
		notifier = nc
	}

	// Connect to Kafka
	var writer events.MessageWriter
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		kafkaWriter := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        cfg.StateTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		defer kafkaWriter.Close()
		writer = kafkaWriter
	}

	publisher := events.NewPublisher(writer, notifier, logger.With(zap.String("component", "Publisher")))
	gatewayClient := gateway.NewClient(
		cfg.Gateway.BaseURL,
		cfg.Gateway.KeyID,
		cfg.Gateway.KeySecret,
		cfg.Gateway.Timeout,
		logger.With(zap.String("component", "GatewayClient")),
	)
	verifier := signature.NewVerifier(cfg.Gateway.KeySecret, cfg.Gateway.WebhookSecret, cfg.SkipWebhookVerification)
	if verifier.Skipping() {
		logger.Warn("Webhook signature verification is disabled")
	}

	paymentService := service.NewPaymentService(
		repo,
		gatewayClient,
		publisher,
		verifier,
		webhookDedup,
		service.Options{
			KeyID:             cfg.Gateway.KeyID,
			DefaultCurrency:   cfg.DefaultCurrency,
			RepositoryTimeout: cfg.RepositoryTimeout,
		},
		logger.With(zap.String("component", "PaymentService")),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := api.NewRouter(handlers.NewPaymentHandler(paymentService, !cfg.IsProduction()))

	// Setup HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Payment Reconciler starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
	return nil
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(raw string) *redis.Options {
	if strings.Contains(raw, "://") {
		if opts, err := redis.ParseURL(raw); err == nil {
			return opts
		}
	}
	return &redis.Options{Addr: raw}
}
