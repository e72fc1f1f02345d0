package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/showfolio/analytics/internal/config"
	"github.com/showfolio/analytics/internal/enricher"
	"github.com/showfolio/analytics/internal/handler"
	"github.com/showfolio/analytics/internal/producer"
	"github.com/showfolio/analytics/internal/server"
	"github.com/showfolio/analytics/internal/session"
	"github.com/showfolio/analytics/internal/store"
	"github.com/showfolio/analytics/internal/validation"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to read .env")
	}

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/analytics.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}

	log.Info().Msg("Starting Showfolio analytics API...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := make(map[string]server.Checker)

	// Event store
	var eventStore store.Store
	if cfg.Postgres.DSN != "" {
		db, err := store.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Postgres")
		}
		defer db.Close()

		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate Postgres")
		}
		eventStore = pg
		checks["postgres"] = db.PingContext
		log.Info().Msg("Postgres store initialized")
	} else {
		eventStore = store.NewMemoryStore()
		log.Warn().Msg("No Postgres DSN configured, events are kept in memory")
	}

	// Redis backs rate limiting and live session counters
	var (
		rdb      *redis.Client
		opts     []handler.Option
		sessions *session.Aggregator
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis not reachable, rate limiting fails open")
		}
		sessions = session.NewAggregator(rdb, cfg.Redis.SessionTTL)
		defer sessions.Close()

		opts = append(opts, handler.WithSessions(sessions))
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info().Msg("Session aggregator initialized")
	}

	validator := validation.NewValidator(rdb, cfg.RateLimit.RequestsPerSecond)
	log.Info().Msg("Validator initialized")

	// Kafka fan-out is optional
	var publisher producer.Publisher = producer.NopPublisher{}
	kafkaProducer, err := producer.NewKafkaProducer(cfg.Kafka)
	switch {
	case errors.Is(err, producer.ErrNoBrokers):
		log.Warn().Msg("No Kafka brokers configured, fan-out disabled")
	case err != nil:
		log.Fatal().Err(err).Msg("Failed to create Kafka producer")
	default:
		publisher = kafkaProducer
		log.Info().Msg("Kafka producer initialized")
	}
	defer publisher.Close()
	opts = append(opts, handler.WithPublisher(publisher))

	eventEnricher := enricher.NewEnricher(cfg.GeoIP.DatabasePath, cfg.Privacy.IPSalt, cfg.GeoIP.CacheSize)
	defer eventEnricher.Close()
	log.Info().Msg("Enricher initialized")

	// gRPC health service
	grpcServer := grpc.NewServer()
	healthServer := server.NewHealthServer(checks)
	healthServer.Register(grpcServer)
	go healthServer.Run(ctx, 10*time.Second)

	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to listen for gRPC")
		}
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC health server")
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("Failed to serve gRPC")
		}
	}()

	// HTTP API
	httpHandler := handler.NewHTTPHandler(eventStore, validator, eventEnricher, cfg.Query, opts...)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpHandler.Router(cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to serve HTTP")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down servers...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown")
	}
	grpcServer.GracefulStop()
	log.Info().Msg("Servers stopped")
}
