package main

// @title           Chat Gateway API
// @version         1.0
// @description     Realtime gateway and internal control API for the chat service
// @host            localhost:3000
// @BasePath        /
// @schemes         http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and a service JWT.

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-gateway/internal/adapters/kafka"
	"chat-gateway/internal/api/routes"
	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"
	"chat-gateway/internal/database"
	"chat-gateway/internal/gateway"
	"chat-gateway/internal/repositories/postgres"
	"chat-gateway/internal/scheduler"
	"chat-gateway/internal/services"
	"chat-gateway/pkg/logger"

	"github.com/google/uuid"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logr := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logr)

	instance := uuid.NewString()
	logr.Info("Starting chat gateway", "env", cfg.Env, "instance", instance)

	if err := run(cfg, instance, logr); err != nil {
		logr.Error("Gateway stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, instance string, logr *slog.Logger) error {
	db, err := database.NewPostgresConnection(cfg.Database, logr)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	redisClient, err := database.NewRedisConnection(cfg.Redis, logr)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()

	store := postgres.NewStore(db)
	queue := scheduler.NewQueue(redisClient.GetClient(), cfg.Scheduler.Queue, logr)
	redisService := services.NewRedisService(redisClient, logr)
	directory := gateway.NewRedisDirectory(redisClient.GetClient(), instance, logr)

	var sinks []gateway.PresenceSink
	var presenceProducer *kafka.PresenceProducer
	if cfg.Kafka.Enabled() {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, "chat-gateway-"+instance)
		if err != nil {
			return err
		}
		presenceProducer = kafka.NewPresenceProducer(producer, cfg.Kafka.PresenceTopic, instance, logr)
		defer presenceProducer.Close()
		sinks = append(sinks, presenceProducer)
	}

	presence := gateway.NewPresenceTracker(logr, sinks...)
	gw := gateway.New(gateway.Deps{
		Store:     store,
		Tokens:    auth.NewTokenService(cfg.Auth.TokenSecret),
		Jobs:      queue,
		Registry:  gateway.NewRegistry(),
		Bus:       gateway.NewBus(logr),
		Presence:  presence,
		Directory: directory,
		Logger:    logr,
	}, gatewayOptions(cfg.Gateway))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go presence.Run(ctx)

	if cfg.Gateway.RelayChannel != "" {
		relay := gateway.NewRedisRelay(redisClient.GetClient(), cfg.Gateway.RelayChannel, gw, logr)
		if err := relay.Start(ctx); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}
		defer relay.Close()
		gw.SetRelay(relay)
	}

	if cfg.Kafka.Enabled() {
		reader := kafka.NewReader(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, cfg.Kafka.GroupID)
		consumer := kafka.NewEventConsumer(reader, gw, logr)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logr.Error("Event consumer failed", "error", err)
			}
		}()
	}

	deletion := services.NewAccountDeletionService(store, queue, gw, services.DefaultDeleteDelay, logr)
	go queue.Run(ctx, cfg.Scheduler.PollInterval, deletion.HandleJob)

	router := routes.NewRouter(routes.Deps{
		Gateway:        gw,
		Upgrader:       gateway.NewServer(gw, cfg.Gateway.TokenCookie, cfg.Gateway.AllowedOrigins),
		Deletion:       deletion,
		RateLimiter:    redisService,
		Redis:          redisClient,
		SessionCount:   gw.SessionCount,
		InternalSecret: cfg.Auth.InternalSecret,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Logger:         logr,
	})
	router.SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logr.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logr.Info("Server shutting down...", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// users still registered here are about to go offline
	users := gw.Registry().Users()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Error("Server forced to shutdown", "error", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logr.Error("Gateway sessions did not drain", "error", err)
	}
	stop()

	directory.ClearInstance(shutdownCtx, users)

	logr.Info("Server stopped")
	return nil
}

func gatewayOptions(cfg config.GatewayConfig) gateway.Options {
	opts := gateway.DefaultOptions()
	if cfg.HeartbeatInterval > 0 {
		opts.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout > 0 {
		opts.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.GraceWindow > 0 {
		opts.GraceWindow = cfg.GraceWindow
	}
	if cfg.SendBufferSize > 0 {
		opts.SendBufferSize = cfg.SendBufferSize
	}
	if cfg.MaxMessageSize > 0 {
		opts.MaxMessageSize = cfg.MaxMessageSize
	}
	return opts
}
