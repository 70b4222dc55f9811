package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"propchat/internal/domain/chat"
	"propchat/internal/domain/presence"
	"propchat/internal/infra/broker/kafka"
	"propchat/internal/infra/config"
	mongostore "propchat/internal/infra/db/mongo"
	ginserver "propchat/internal/infra/http/gin"
	"propchat/internal/infra/obs"
	"propchat/internal/infra/realtime"
	"propchat/internal/infra/storage/memory"
	"propchat/internal/infra/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger := obs.NewLogger("dev")
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env)

	hub := realtime.NewHub(logger)

	// Without Kafka the hub is both channel and publisher: events stay
	// in-process. With Kafka every store write goes through the broker and
	// comes back via the consumer group, so all replicas see it.
	var publisher realtime.Publisher = hub
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, nil)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err, "brokers", cfg.KafkaBrokers)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer

		consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, nil, hub, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err, "brokers", cfg.KafkaBrokers)
			os.Exit(1)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx, cfg.KafkaTopic); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka consumer stopped", "error", err)
			}
		}()
		logger.Info("kafka relay online", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroupID)
	}

	var (
		chatStore     chat.Store
		presenceStore presence.Store
		ready         = func() error { return nil }
	)
	if cfg.MongoURI != "" {
		client, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			logger.Error("mongo init failed", "error", err)
			os.Exit(1)
		}
		chatStore = mongostore.NewChatStore(client.DB, publisher, logger)
		presenceStore = mongostore.NewPresenceStore(client.DB, publisher, logger)
		ready = func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return client.Ping(pingCtx)
		}
		logger.Info("mongo storage online", "database", cfg.MongoDB)
	} else {
		chatStore = memory.NewChatStore(publisher)
		presenceStore = memory.NewPresenceStore(publisher)
		logger.Warn("MONGO_URI not set, using in-memory storage")
	}

	var attachments chat.AttachmentStorage
	if cfg.S3Endpoint != "" {
		s3Client, err := s3.NewClient(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, logger)
		if err != nil {
			logger.Error("s3 init failed", "error", err, "endpoint", cfg.S3Endpoint)
			os.Exit(1)
		}
		attachments = s3Client
		logger.Info("attachment storage online", "bucket", cfg.S3Bucket)
	} else {
		logger.Warn("S3_ENDPOINT not set, attachment uploads disabled")
	}

	sessions := chat.NewSessions(chatStore, hub, attachments, cfg.AttachmentURLTTL, logger)
	defer sessions.Close()

	// Shared read-only mirror answering presence queries for HTTP clients.
	monitor, err := presence.NewTracker(presence.TrackerConfig{
		Store:   presenceStore,
		Channel: hub,
		Window:  cfg.PresenceWindow,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("presence tracker init failed", "error", err)
		os.Exit(1)
	}
	if err := monitor.Start(ctx); err != nil {
		logger.Error("presence tracker start failed", "error", err)
		os.Exit(1)
	}
	defer monitor.Stop()

	auth := ginserver.AuthMiddleware{
		Verifier: ginserver.StaticTokens(cfg.AuthTokens),
		Logger:   logger,
	}
	handlers := ginserver.Handlers{
		Chat:     ginserver.ChatHandler{Sessions: sessions, Logger: logger},
		Presence: ginserver.PresenceHandler{Store: presenceStore, Tracker: monitor, Logger: logger},
		Stream: ginserver.StreamHandler{
			Channel:       hub,
			Store:         chatStore,
			PresenceStore: presenceStore,
			Heartbeat:     cfg.PresenceHeartbeat,
			Window:        cfg.PresenceWindow,
			Logger:        logger,
		},
		AuthMiddleware: auth.Handle,
	}

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{Ready: ready}, handlers)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "env", cfg.Env)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("HTTP server stopped")
}
