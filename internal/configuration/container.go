package configuration

import (
	"context"
	"fmt"
	"time"

	"Deskwire/internal/auth"
	"Deskwire/internal/cache"
	"Deskwire/internal/channel"
	"Deskwire/internal/db"
	"Deskwire/internal/dispatch"
	"Deskwire/internal/handler"
	"Deskwire/internal/hub"
	"Deskwire/internal/ingest"
	"Deskwire/internal/model"
	"Deskwire/internal/repo"
	"Deskwire/internal/service"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type Container struct {
	ConversationHandler handler.ConversationHandler
	MonitorHandler      handler.MonitorHandler
	Gateway             *hub.Gateway
	Hub                 *hub.Hub
	Typing              *hub.TypingTracker
	Consumer            *ingest.Consumer // nil when kafka ingest is disabled
	Config              Config
	Logger              *zap.Logger

	// private - for cleanup
	mongoClient *mongo.Database
	redisClient *redis.Client
}

func BuildContainer(configPath string) (*Container, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	con, err := db.OpenConnection(config.Mongo.Uri, config.Mongo.Database)
	if err != nil {
		return nil, err
	}

	convStore := db.NewRepository[model.Conversation](con, config.Mongo.ConversationsCollection)
	msgStore := db.NewRepository[model.Message](con, config.Mongo.MessagesCollection)

	conversationRepo := repo.NewConversationRepository(convStore, logger)
	messageRepo := repo.NewMessageRepository(msgStore, logger)

	h := hub.NewHub(logger)
	typing := hub.NewTypingTracker(h, config.Presence.TypingTTL(), config.Presence.SweepInterval(), logger)

	registry := channel.NewRegistry(
		channel.NewWebchatAdapter(),
		channel.NewGmailAdapter(),
	)

	pipeline := dispatch.NewPipeline(conversationRepo, messageRepo, registry, h, logger, config.Dispatch.PersistTimeout())

	var (
		redisClient *redis.Client
		presence    *cache.PresenceStore
	)
	if config.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		presence = cache.NewPresenceStore(redisClient, config.Redis.Prefix, config.Redis.PresenceTTL())
	}

	verifier := auth.NewVerifier(config.Auth.JWTSecret)
	gateway := hub.NewGateway(h, typing, pipeline, conversationRepo, verifier, presence, logger, config.Server.AllowedOrigins)

	conversationService := service.NewConversationService(conversationRepo, messageRepo, h, logger)
	conversationHandler := handler.NewConversationHandler(conversationService, pipeline)

	monitorService := hub.NewMonitorService(h, typing)
	monitorHandler := handler.NewMonitorHandler(monitorService, presence)

	var consumer *ingest.Consumer
	if config.Kafka.Enabled {
		gmail, err := registry.Get(model.ChannelGmail)
		if err != nil {
			return nil, err
		}
		consumer = ingest.NewConsumer(config.Kafka.Brokers, config.Kafka.Topic, config.Kafka.GroupID, gmail, pipeline, logger)
	}

	return &Container{
		ConversationHandler: conversationHandler,
		MonitorHandler:      monitorHandler,
		Gateway:             gateway,
		Hub:                 h,
		Typing:              typing,
		Consumer:            consumer,
		Config:              *config,
		Logger:              logger,
		mongoClient:         con,
		redisClient:         redisClient,
	}, nil
}

// Close gracefully shuts down all connections
func (c *Container) Close() error {
	if c.Consumer != nil {
		_ = c.Consumer.Close()
	}

	// Stop the typing sweeper before the hub so nothing broadcasts into a
	// draining hub.
	if c.Typing != nil {
		c.Typing.Shutdown()
	}

	if c.Hub != nil {
		c.Hub.Stop()
	}

	if c.Logger != nil {
		_ = c.Logger.Sync()
	}

	if c.redisClient != nil {
		_ = c.redisClient.Close()
	}

	if c.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.mongoClient.Client().Disconnect(ctx); err != nil {
			return fmt.Errorf("failed to close MongoDB connection: %w", err)
		}
	}

	return nil
}
