package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/config"
	"marketplace-chat/internal/db"
	grpcclient "marketplace-chat/internal/grpc"
	"marketplace-chat/internal/handlers"
	"marketplace-chat/internal/identity"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/notify"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/rabbitmq"
	"marketplace-chat/internal/ratelimit"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/repositories/memory"
	"marketplace-chat/internal/storage"
	"marketplace-chat/internal/telemetry"
	"marketplace-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}

	conversations, messages, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, continuing with local presence and limits", zap.Error(err))
		}
		defer redisClient.Close()
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))
	observability.SetPublisher(publisher)

	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Env, logger)
	dispatcher := notify.NewDispatcher(publisher, logger, cfg.NotifyWorkers, cfg.NotifyBuffer)
	defer dispatcher.Close()

	auth, catalog, closeClients := openClients(cfg, logger)
	defer closeClients()

	var registryOpts []presence.Option
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitMessages, cfg.RateLimitWindow)
	if redisClient != nil {
		registryOpts = append(registryOpts, presence.WithMirror(presence.NewRedisMirror(redisClient, cfg.RedisPrefix, cfg.PresenceTTL)))
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RedisPrefix, cfg.RateLimitMessages, cfg.RateLimitWindow)
	}
	registry := presence.NewRegistry(logger, registryOpts...)
	hub := ws.NewHub(registry, logger)

	service := chat.NewService(chat.Deps{
		Conversations: conversations,
		Messages:      messages,
		Catalog:       catalog,
		Hub:           hub,
		Presence:      registry,
		Limiter:       limiter,
		Notifier:      dispatcher,
		Audit:         audit,
		Logger:        logger,
	})

	gateway := ws.NewGateway(hub, registry, service, auth, ws.Config{
		PingInterval:    cfg.WSPingInterval,
		PongWait:        cfg.WSPongWait,
		WriteWait:       cfg.WSWriteWait,
		SendBuffer:      cfg.WSSendBuffer,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
	}, logger)

	var uploader storage.Uploader = storage.NoopUploader{}
	if cfg.S3Endpoint != "" {
		client, err := storage.NewClient(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			UseSSL:        cfg.S3UseSSL,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicURL,
		}, logger)
		if err != nil {
			logger.Fatal("failed to configure attachment storage", zap.Error(err))
		}
		uploader = client
	}
	chatHandler := handlers.NewChatHandler(service, uploader, logger)

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.ServiceName),
		middleware.RequestID(),
		observability.RequestLogger(logger),
		observability.HTTPMetricsMiddleware(),
	)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", observability.MetricsHandler())
	router.GET("/ws", gateway.Handle)

	ipLimiter := middleware.NewIPRateLimiter(ctx, cfg.HTTPRatePerMinute, logger)
	api := router.Group("/", ipLimiter.Handler(), middleware.AuthMiddleware(auth))
	chatHandler.RegisterRoutes(api)
	handlers.RegisterDebugRoutes(router, audit, gateway, cfg.DebugRoutes)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("chat service listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.ConversationRepository, repositories.MessageRepository, func()) {
	if cfg.StorageDriver == config.StorageMemory {
		logger.Warn("using in-memory storage, data is lost on restart")
		store := memory.New()
		return store.Conversations(), store.Messages(), func() {}
	}

	database, err := db.Connect(ctx, cfg.DBDSN, logger)
	if err != nil {
		logger.Fatal("failed to connect to db", zap.Error(err))
	}
	return repositories.NewConversationRepo(database), repositories.NewMessageRepo(database), closer(database, logger)
}

func closer(database *sqlx.DB, logger *zap.Logger) func() {
	return func() {
		if err := database.Close(); err != nil {
			logger.Warn("db close", zap.Error(err))
		}
	}
}

func openClients(cfg *config.Config, logger *zap.Logger) (identity.Authenticator, chat.Catalog, func()) {
	var closers []func() error

	var auth identity.Authenticator
	switch cfg.AuthMode {
	case config.AuthGRPC:
		conn, err := grpcclient.Dial(cfg.AuthGRPCAddr)
		if err != nil {
			logger.Fatal("failed to connect to auth grpc", zap.Error(err))
		}
		closers = append(closers, conn.Close)
		auth = grpcclient.NewAuthClient(conn)
	default:
		auth = identity.NewJWTVerifier(cfg.JWTSecret)
	}

	var catalog chat.Catalog
	if cfg.CatalogGRPCAddr != "" {
		conn, err := grpcclient.Dial(cfg.CatalogGRPCAddr)
		if err != nil {
			logger.Fatal("failed to connect to catalog grpc", zap.Error(err))
		}
		closers = append(closers, conn.Close)
		catalog = grpcclient.NewCatalogClient(conn, grpcclient.BreakerSettings{
			MaxFailures: cfg.CatalogBreakerFailures,
			Timeout:     cfg.CatalogBreakerTimeout,
		}, logger)
	} else {
		logger.Warn("CATALOG_GRPC_ADDR not set, using an empty static catalog")
		catalog = grpcclient.NewStaticCatalog()
	}

	return auth, catalog, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("grpc close", zap.Error(err))
			}
		}
	}
}
