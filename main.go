package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"dm-service/internal/config"
	"dm-service/internal/conversation"
	"dm-service/internal/db"
	grpcclient "dm-service/internal/grpc"
	"dm-service/internal/handlers"
	"dm-service/internal/logging"
	"dm-service/internal/memstore"
	"dm-service/internal/middleware"
	"dm-service/internal/observability"
	"dm-service/internal/presence"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/realtime"
	"dm-service/internal/repositories"
	"dm-service/internal/session"
	"dm-service/internal/telemetry"
	"dm-service/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

type stores struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	profiles      repositories.ProfileRepository
	feed          realtime.Feed
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := observability.InitTracing(ctx, cfg.Service, cfg.Environment, cfg.Tracing.Endpoint)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				logger.Warn("tracing shutdown failed", zap.Error(err))
			}
		}()
	}

	bus := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
	defer bus.Close()
	logger.Info("event publisher ready",
		zap.String("mode", bus.Mode()),
		zap.String("noop_reason", bus.NoopReason()))
	if bus.Mode() == rabbitmq.ModeAMQP {
		observability.SetPublisher(bus)
	}
	auditEmitter := telemetry.NewAuditEmitter(bus, cfg.AMQP.AuditRoutingKey, cfg.Service, cfg.Environment, logger)

	g, gctx := errgroup.WithContext(ctx)

	var st stores
	switch cfg.Store.Driver {
	case config.DriverMemory:
		mem := memstore.New(logger)
		st = stores{conversations: mem, messages: mem, profiles: mem, feed: mem.Feed()}
		logger.Info("using in-memory store")
	default:
		database, err := db.Connect(ctx, cfg.Store.DSN, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		pgFeed := realtime.NewPGFeed(cfg.Store.DSN, cfg.Realtime.MinReconnect, cfg.Realtime.MaxReconnect, logger)
		g.Go(func() error { return pgFeed.Run(gctx) })
		st = stores{
			conversations: repositories.NewConversationRepo(database),
			messages:      repositories.NewMessageRepo(database),
			profiles:      repositories.NewProfileRepo(database),
			feed:          pgFeed,
		}
	}

	authConn, err := grpc.Dial(cfg.Auth.GRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
	if err != nil {
		return err
	}
	defer authConn.Close()
	authClient := grpcclient.NewAuthClient(authConn, cfg.Auth.Timeout, logger)

	tracker := presence.NewTracker(st.profiles, logger, presence.WithDisconnectTimeout(cfg.Presence.DisconnectTimeout))
	resolver := conversation.NewResolver(st.conversations, logger)
	hub := ws.NewHub()

	conversationHandler := handlers.NewConversationHandler(resolver, st.conversations, st.messages, auditEmitter)
	rosterHandler := handlers.NewRosterHandler(st.profiles)
	sessionHandler := handlers.NewSessionHandler(st.profiles, tracker, authClient, auditEmitter)
	sessionWS := ws.NewSessionWebSocketHandler(hub, authClient, session.Deps{
		Conversations: st.conversations,
		Messages:      st.messages,
		Profiles:      st.profiles,
		Feed:          st.feed,
		Presence:      tracker,
		Auth:          authClient,
		Logger:        logger,
	}, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cfg.Service), observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connected_users": hub.Users()})
	})

	authMiddleware := middleware.AuthMiddleware(authClient)

	router.GET("/roster", authMiddleware, rosterHandler.List)
	router.POST("/conversations/resolve", authMiddleware, conversationHandler.Resolve)
	router.GET("/conversations/:conversation_id/messages", authMiddleware, conversationHandler.ListMessages)
	router.POST("/conversations/:conversation_id/messages", authMiddleware, conversationHandler.PostMessage)
	router.POST("/session/start", authMiddleware, sessionHandler.Start)
	router.POST("/session/end", authMiddleware, sessionHandler.End)

	router.GET("/ws", sessionWS.Handle)

	handlers.RegisterDebugRoutes(router, auditEmitter, cfg.DebugRoutes)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.CloseAll("server shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	return g.Wait()
}
