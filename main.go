package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"realtime-service/internal/db"
	"realtime-service/internal/delivery"
	"realtime-service/internal/handlers"
	"realtime-service/internal/middleware"
	"realtime-service/internal/observability"
	"realtime-service/internal/presence"
	"realtime-service/internal/push"
	"realtime-service/internal/queue"
	"realtime-service/internal/rabbitmq"
	"realtime-service/internal/registry"
	"realtime-service/internal/repositories"
	"realtime-service/internal/telemetry"
	"realtime-service/internal/ws"
)

func main() {
	ctx := context.Background()

	shutdownTracing, err := observability.SetupTracing(ctx, "realtime-service", os.Getenv("OTLP_ENDPOINT"))
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	} else {
		defer func() { _ = shutdownTracing(ctx) }()
	}

	database, err := db.Connect()
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	amqpURL := os.Getenv("AMQP_URL")
	exchange := getEnv("AMQP_EXCHANGE", "realtime_events")
	if amqpURL != "" {
		eventSink, err := observability.NewExchangePublisher(amqpURL, exchange)
		if err != nil {
			log.Printf("event publisher disabled: %v", err)
		} else {
			observability.SetEventSink(eventSink)
			defer eventSink.Close()
		}
	}

	publisher := rabbitmq.NewPublisher(amqpURL, exchange)
	defer publisher.Close()
	log.Printf("event publisher mode=%s reason=%q", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))

	auditEmitter := telemetry.NewAuditEmitter(publisher, "audit_log.realtime", "realtime-service", getEnv("ENVIRONMENT", "dev"))

	userRepo := repositories.NewUserRepo(database)
	communityRepo := repositories.NewCommunityRepo(database)
	messageRepo := repositories.NewMessageRecordRepo(database)

	tracker := presence.NewTracker()
	reg := registry.New(registry.Config{
		WriteTimeout: getEnvDuration("WS_WRITE_TIMEOUT", 5*time.Second),
	}, tracker)
	eventQueue := queue.New(queue.Config{
		Capacity: getEnvInt("QUEUE_CAPACITY", 100),
		MaxAge:   getEnvDuration("QUEUE_MAX_AGE", 72*time.Hour),
	})

	pushDispatcher := push.NewDispatcher(publisher, userRepo)
	router := delivery.NewRouter(reg, eventQueue, pushDispatcher, getEnvDuration("SEND_TIMEOUT", 2*time.Second))
	broadcaster := delivery.NewBroadcaster(router, communityRepo)

	stopJanitor := reg.StartJanitor(
		getEnvDuration("HEARTBEAT_SWEEP_INTERVAL", 30*time.Second),
		getEnvDuration("HEARTBEAT_MAX_IDLE", 2*time.Minute),
	)
	defer stopJanitor()

	stopForwarder := forwardPresenceEvents(tracker, reg)
	defer stopForwarder()

	jwtSecret := []byte(getEnv("JWT_SECRET", "dev-secret"))

	realtimeHandler := handlers.NewRealtimeHandler(
		router, broadcaster, tracker, eventQueue, reg,
		userRepo, communityRepo, messageRepo, auditEmitter,
	)
	wsHandler := ws.NewRealtimeWSHandler(reg, tracker, eventQueue, router, broadcaster, userRepo, communityRepo, messageRepo, jwtSecret)

	engine := gin.Default()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("realtime-service"))
	engine.Use(observability.HTTPMetricsMiddleware())

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authMiddleware := middleware.AuthMiddleware(jwtSecret)
	sendLimiter := middleware.NewRateLimiter(rate.Limit(2), 60)
	defer sendLimiter.Stop()

	engine.POST("/messages", authMiddleware, sendLimiter.Middleware(), realtimeHandler.SendMessage)
	engine.POST("/communities/:community_id/broadcast", authMiddleware, sendLimiter.Middleware(), realtimeHandler.BroadcastToCommunity)
	engine.PUT("/presence", authMiddleware, realtimeHandler.UpdatePresence)
	engine.GET("/presence/:user_id", authMiddleware, realtimeHandler.GetPresence)
	engine.POST("/presence/bulk", authMiddleware, realtimeHandler.BulkGetPresence)
	engine.GET("/messages/queued", authMiddleware, realtimeHandler.GetQueuedMessages)
	engine.DELETE("/messages/queued", authMiddleware, realtimeHandler.ClearQueuedMessages)
	engine.GET("/status", authMiddleware, realtimeHandler.Status)

	engine.GET("/ws", wsHandler.Handle)

	handlers.RegisterDebugRoutes(engine, auditEmitter, getEnv("DEBUG_ROUTES", "") == "true")

	port := getEnv("PORT", "8086")
	if err := engine.Run(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// forwardPresenceEvents publishes presence transitions to the event exchange
// and keeps the online-users gauge current.
func forwardPresenceEvents(tracker *presence.Tracker, reg *registry.Registry) func() {
	events, cancel := tracker.Watch()
	go func() {
		for event := range events {
			observability.SetOnlineUsers(reg.OnlineCount())
			_ = observability.PublishEvent(context.Background(), observability.RoutingKeyPresence, observability.EventEnvelope{
				EventType: "presence_events",
				EventName: "presence_changed",
				Payload:   event,
			}, nil)
		}
	}()
	return cancel
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
