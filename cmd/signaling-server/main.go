package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peercall-backend/internal/database"
	callHandler "peercall-backend/internal/handler/http/call"
	pushHandler "peercall-backend/internal/handler/http/push"
	wsHandler "peercall-backend/internal/handler/ws"
	"peercall-backend/internal/middleware"
	postgresRepo "peercall-backend/internal/repository/postgres"
	redisRepo "peercall-backend/internal/repository/redis"
	callService "peercall-backend/internal/service/call"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/env"
	"peercall-backend/pkg/jwt"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/push"
)

func main() {
	ctx := context.Background()

	// 1. Logger
	if err := logger.Init(&logger.Config{
		Level:  env.GetString("LOG_LEVEL", "info"),
		Format: env.GetString("LOG_FORMAT", "json"),
		Output: "stdout",
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	productionMode := os.Getenv("ENV") == "production"

	// 2. JWT Manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, 15*time.Minute)

	// 3. Connect to PostgreSQL with exponential backoff retry
	dbConfig := &database.PostgresConfig{
		Host:     env.GetString("DB_HOST", "localhost"),
		Port:     env.GetInt("DB_PORT", 5432),
		User:     env.GetString("DB_USER", "postgres"),
		Password: env.GetStringFromFile("DB_PASSWORD", ""),
		Database: env.GetString("DB_NAME", "peercall"),
		SSLMode:  env.GetString("DB_SSLMODE", "disable"),
	}

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := database.NewPostgresDB(ctx, dbConfig)
	for attempt := 2; err != nil && attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		log.Printf("PostgreSQL connection attempt %d failed: %v. Retrying in %v...", attempt-1, err, delay)
		time.Sleep(delay)
		db, err = database.NewPostgresDB(ctx, dbConfig)
	}
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err)
	}
	defer db.Close()
	log.Println("Connected to PostgreSQL")

	callRepo := postgresRepo.NewCallRepository(db.Pool)
	conversationRepo := postgresRepo.NewConversationRepository(db.Pool)

	// 4. Redis with degraded mode support
	redisConfig := &database.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
		Timeout:  5 * time.Second,
	}

	database.InitRedisMetrics()
	redisDB, err := database.NewRedisDB(redisConfig)
	if err != nil {
		log.Fatalf("Failed to create Redis client: %v", err)
	}
	defer redisDB.Close()

	if redisDB.HealthCheck(ctx) {
		log.Println("Connected to Redis")
	} else {
		log.Println("Warning: Redis unreachable. Running in degraded mode: single instance relay, no change feed")
	}

	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	feedRepo := redisRepo.NewFeedRepository(redisDB)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)

	// 5. Push providers for ringing offline callees
	providers := loadPushProviders(productionMode)

	// 6. Call service and handlers
	callSvc := callService.NewService(callRepo, conversationRepo, feedRepo, providers, pushTokenRepo)
	callHdlr := callHandler.NewHandler(callSvc)
	pushHdlr := pushHandler.NewHandler(pushTokenRepo)
	signalingHub := wsHandler.NewSignalingHub(feedRepo)

	// 7. Router
	router := gin.New()

	var trustedProxies []string
	if productionMode {
		trustedProxies = []string{env.GetString("TRUSTED_PROXY", "10.0.0.0/8")}
	}
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		log.Fatalf("Failed to set trusted proxies: %v", err)
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.Prometheus())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":         "healthy",
			"service":        "signaling-server",
			"redis_degraded": redisDB.IsDegraded(),
			"time":           time.Now().UTC(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		calls := v1.Group("/calls")
		{
			calls.POST("", callHdlr.StartCall)
			calls.GET("/:id", callHdlr.GetCall)
			calls.POST("/:id/join", callHdlr.JoinCall)
			calls.POST("/:id/leave", callHdlr.LeaveCall)
			calls.POST("/:id/end", callHdlr.EndCall)
			calls.POST("/:id/decline", callHdlr.DeclineCall)
			calls.PUT("/:id/media-state", callHdlr.UpdateMediaState)

			// WebSocket endpoint for call signaling
			calls.GET("/ws/signaling", signalingHub.ServeWS)
		}

		tokens := v1.Group("/push/tokens")
		{
			tokens.POST("", pushHdlr.RegisterToken)
			tokens.DELETE("", pushHdlr.UnregisterToken)
		}
	}

	// 8. Start server with graceful shutdown
	port := env.GetString("PORT", "8083")
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: router,
	}

	go func() {
		log.Printf("Signaling server starting on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down signaling server...")
	shutdownCtx, cancel := context.WithTimeout(ctx, constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
	log.Println("Signaling server stopped")
}

// loadPushProviders builds the provider set from the environment. Without
// providers the service still runs; callees connected to the change feed
// ring through it, offline devices simply are not notified.
func loadPushProviders(productionMode bool) map[push.TokenType]push.Provider {
	providers := make(map[push.TokenType]push.Provider)

	switch providerType := env.GetString("PUSH_PROVIDER", "none"); providerType {
	case "fcm":
		providers[push.TokenTypeFCM] = mustFCMProvider()

	case "apns":
		providers[push.TokenTypeAPNs] = mustAPNsProvider(productionMode)

	case "all":
		providers[push.TokenTypeFCM] = mustFCMProvider()
		providers[push.TokenTypeAPNs] = mustAPNsProvider(productionMode)

	case "none":
		if productionMode {
			log.Fatal("PUSH_PROVIDER=none is not allowed in production mode")
		}
		log.Println("Push notifications disabled (PUSH_PROVIDER=none)")

	default:
		log.Fatalf("Unknown PUSH_PROVIDER %q (expected fcm, apns, all or none)", providerType)
	}

	return providers
}

func mustFCMProvider() push.Provider {
	fcm, err := push.NewFCMProvider(&push.FCMConfig{
		CredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
		ProjectID:       env.GetStringFromFile("FIREBASE_PROJECT_ID", ""),
	})
	if err != nil {
		log.Fatalf("Failed to initialize FCM provider: %v", err)
	}
	return fcm
}

func mustAPNsProvider(production bool) push.Provider {
	apns, err := push.NewAPNsProvider(&push.APNsConfig{
		KeyPath:    env.GetString("APNS_KEY_PATH", ""),
		KeyID:      env.GetStringFromFile("APNS_KEY_ID", ""),
		TeamID:     env.GetStringFromFile("APNS_TEAM_ID", ""),
		BundleID:   env.GetString("APNS_BUNDLE_ID", ""),
		Production: production,
	})
	if err != nil {
		log.Fatalf("Failed to initialize APNs provider: %v", err)
	}
	return apns
}
