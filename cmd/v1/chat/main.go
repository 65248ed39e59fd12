package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/miuchi/chat-server/internal/v1/auth"
	"github.com/miuchi/chat-server/internal/v1/config"
	"github.com/miuchi/chat-server/internal/v1/health"
	"github.com/miuchi/chat-server/internal/v1/logging"
	"github.com/miuchi/chat-server/internal/v1/middleware"
	"github.com/miuchi/chat-server/internal/v1/ratelimit"
	"github.com/miuchi/chat-server/internal/v1/registry"
	"github.com/miuchi/chat-server/internal/v1/search"
	"github.com/miuchi/chat-server/internal/v1/store"
	"github.com/miuchi/chat-server/internal/v1/tracing"
	"github.com/miuchi/chat-server/internal/v1/ws"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// --- Tracing (Optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.Init(rootCtx, tracing.Options{
			ServiceName:        "chat-server",
			CollectorAddr:      cfg.OtelCollectorAddr,
			Environment:        cfg.GoEnv,
			InsecureSkipVerify: cfg.OtelInsecureSkipVerify,
		})
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				slog.Error("Failed to shut down tracer provider", "error", err)
			}
		}()
		slog.Info("✅ Tracing initialized", "collector", cfg.OtelCollectorAddr)
	}

	// --- Persistence ---
	db, err := store.Open(rootCtx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("✅ Database connection established")

	// --- Search ---
	searchClient := search.NewClient(cfg.MeiliURL, cfg.MeiliMasterKey)
	if !searchClient.Healthy(rootCtx) {
		// Indexing is best-effort, so a down search backend is not fatal.
		slog.Warn("Search backend unreachable at startup, indexing will degrade", "url", cfg.MeiliURL)
	} else {
		slog.Info("✅ Search backend reachable", "url", cfg.MeiliURL)
	}

	// --- Redis (Optional) ---
	// With Redis the per-IP connect limit is shared across instances;
	// without it each instance counts alone.
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(rootCtx).Err(); err != nil {
			slog.Error("Failed to connect to Redis, falling back to in-memory rate limiting", "error", err)
			redisClient = nil
		} else {
			slog.Info("✅ Redis connected for distributed rate limiting", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running with in-memory rate limiting (Redis disabled)")
	}

	connLimiter, err := ratelimit.NewConnectionLimiter(cfg.RateLimitWsIP, redisClient)
	if err != nil {
		slog.Error("Failed to create connection limiter", "error", err)
		os.Exit(1)
	}

	// --- Realtime Core ---
	reg := registry.New()

	replenisher := ratelimit.NewReplenisher()
	replenisher.Start(rootCtx, func(fn func(*ratelimit.Pool)) {
		reg.ForEachClient(func(c *registry.Client) { fn(c.Permits) })
	})

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), auth.DirectoryFunc(
		func(ctx context.Context, id uuid.UUID) (*auth.Identity, error) {
			u, err := db.FindUserByID(ctx, id)
			if err != nil || u == nil {
				return nil, err
			}
			identity := &auth.Identity{ID: u.ID, Username: u.Username}
			if u.Email != nil {
				identity.Email = *u.Email
			}
			if u.AvatarURL != nil {
				identity.AvatarURL = *u.AvatarURL
			}
			return identity, nil
		}))

	dispatcher := ws.NewDispatcher(reg, db, searchClient)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	hub := ws.NewHub(reg, verifier, dispatcher, connLimiter, allowedOrigins, cfg.DevelopmentMode)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("chat-server"))
	}

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Routing
	router.GET("/ws", hub.ServeWs)
	router.GET("/api/online", hub.OnlineUsers)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(db, searchClient)
	router.GET("/health/live", healthHandler.Live)
	router.GET("/health/ready", healthHandler.Ready)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Chat server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Disconnect every live client; writers drain and send close frames.
	hub.Shutdown()
	rootCancel()

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Close Redis connection if it was initialized
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		}
	}

	slog.Info("Server exiting")
}
