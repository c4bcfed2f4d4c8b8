package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"dmchat/internal/chat"
	"dmchat/internal/config"
	"dmchat/internal/db"
	"dmchat/internal/logger"
	myMiddleware "dmchat/internal/middleware"
	"dmchat/internal/respond"
	"dmchat/internal/user"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", "", "http service address (overrides ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("❌ Invalid configuration")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	log := logger.New(cfg.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage (Platform Layer)
	var (
		chatStore chat.Store
		userStore user.Store
	)
	switch cfg.Database.Store {
	case config.StorePostgres:
		database, err := db.NewDatabase(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("❌ Failed to connect to DB")
		}
		defer database.Close()
		log.Info().Msg("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("❌ Migration failed")
		}
		log.Info().Msg("✅ Database Schema Initialized")

		chatStore = chat.NewRepository(database.Conn)
		userStore = user.NewRepository(database.Conn)
	case config.StoreMemory:
		log.Warn().Msg("⚠️  Using in-memory store, data is lost on restart")
		chatStore = chat.NewMemoryStore()
		userStore = user.NewMemoryRepository()
	}

	// 3. Connect to Redis (Platform Layer). Without it events stay on this instance.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("❌ Failed to connect to Redis")
		}
		defer redisClient.Close()
		log.Info().Msg("✅ Connected to Redis")
	}

	// 4. Initialize User Feature
	userService := user.NewService(userStore, cfg.JWT.Secret, cfg.JWT.TTL)
	userHandler := user.NewHandler(userService, log)

	// 5. Initialize Chat Feature
	hub := chat.NewHub(redisClient, cfg.Redis.EventsChannel, log)
	go hub.Run(ctx)

	var publisher chat.Publisher = hub
	if redisClient != nil {
		publisher = chat.NewRedisPublisher(redisClient, cfg.Redis.EventsChannel)
		go hub.SubscribeToRedis(ctx)
	}

	chatService := chat.NewService(chatStore, userService, publisher, log)
	chatHandler := chat.NewHandler(chatService, hub, cfg.Server.AllowedOrigins, log)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(myMiddleware.RequestLogger(log))
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := chatService.Ping(r.Context()); err != nil {
			respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
		r.Post("/register", userHandler.Register)
		r.Post("/login", userHandler.Login)
	})

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		// WebSocket (Real-time hints, long lived)
		r.Get("/ws", chatHandler.ServeWs)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			r.Get("/api/users/search", userHandler.SearchUsers)
			chatHandler.Routes(r)
		})
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.Server.Addr).Str("env", cfg.Server.Environment).Str("store", cfg.Database.Store).Msg("🚀 Server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("❌ Server failed")
	}
	log.Info().Msg("👋 Server stopped")
}
