package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaychat/internal/chat"
	"relaychat/internal/config"
	"relaychat/internal/db"
	"relaychat/internal/logger"
	myMiddleware "relaychat/internal/middleware"
	"relaychat/internal/user"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "", "http service address (overrides ADDR)")
	flag.Parse()

	// 1. Config & Logger
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	log, err := logger.New(logger.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		Production: cfg.IsProduction(),
	})
	if err != nil {
		return err
	}
	defer log.Sync()
	if !cfg.EnvFileLoaded {
		log.Info(".env file not found, using system environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Database
	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()
	log.Info("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("database schema initialized")

	// 3. Live engine, optionally spread over Redis
	registry := chat.NewRegistry(log)
	var (
		bus         chat.Broadcaster = registry
		relay       *chat.RedisRelay
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
		relay = chat.NewRedisRelay(redisClient, registry, log)
		bus = relay
	} else {
		log.Info("REDIS_ADDR not set, fanout stays in process")
	}

	relationRepo := chat.NewRelationRepository(database.Conn)
	messageRepo := chat.NewMessageRepository(database.Conn)
	hub := chat.NewHub(registry, chat.NewDispatcher(bus, log), relationRepo, messageRepo, chat.HubConfig{
		SendBuffer:     cfg.Chat.SendBuffer,
		MaxMessageSize: cfg.Chat.MaxMessageSize,
		PersistTimeout: cfg.Chat.PersistTimeout,
	}, log)
	chatHandler := chat.NewHandler(hub, relationRepo, messageRepo, cfg.Chat.AllowedOrigins, log)

	// 4. Accounts
	userService := user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret, cfg.TokenTTL)
	userHandler := user.NewHandler(userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(myMiddleware.RequestLogger(log))
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		chatHandler.Mount(r)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
