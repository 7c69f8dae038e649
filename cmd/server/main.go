// Agentic Studio - landing page and scripted console server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/agentic-studio/internal/api"
	"github.com/ashureev/agentic-studio/internal/chat"
	"github.com/ashureev/agentic-studio/internal/config"
	"github.com/ashureev/agentic-studio/internal/content"
	"github.com/ashureev/agentic-studio/internal/identity"
	"github.com/ashureev/agentic-studio/internal/middleware"
	"github.com/ashureev/agentic-studio/internal/store"
	"github.com/ashureev/agentic-studio/internal/studio"
	"github.com/ashureev/agentic-studio/internal/sweeper"
	"github.com/ashureev/agentic-studio/internal/transcript"
	"github.com/ashureev/agentic-studio/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.StoreDriver)

	// Initialize dependencies.
	repo, err := store.Open(cfg.StoreDriver, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected", "driver", cfg.StoreDriver)

	page, err := content.Load(cfg.ContentPath)
	if err != nil {
		slog.Error("Failed to load page content", "error", err)
		os.Exit(1)
	}
	selector, err := page.Selector()
	if err != nil {
		slog.Error("Failed to compile reply rules", "error", err)
		os.Exit(1)
	}
	slog.Info("Page content loaded", "rules", selector.Len())

	transcripts, err := transcript.NewLogger(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()

	// Initialize services.
	svc := studio.NewService(repo, selector, page.Console.Greeting, studio.Options{
		MaxInputRunes: cfg.MaxInputLength,
		Transcript:    transcripts,
	})
	registry := chat.NewRegistry()
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	// Initialize handlers.
	pageHandler, err := api.NewPageHandler(svc, page)
	if err != nil {
		slog.Error("Failed to initialize page handler", "error", err)
		os.Exit(1)
	}
	conversationHandler := api.NewConversationHandler(svc, page, limiter, cfg)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := chat.NewHandler(svc, registry, chat.Options{
		AllowedOrigins: cfg.AllowedOrigins(),
		IsDev:          cfg.IsDevelopment(),
		MaxFrameBytes:  cfg.MaxRequestBodySize,
		Limiter:        limiter,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/static/*", http.StripPrefix("/static/", web.StaticHandler()))

	// Console routes carry the visitor and tab identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		r.Get("/", pageHandler.ServeHTTP)
		conversationHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// WebSocket connections are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	srv.RegisterOnShutdown(registry.CloseAll)

	// Start session sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper.Start(ctx, repo, svc, sweeper.Options{
		Interval:  cfg.SweepInterval,
		TTL:       cfg.SessionTTL,
		IsActive:  registry.IsActive,
		OnCleanup: []sweeper.CleanupCallback{registry.CloseSession},
	})

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
