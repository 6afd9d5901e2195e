package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"post-scheduler/internal/auth"
	"post-scheduler/internal/db"
	"post-scheduler/internal/maintenance"
	"post-scheduler/internal/media"
	"post-scheduler/internal/observability"
	"post-scheduler/internal/platform"
	"post-scheduler/internal/post"
	"post-scheduler/internal/scheduler"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Scanner *scheduler.Scanner
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	tiktokClientKey, err := mustEnv("TIKTOK_CLIENT_KEY")
	if err != nil {
		return nil, err
	}
	tiktokClientSecret, err := mustEnv("TIKTOK_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}
	tiktokRedirectURI := envOrDefault("TIKTOK_REDIRECT_URI", "http://localhost:8080/auth/tiktok/callback")

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, jwtSecret)
	authService.WithTokenTTLs(
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)
	authHandler := auth.NewHandler(authService)

	tiktok := platform.NewTikTok(tiktokClientKey, tiktokClientSecret, tiktokRedirectURI)
	tokenManager := platform.NewTokenManager(platform.NewRepository(database), tiktok)
	platformHandler := platform.NewHandler(tokenManager, tiktok, logger)

	videoStore, err := media.NewStorage(envOrDefault("UPLOAD_DIR", "uploads"))
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init video storage: %w", err)
	}

	postRepo := post.NewRepository(database)
	worker := scheduler.NewWorker(postRepo, tokenManager, tiktok, videoStore, logger)
	worker.WithMaxAttempts(envIntOrDefault("PUBLISH_MAX_ATTEMPTS", 10))
	scanner := scheduler.NewScanner(postRepo, worker, logger)
	scanner.WithInterval(envSecondsOrDefault("SCAN_INTERVAL_SECONDS", 60))
	scanner.WithPoolSize(envIntOrDefault("PUBLISH_POOL_SIZE", 4))

	postHandler := post.NewHandler(postRepo, videoStore, worker)
	cleanupHandler := maintenance.NewCleanupHandler(
		postRepo,
		videoStore,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("POST_RETENTION_DAYS", 30),
		envIntOrDefault("POST_CLEANUP_BATCH_SIZE", 500),
	)

	loginLimiter := auth.NewLoginRateLimiter(
		envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", authHandler.Register)
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.Handle("POST /auth/logout", auth.RequireSession(authService, http.HandlerFunc(authHandler.Logout)))
	mux.Handle("GET /users/me", auth.RequireSession(authService, http.HandlerFunc(authHandler.Me)))

	mux.Handle("GET /auth/tiktok/authorize", auth.RequireSession(authService, http.HandlerFunc(platformHandler.Authorize)))
	mux.Handle("GET /auth/tiktok/callback", auth.RequireSession(authService, http.HandlerFunc(platformHandler.Callback)))
	mux.Handle("DELETE /auth/tiktok/disconnect", auth.RequireSession(authService, http.HandlerFunc(platformHandler.Disconnect)))

	mux.Handle("POST /posts", auth.RequireSession(authService, http.HandlerFunc(postHandler.Create)))
	mux.Handle("GET /posts", auth.RequireSession(authService, http.HandlerFunc(postHandler.List)))
	mux.Handle("GET /posts/{id}", auth.RequireSession(authService, http.HandlerFunc(postHandler.Get)))
	mux.Handle("PATCH /posts/{id}", auth.RequireSession(authService, http.HandlerFunc(postHandler.Update)))
	mux.Handle("DELETE /posts/{id}", auth.RequireSession(authService, http.HandlerFunc(postHandler.Delete)))
	mux.Handle("POST /posts/{id}/publish", auth.RequireSession(authService, http.HandlerFunc(postHandler.PublishNow)))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.Handle("POST /admin/maintenance/cleanup", auth.RequireAdmin(authService, http.HandlerFunc(cleanupHandler.HandleAdmin)))
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Scanner: scanner,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}
