package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/vidrelay/vidrelay/internal/auth"
	"github.com/vidrelay/vidrelay/internal/cache"
	"github.com/vidrelay/vidrelay/internal/callback"
	"github.com/vidrelay/vidrelay/internal/database"
	"github.com/vidrelay/vidrelay/internal/geoip"
	"github.com/vidrelay/vidrelay/internal/notify"
	"github.com/vidrelay/vidrelay/internal/provider"
	"github.com/vidrelay/vidrelay/internal/server"
	"github.com/vidrelay/vidrelay/internal/slack"
	"github.com/vidrelay/vidrelay/internal/storage"
	"github.com/vidrelay/vidrelay/internal/video"
	"github.com/vidrelay/vidrelay/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	slog.SetDefault(newLogger(getEnv("LOG_FORMAT", "json"), getEnv("LOG_LEVEL", "info")))

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("vidrelay exited", "error", err)
		os.Exit(1)
	}
}

// runToken prints an access token for an existing account id. Accounts are
// provisioned outside this service.
func runToken(args []string) error {
	if len(args) < 1 || args[0] == "" {
		return errors.New("usage: vidrelay token <user-id> [ttl]")
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	ttl := time.Hour
	if len(args) > 1 {
		parsed, err := time.ParseDuration(args[1])
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid ttl %q", args[1])
		}
		ttl = parsed
	}
	token, err := auth.GenerateAccessTokenWithTTL(secret, args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run() error {
	port := getEnv("PORT", "8080")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(databaseURL); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	slog.Info("database migrations applied")

	store, err := storage.New(ctx, storage.Config{
		Endpoint:       getEnv("S3_ENDPOINT", "http://localhost:3900"),
		PublicEndpoint: os.Getenv("S3_PUBLIC_ENDPOINT"),
		Bucket:         getEnv("S3_BUCKET", "vidrelay-thumbnails"),
		AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		SecretKey:      os.Getenv("S3_SECRET_KEY"),
		Region:         getEnv("S3_REGION", "eu-central-1"),
	})
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("storage bucket check failed: %w", err)
	}
	if origins := splitList(os.Getenv("S3_CORS_ORIGINS")); len(origins) > 0 {
		if err := store.SetCORS(ctx, origins); err != nil {
			slog.Warn("storage: failed to set bucket CORS", "error", err)
		}
	}
	slog.Info("storage bucket ready")

	registry := provider.NewRegistry(buildAdapters()...)
	if len(registry.Names()) == 0 {
		slog.Warn("no transcoding providers configured; uploads and webhooks are disabled")
	}

	feedCache, closeCache, err := buildCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	geo, _ := geoip.New(os.Getenv("GEOIP_DB_PATH"))
	defer func() { _ = geo.Close() }()

	workers := worker.New(int(getEnvInt64("WORKER_CONCURRENCY", 8)), getEnvDuration("WORKER_TASK_TIMEOUT", 30*time.Second))

	videoHandler := video.NewHandler(db.Pool, registry, getEnv("TRANSCODER", provider.MuxName), store, feedCache)
	videoHandler.SetTaskRunner(workers)
	videoHandler.SetFeedTTL(getEnvDuration("FEED_CACHE_TTL", video.DefaultFeedTTL))
	if geo.Enabled() {
		videoHandler.SetGeoResolver(geo)
	}
	callbacks := callback.New(db.Pool, os.Getenv("CALLBACK_URL"), os.Getenv("CALLBACK_SECRET"))
	var notifiers []video.LifecycleNotifier
	if callbacks.Enabled() {
		notifiers = append(notifiers, callbacks)
	}
	if slackClient := slack.New(os.Getenv("SLACK_WEBHOOK_URL")); slackClient.Enabled() {
		notifiers = append(notifiers, slackClient)
	}
	if len(notifiers) > 0 {
		videoHandler.SetLifecycleNotifier(notify.NewMulti(notifiers...))
	}

	baseURL := getEnv("BASE_URL", "http://localhost:8080")
	srv := server.New(server.Config{
		Pinger:       db,
		VideoHandler: videoHandler,
		JWTSecret:    jwtSecret,
		BaseURL:      baseURL,
		RateLimits: server.RateLimits{
			WebhookRPS:   getEnvFloat("WEBHOOK_RATE_LIMIT", 20),
			WebhookBurst: int(getEnvInt64("WEBHOOK_RATE_BURST", 100)),
			UserRPS:      getEnvFloat("USER_RATE_LIMIT", 2),
			UserBurst:    int(getEnvInt64("USER_RATE_BURST", 10)),
		},
	})
	defer srv.Close()

	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	clock := clockwork.NewRealClock()
	video.StartCleanupLoop(loopCtx, db.Pool, store, clock, getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute))
	video.StartStalePendingSweep(loopCtx, db.Pool, clock, getEnvDuration("SWEEP_INTERVAL", time.Hour),
		getEnvDuration("PENDING_MAX_AGE", video.DefaultPendingMaxAge),
		getEnvDuration("DELIVERY_RETENTION", video.DefaultDeliveryMaxAge),
		callbacks.Prune)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("vidrelay listening", "port", port, "providers", registry.Names())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case sig := <-shutdownCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	loopCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := workers.Shutdown(shutdownCtx); err != nil {
		slog.Warn("background tasks did not finish", "error", err)
	}
	if dropped := workers.Dropped(); dropped > 0 {
		slog.Warn("background tasks were dropped while saturated", "count", dropped)
	}
	slog.Info("shutdown complete")
	return nil
}

// buildAdapters returns an adapter for every provider with credentials set.
func buildAdapters() []provider.Adapter {
	var adapters []provider.Adapter
	if tokenID := os.Getenv("MUX_TOKEN_ID"); tokenID != "" {
		adapters = append(adapters, provider.NewMux(provider.MuxConfig{
			TokenID:       tokenID,
			TokenSecret:   os.Getenv("MUX_TOKEN_SECRET"),
			WebhookSecret: os.Getenv("MUX_WEBHOOK_SECRET"),
			CORSOrigin:    getEnv("MUX_CORS_ORIGIN", "*"),
		}))
	}
	if libraryID := os.Getenv("BUNNY_LIBRARY_ID"); libraryID != "" {
		adapters = append(adapters, provider.NewBunny(provider.BunnyConfig{
			LibraryID:    libraryID,
			APIKey:       os.Getenv("BUNNY_API_KEY"),
			WebhookToken: os.Getenv("BUNNY_WEBHOOK_TOKEN"),
			BaseURL:      os.Getenv("BUNNY_BASE_URL"),
			TUSEndpoint:  os.Getenv("BUNNY_TUS_ENDPOINT"),
			EmbedBaseURL: os.Getenv("BUNNY_EMBED_BASE_URL"),
		}))
	}
	return adapters
}

// buildCache connects to Redis when REDIS_URL is set and otherwise keeps the
// feed cache in process.
func buildCache(ctx context.Context) (cache.Cache, func(), error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		slog.Info("feed cache: in-memory")
		return cache.NewMemory(clockwork.NewRealClock()), func() {}, nil
	}
	rc, err := cache.NewRedis(ctx, redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	slog.Info("feed cache: redis")
	return rc, func() { _ = rc.Close() }, nil
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
