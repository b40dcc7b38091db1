package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/prudhvinik1/livesync/internal/api"
	"github.com/prudhvinik1/livesync/internal/config"
	"github.com/prudhvinik1/livesync/internal/database"
	"github.com/prudhvinik1/livesync/internal/livesync"
	"github.com/prudhvinik1/livesync/internal/logging"
	"github.com/prudhvinik1/livesync/internal/repositories"
	"github.com/prudhvinik1/livesync/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogPretty, os.Stderr)

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("server stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, logging.Component("postgres"))
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer postgresPool.Close()

	if err := database.Migrate(ctx, postgresPool); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedisClient(ctx, cfg.RedisURL, logging.Component("redis"))
		if err != nil {
			return fmt.Errorf("failed to create redis client: %w", err)
		}
		defer redisClient.Close()
	}

	repo := repositories.NewPostgresDocumentRepository(postgresPool, logging.Component("documents"))
	client := livesync.New(repo, livesync.Options{
		CacheTTL:              cfg.CacheTTL,
		PendingWriteTimeout:   cfg.PendingWriteTimeout,
		NotificationListLimit: cfg.NotificationListLimit,
		Redis:                 redisClient,
	}, log.Logger)
	defer client.Close()

	g, ctx := errgroup.WithContext(ctx)

	tokens := services.NewTokenService(cfg.JWTSecret, cfg.JWTExpiry)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           api.NewServer(client, tokens, logging.Component("api")).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Request contexts end with the server so event streams let go.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		return repo.Listen(ctx)
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.ServerPort).Msg("starting server")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
