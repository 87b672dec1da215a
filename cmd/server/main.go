package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/Tundrag/audio-streaming-app1-sub000/internal/broadcast"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/broker"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/config"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/database"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/logging"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/notify"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/presence"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/ratelimit"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/server"
)

const (
	producerRateLimit  = 30 // requests per identity per window
	producerRateWindow = time.Minute
	heartbeatInterval  = 15 * time.Second
)

// version is stamped at build time.
var version = "dev"

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// log is used before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func runGracefulShutdown(srv *server.Server, managers map[string]*broadcast.Manager, stopRegistry context.CancelFunc, brokerClient *broker.Client, pool *pgxpool.Pool) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		for _, mgr := range managers {
			mgr.Close()
		}
		stopRegistry()

		if err := brokerClient.Close(); err != nil {
			slog.Error("Broker close error", "error", err)
		}
		pool.Close()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version)

	pool := setupDB(cfg)

	brokerClient := broker.NewClient(broker.Config{
		PrimaryAddr:  cfg.RedisPrimaryAddr,
		FallbackAddr: cfg.RedisFallbackAddr,
		DB:           cfg.RedisDB,
		Password:     cfg.RedisPassword,
		DialTimeout:  cfg.RedisDialTimeout,
		OpTimeout:    cfg.RedisOpTimeout,
		Retries:      cfg.RedisRetries,
		DefaultTTL:   cfg.RedisDefaultTTL,
	}, clock)

	channels := []string{notify.ChannelBroadcasts, notify.ChannelTTSStatus, notify.ChannelForum}
	managers := make(map[string]*broadcast.Manager, len(channels))
	trackers := make(map[string]*presence.Tracker, len(channels))
	for _, channel := range channels {
		tracker := presence.NewTracker(brokerClient, channel)
		trackers[channel] = tracker
		managers[channel] = broadcast.NewManager(channel, brokerClient, clock, broadcast.Hooks{
			OnConnect:    tracker.HandleConnect,
			OnDisconnect: tracker.HandleDisconnect,
		})
	}

	registry := presence.NewReplicaRegistry(brokerClient, clock, uuid.NewString(), heartbeatInterval, version)
	registryCtx, stopRegistry := context.WithCancel(context.Background())
	go registry.Start(registryCtx)

	srv := server.NewServer(cfg, server.Deps{
		Guard:     database.NewSessionRepo(pool),
		Managers:  managers,
		Announcer: notify.NewAnnouncer(managers[notify.ChannelBroadcasts]),
		TTS:       notify.NewTTSNotifier(managers[notify.ChannelTTSStatus]),
		Forum:     notify.NewForumNotifier(managers[notify.ChannelForum]),
		Presence:  trackers,
		Registry:  registry,
		Limiter:   ratelimit.NewFixedWindowLimiter(brokerClient, producerRateLimit, producerRateWindow),
		DB:        pool,
		Broker:    brokerClient,
	})

	done := runGracefulShutdown(srv, managers, stopRegistry, brokerClient, pool)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
