// Package main is the entry point for the retrocord gateway. It serves the event gateway and
// voice signalling over websockets, the health endpoint, and the gRPC dispatch service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/cache"
	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/database"
	"github.com/parsascontentcorner/retrocord/internal/gateway"
	grpcserver "github.com/parsascontentcorner/retrocord/internal/grpc"
	httpserver "github.com/parsascontentcorner/retrocord/internal/http"
	"github.com/parsascontentcorner/retrocord/internal/presence"
	"github.com/parsascontentcorner/retrocord/internal/relay"
	"github.com/parsascontentcorner/retrocord/internal/snowflake"
	"github.com/parsascontentcorner/retrocord/internal/voice"
	"github.com/parsascontentcorner/retrocord/pkg/logger"
)

const (
	cacheCleanupInterval   = time.Minute
	presenceRefreshDivisor = 2
	shutdownTimeout        = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		// Sync errors on stdout/stderr are expected for non-syncable file descriptors
		_ = log.Sync()
	}()

	log.Info("starting retrocord gateway",
		zap.String("environment", cfg.Server.Env),
		zap.String("http_port", cfg.Server.HTTPPort),
		zap.String("grpc_port", cfg.Server.GRPCPort),
		zap.Bool("presence_mirror", cfg.Redis.Enabled()),
		zap.Bool("media_relay", cfg.NATS.Enabled()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDB(&cfg.Database, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database connection", zap.Error(err))
		}
	}()

	if err := db.RunMigrations(cfg.Database.MigrationsPath); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	ids, err := snowflake.NewGenerator(cfg.Snowflake.WorkerID, cfg.Snowflake.ProcessID)
	if err != nil {
		log.Fatal("failed to create snowflake generator", zap.Error(err))
	}

	guilds := cache.NewGuildCache(db, cfg.Gateway.GuildCacheTTL, nil, log)
	guilds.StartCleanupJob(ctx, cacheCleanupInterval)

	deps := gateway.Deps{
		Accounts:      db,
		Guilds:        guilds,
		Settings:      db,
		UserData:      db,
		VoiceEndpoint: cfg.Voice.Endpoint,
	}
	dispatchOpts := grpcserver.DispatchOptions{Cache: guilds}

	var redisClient *redis.Client
	var mirror *presence.Mirror
	if cfg.Redis.Enabled() {
		redisClient, err = presence.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		mirror = presence.NewMirror(redisClient, cfg.Redis.PresenceTTL, log)
		deps.Mirror = mirror
		dispatchOpts.Presences = mirror
	}

	gatewayHub := gateway.NewHub(cfg.Gateway, gateway.NewCompat(cfg.Compat, cfg.Gateway), deps, log)
	registry := gatewayHub.Registry()
	if mirror != nil {
		mirror.StartRefreshJob(ctx, cfg.Redis.PresenceTTL/presenceRefreshDivisor, registry.Users)
	}

	voiceDeps := voice.Deps{Sessions: registry, IDs: ids}
	var natsConn *nats.Conn
	if cfg.NATS.Enabled() {
		natsConn, err = relay.Connect(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to nats", zap.Error(err))
		}
		voiceDeps.Forwarder = relay.NewForwarder(natsConn, cfg.NATS, log)
	}
	voiceHub := voice.NewHub(cfg.Voice, voiceDeps, log)

	dispatch := grpcserver.NewDispatchServer(gatewayHub.Dispatcher(), db, dispatchOpts, log)
	grpcServer, err := grpcserver.NewServer(dispatch, cfg.Server.GRPCPort, log)
	if err != nil {
		log.Fatal("failed to create gRPC server", zap.Error(err))
	}

	httpServer := httpserver.NewServer(httpserver.Routes{
		Handlers: httpserver.NewHandlers(db, registry, log),
		Gateway:  gateway.NewServer(gatewayHub, log),
		Voice:    voice.NewServer(voiceHub, log),
	}, cfg.Server.HTTPPort, log)

	grpcErrChan := make(chan error, 1)
	httpErrChan := make(chan error, 1)

	go func() {
		if err := grpcServer.Serve(); err != nil {
			grpcErrChan <- err
		}
	}()

	go func() {
		if err := httpServer.Serve(); err != nil {
			httpErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-grpcErrChan:
		log.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrChan:
		log.Error("HTTP server error", zap.Error(err))
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	log.Info("shutting down servers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown HTTP server gracefully", zap.Error(err))
	}

	// hijacked websocket connections are closed by their hubs
	voiceHub.Shutdown(shutdownCtx)
	gatewayHub.Shutdown(shutdownCtx)

	grpcServer.GracefulStop()
	cancel()

	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			log.Error("failed to drain nats connection", zap.Error(err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Error("failed to close redis client", zap.Error(err))
		}
	}

	log.Info("servers shut down successfully")
}
