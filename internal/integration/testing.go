// Package integration runs the gateway, voice signalling and dispatch service end to end
// against a real PostgreSQL container.
package integration

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/parsascontentcorner/retrocord/internal/cache"
	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/database"
	"github.com/parsascontentcorner/retrocord/internal/gateway"
	grpcserver "github.com/parsascontentcorner/retrocord/internal/grpc"
	httpserver "github.com/parsascontentcorner/retrocord/internal/http"
	"github.com/parsascontentcorner/retrocord/internal/testutil"
	"github.com/parsascontentcorner/retrocord/internal/voice"
)

// Environment is a running gateway backed by a seeded database
type Environment struct {
	DB       *database.DB
	Config   *config.Config
	Gateway  *gateway.Hub
	Voice    *voice.Hub
	Guilds   *cache.GuildCache
	Dispatch *grpcserver.DispatchClient

	// URL is the ws:// base address of the HTTP server
	URL string

	cleanups []func()
}

// StartEnvironment starts PostgreSQL, seeds the given users and serves the gateway, voice
// and dispatch endpoints on loopback listeners. Close releases everything.
func StartEnvironment(ctx context.Context, userIDs ...string) (*Environment, error) {
	db, cleanup, err := testutil.SetupTestDB(ctx)
	if err != nil {
		return nil, err
	}
	env := &Environment{DB: db, Config: testutil.GenerateTestConfig()}
	env.cleanups = append(env.cleanups, cleanup)

	if err := testutil.SeedTestData(ctx, db, userIDs...); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to seed database: %w", err)
	}

	logger := zap.NewNop()
	cfg := env.Config

	env.Guilds = cache.NewGuildCache(db, cfg.Gateway.GuildCacheTTL, nil, logger)
	env.Gateway = gateway.NewHub(cfg.Gateway, gateway.NewCompat(cfg.Compat, cfg.Gateway), gateway.Deps{
		Accounts:      db,
		Guilds:        env.Guilds,
		Settings:      db,
		UserData:      db,
		VoiceEndpoint: cfg.Voice.Endpoint,
	}, logger)
	env.Voice = voice.NewHub(cfg.Voice, voice.Deps{Sessions: env.Gateway.Registry()}, logger)

	srv := httptest.NewServer(httpserver.NewHandler(httpserver.Routes{
		Handlers: httpserver.NewHandlers(db, env.Gateway.Registry(), logger),
		Gateway:  gateway.NewServer(env.Gateway, logger),
		Voice:    voice.NewServer(env.Voice, logger),
	}, logger))
	env.cleanups = append(env.cleanups, srv.Close)
	env.URL = "ws" + strings.TrimPrefix(srv.URL, "http")

	dispatch := grpcserver.NewDispatchServer(env.Gateway.Dispatcher(), db, grpcserver.DispatchOptions{
		Cache: env.Guilds,
	}, logger)
	grpcSrv, listener, err := StartTestServer(dispatch, logger)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.cleanups = append(env.cleanups, grpcSrv.Stop)

	conn, err := grpc.NewClient(listener.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}
	env.cleanups = append(env.cleanups, func() { _ = conn.Close() })
	env.Dispatch = grpcserver.NewDispatchClient(conn)

	return env, nil
}

// Close shuts the servers down and terminates the database container
func (e *Environment) Close() {
	ctx := context.Background()
	if e.Voice != nil {
		e.Voice.Shutdown(ctx)
	}
	if e.Gateway != nil {
		e.Gateway.Shutdown(ctx)
	}
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i]()
	}
	e.cleanups = nil
}

// StartTestServer starts the dispatch service on a random loopback port
func StartTestServer(dispatch grpcserver.DispatchService, logger *zap.Logger) (*grpcserver.Server, net.Listener, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen: %w", err)
	}

	srv := grpcserver.NewServerWithListener(dispatch, listener, logger)
	go func() {
		// returns once the test stops the server
		_ = srv.Serve()
	}()

	return srv, listener, nil
}
