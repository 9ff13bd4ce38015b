package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/database"
)

// SetupTestDB creates a PostgreSQL TestContainer, runs the embedded migrations, and returns a
// database connection together with a cleanup function.
//
// Usage:
//
//	db, cleanup, err := testutil.SetupTestDB(ctx)
//	require.NoError(t, err)
//	defer cleanup()
func SetupTestDB(ctx context.Context) (*database.DB, func(), error) {
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	terminate := func() {
		_ = pgContainer.Terminate(ctx)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("failed to get container host: %w", err)
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	logger := zap.NewNop()
	cfg := &config.DatabaseConfig{
		Host:         host,
		Port:         mappedPort.Port(),
		User:         "testuser",
		Password:     "testpass",
		Name:         "testdb",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	db, err := database.NewDB(cfg, logger)
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.RunMigrations(""); err != nil {
		_ = db.Close()
		terminate()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	cleanup := func() {
		_ = db.Close()
		terminate()
	}

	return db, cleanup, nil
}

// TruncateTables removes all data from all tables (except schema_migrations)
func TruncateTables(ctx context.Context, db *database.DB) error {
	tables := []string{
		"notes",
		"connected_accounts",
		"read_states",
		"relationships",
		"members",
		"channel_recipients",
		"channels",
		"roles",
		"guilds",
		"accounts",
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// SeedTestData inserts the given accounts and a guild "g1" owned by the first, with every
// account as a member, plus a DM between the first two.
func SeedTestData(ctx context.Context, db *database.DB, userIDs ...string) error {
	if len(userIDs) == 0 {
		return fmt.Errorf("at least one user is required")
	}

	for _, id := range userIDs {
		if err := db.CreateAccount(ctx, GenerateAccount(id)); err != nil {
			return fmt.Errorf("failed to seed account %s: %w", id, err)
		}
	}

	guild := GenerateGuild("g1", userIDs[0], userIDs[1:]...)
	if err := db.CreateGuild(ctx, guild); err != nil {
		return fmt.Errorf("failed to seed guild: %w", err)
	}

	if len(userIDs) > 1 {
		dm := GenerateDM("dm-"+userIDs[0]+"-"+userIDs[1], userIDs[0], userIDs[1])
		if err := db.CreatePrivateChannel(ctx, &dm); err != nil {
			return fmt.Errorf("failed to seed dm: %w", err)
		}
	}

	return nil
}
