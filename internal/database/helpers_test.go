package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/models"
)

// setupPostgresContainer starts a PostgreSQL container and returns a config pointing at it.
// The container is terminated when the test ends.
func setupPostgresContainer(t *testing.T) *config.DatabaseConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
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
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return &config.DatabaseConfig{
		Host:         host,
		Port:         mappedPort.Port(),
		User:         "testuser",
		Password:     "testpass",
		Name:         "testdb",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}
}

// setupTestDB returns a migrated database in a fresh container
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := setupPostgresContainer(t)

	db, err := NewDB(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.RunMigrations(""))
	return db
}

func strPtr(s string) *string {
	return &s
}

func generateAccount(id string) *models.Account {
	return &models.Account{
		User: models.User{
			ID:            id,
			Username:      "user" + id,
			Discriminator: "0001",
		},
		Email:    strPtr("user" + id + "@example.com"),
		Verified: true,
		Token:    "token-" + id,
		Settings: models.UserSettings{Status: models.StatusOnline, Locale: "en-US"},
	}
}

func createAccounts(t *testing.T, db *DB, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, db.CreateAccount(context.Background(), generateAccount(id)))
	}
}

// generateGuild builds a guild owned by the first member with @everyone, a text and a voice channel
func generateGuild(id string, memberIDs ...string) *models.Guild {
	guild := &models.Guild{
		ID:         id,
		Name:       "guild " + id,
		Region:     "us-east",
		OwnerID:    memberIDs[0],
		AFKTimeout: 300,
		Features:   []string{"INVITE_SPLASH"},
		Roles: []models.Role{
			{ID: id, Name: "@everyone", Permissions: 104324161},
			{ID: id + "-mod", Name: "mod", Permissions: 8, Position: 1, Hoist: true},
		},
		Channels: []models.Channel{
			{ID: id + "-text", Type: models.ChannelTypeGuildText, Name: "general"},
			{
				ID:       id + "-voice",
				Type:     models.ChannelTypeGuildVoice,
				Name:     "General",
				Position: 1,
				PermissionOverwrites: []models.Overwrite{
					{ID: id, Type: models.OverwriteRole, Deny: 1 << 20},
				},
			},
		},
	}
	for _, uid := range memberIDs {
		guild.Members = append(guild.Members, models.Member{User: models.User{ID: uid}})
	}
	return guild
}
