package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/testutil"
)

// countingStore counts backing store calls
type countingStore struct {
	*testutil.MemoryStore
	mu         sync.Mutex
	guildCalls int
	userCalls  int
}

func (s *countingStore) GetGuildByID(ctx context.Context, guildID string) (*models.Guild, error) {
	s.mu.Lock()
	s.guildCalls++
	s.mu.Unlock()
	return s.MemoryStore.GetGuildByID(ctx, guildID)
}

func (s *countingStore) GetUsersGuilds(ctx context.Context, userID string) ([]*models.Guild, error) {
	s.mu.Lock()
	s.userCalls++
	s.mu.Unlock()
	return s.MemoryStore.GetUsersGuilds(ctx, userID)
}

func newTestCache(t *testing.T) (*GuildCache, *countingStore, *clock.Mock) {
	t.Helper()
	store := &countingStore{MemoryStore: testutil.NewMemoryStore()}
	store.AddGuild(testutil.GenerateGuild("g1", "1", "2"))
	store.AddGuild(testutil.GenerateGuild("g2", "2"))

	mock := clock.NewMock()
	return NewGuildCache(store, time.Minute, mock, zap.NewNop()), store, mock
}

func TestGetGuildByIDReadThrough(t *testing.T) {
	c, store, mock := newTestCache(t)
	ctx := context.Background()

	first, err := c.GetGuildByID(ctx, "g1")
	require.NoError(t, err)
	second, err := c.GetGuildByID(ctx, "g1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, store.guildCalls)

	mock.Add(time.Minute)
	_, err = c.GetGuildByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.guildCalls)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestGetGuildByIDMissingNotCached(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		g, err := c.GetGuildByID(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, g)
	}
	assert.Equal(t, 2, store.guildCalls)
}

func TestGetUsersGuildsPopulatesGuilds(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()

	guilds, err := c.GetUsersGuilds(ctx, "2")
	require.NoError(t, err)
	assert.Len(t, guilds, 2)

	again, err := c.GetUsersGuilds(ctx, "2")
	require.NoError(t, err)
	assert.Len(t, again, 2)
	assert.Equal(t, 1, store.userCalls)

	_, err = c.GetGuildByID(ctx, "g2")
	require.NoError(t, err)
	assert.Zero(t, store.guildCalls, "guilds loaded with a user's list are cached")
}

func TestInvalidate(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.GetUsersGuilds(ctx, "1")
	require.NoError(t, err)
	_, err = c.GetUsersGuilds(ctx, "2")
	require.NoError(t, err)

	// a role change in g1 must be visible immediately
	updated := testutil.GenerateGuild("g1", "1", "2")
	updated.Name = "renamed"
	store.AddGuild(updated)
	c.Invalidate("g1")

	g, err := c.GetGuildByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", g.Name)

	_, err = c.GetUsersGuilds(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 3, store.userCalls, "lists containing the guild are dropped")

	c.InvalidateUser("2")
	_, err = c.GetUsersGuilds(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, 4, store.userCalls)
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	c, store, _ := newTestCache(t)
	store.GuildErr = errors.New("connection refused")

	_, err := c.GetGuildByID(context.Background(), "g1")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.GuildErr)

	_, err = c.GetUsersGuilds(context.Background(), "1")
	require.Error(t, err)
	assert.Zero(t, c.Stats().Users)
}

func TestCleanupExpired(t *testing.T) {
	c, _, mock := newTestCache(t)
	ctx := context.Background()

	_, err := c.GetUsersGuilds(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, 0, c.CleanupExpired())

	mock.Add(time.Minute)
	assert.Equal(t, 3, c.CleanupExpired())
	assert.Equal(t, Stats{Misses: 1}, c.Stats())
}
