// Package cache provides a read-through TTL cache of guild snapshots in front of the guild
// store. Membership or role mutations must call Invalidate so permission checks never use a
// stale snapshot.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

// GuildStore is the backing store
type GuildStore interface {
	GetUsersGuilds(ctx context.Context, userID string) ([]*models.Guild, error)
	GetGuildByID(ctx context.Context, guildID string) (*models.Guild, error)
}

type guildEntry struct {
	guild     *models.Guild
	expiresAt time.Time
}

type userEntry struct {
	guildIDs  []string
	expiresAt time.Time
}

// Stats are cumulative lookup counters
type Stats struct {
	Hits   int64
	Misses int64
	Guilds int
	Users  int
}

// GuildCache caches guild snapshots by id and guild lists by user
type GuildCache struct {
	store  GuildStore
	ttl    time.Duration
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	guilds map[string]guildEntry // guild id -> snapshot
	users  map[string]userEntry  // user id -> guild ids
	hits   int64
	misses int64
}

// NewGuildCache wraps store with a cache holding entries for ttl
func NewGuildCache(store GuildStore, ttl time.Duration, clk clock.Clock, logger *zap.Logger) *GuildCache {
	if clk == nil {
		clk = clock.New()
	}
	return &GuildCache{
		store:  store,
		ttl:    ttl,
		clock:  clk,
		logger: logger.Named("guild_cache"),
		guilds: make(map[string]guildEntry),
		users:  make(map[string]userEntry),
	}
}

// GetGuildByID returns a cached snapshot or loads it. Absent guilds are not cached.
func (c *GuildCache) GetGuildByID(ctx context.Context, guildID string) (*models.Guild, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if entry, ok := c.guilds[guildID]; ok && now.Before(entry.expiresAt) {
		c.hits++
		c.mu.Unlock()
		return entry.guild, nil
	}
	c.misses++
	c.mu.Unlock()

	guild, err := c.store.GetGuildByID(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load guild %s: %w", guildID, err)
	}
	if guild == nil {
		return nil, nil
	}

	c.mu.Lock()
	c.guilds[guildID] = guildEntry{guild: guild, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return guild, nil
}

// GetUsersGuilds returns the user's guilds, from cache when the list and every guild in it
// are still fresh
func (c *GuildCache) GetUsersGuilds(ctx context.Context, userID string) ([]*models.Guild, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if guilds, ok := c.cachedUserGuildsLocked(userID, now); ok {
		c.hits++
		c.mu.Unlock()
		return guilds, nil
	}
	c.misses++
	c.mu.Unlock()

	guilds, err := c.store.GetUsersGuilds(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load guilds of user %s: %w", userID, err)
	}

	ids := make([]string, 0, len(guilds))
	c.mu.Lock()
	for _, g := range guilds {
		if g == nil {
			continue
		}
		ids = append(ids, g.ID)
		c.guilds[g.ID] = guildEntry{guild: g, expiresAt: now.Add(c.ttl)}
	}
	c.users[userID] = userEntry{guildIDs: ids, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return guilds, nil
}

// cachedUserGuildsLocked resolves a user's cached list. Caller holds c.mu.
func (c *GuildCache) cachedUserGuildsLocked(userID string, now time.Time) ([]*models.Guild, bool) {
	entry, ok := c.users[userID]
	if !ok || !now.Before(entry.expiresAt) {
		return nil, false
	}
	out := make([]*models.Guild, 0, len(entry.guildIDs))
	for _, id := range entry.guildIDs {
		g, ok := c.guilds[id]
		if !ok || !now.Before(g.expiresAt) {
			return nil, false
		}
		out = append(out, g.guild)
	}
	return out, true
}

// Invalidate drops a guild and every cached guild list that contains it
func (c *GuildCache) Invalidate(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.guilds, guildID)
	dropped := 0
	for userID, entry := range c.users {
		for _, id := range entry.guildIDs {
			if id == guildID {
				delete(c.users, userID)
				dropped++
				break
			}
		}
	}
	c.logger.Debug("invalidated guild",
		zap.String("guild_id", guildID),
		zap.Int("user_lists_dropped", dropped),
	)
}

// InvalidateUser drops a user's cached guild list, e.g. after joining or leaving a guild
func (c *GuildCache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, userID)
	c.logger.Debug("invalidated user guild list", zap.String("user_id", userID))
}

// CleanupExpired removes expired entries and returns how many were removed
func (c *GuildCache) CleanupExpired() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, entry := range c.guilds {
		if !now.Before(entry.expiresAt) {
			delete(c.guilds, id)
			removed++
		}
	}
	for id, entry := range c.users {
		if !now.Before(entry.expiresAt) {
			delete(c.users, id)
			removed++
		}
	}
	return removed
}

// StartCleanupJob runs CleanupExpired every interval until ctx is done
func (c *GuildCache) StartCleanupJob(ctx context.Context, interval time.Duration) {
	ticker := c.clock.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.CleanupExpired(); removed > 0 {
					c.logger.Debug("cleaned up expired cache entries", zap.Int("removed", removed))
				}
			}
		}
	}()
}

// Stats returns the current counters
func (c *GuildCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:   c.hits,
		Misses: c.misses,
		Guilds: len(c.guilds),
		Users:  len(c.users),
	}
}
