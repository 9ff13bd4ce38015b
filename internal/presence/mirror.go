// Package presence mirrors visible presences into Redis so other nodes and the REST layer can
// read a user's status without owning their sessions.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/models"
)

const keyPrefix = "retrocord:presence:"

// Key returns the redis key holding a user's presence
func Key(userID string) string {
	return keyPrefix + userID
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Mirror writes presences with a TTL; live users are kept alive by Refresh
type Mirror struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewMirror creates a presence mirror
func NewMirror(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Mirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Mirror{
		client: client,
		ttl:    ttl,
		logger: logger.Named("presence_mirror"),
	}
}

// Publish stores the visible presence of a user
func (m *Mirror) Publish(ctx context.Context, presence models.Presence) error {
	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to encode presence: %w", err)
	}
	if err := m.client.Set(ctx, Key(presence.User.ID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store presence: %w", err)
	}
	return nil
}

// Clear removes a user's presence once they are offline everywhere
func (m *Mirror) Clear(ctx context.Context, userID string) error {
	if err := m.client.Del(ctx, Key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	return nil
}

// Lookup reads a mirrored presence; ok is false when the user has none
func (m *Mirror) Lookup(ctx context.Context, userID string) (models.Presence, bool, error) {
	data, err := m.client.Get(ctx, Key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Presence{}, false, nil
	}
	if err != nil {
		return models.Presence{}, false, fmt.Errorf("failed to load presence: %w", err)
	}

	var presence models.Presence
	if err := json.Unmarshal(data, &presence); err != nil {
		return models.Presence{}, false, fmt.Errorf("failed to decode presence: %w", err)
	}
	return presence, true, nil
}

// Refresh renews the TTL of the given users' keys in one pipeline
func (m *Mirror) Refresh(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Expire(ctx, Key(id), m.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh presences: %w", err)
	}
	return nil
}

// StartRefreshJob renews the keys of users() every interval until ctx is done
func (m *Mirror) StartRefreshJob(ctx context.Context, interval time.Duration, users func() []string) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ids := users()
				if err := m.Refresh(ctx, ids); err != nil {
					m.logger.Warn("presence refresh failed", zap.Error(err))
					continue
				}
				m.logger.Debug("refreshed presences", zap.Int("users", len(ids)))
			}
		}
	}()
}
