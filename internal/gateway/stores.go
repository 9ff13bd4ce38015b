package gateway

import (
	"context"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

// AccountStore looks up accounts. Both methods return (nil, nil) when no account matches.
type AccountStore interface {
	GetAccountByToken(ctx context.Context, token string) (*models.Account, error)
	GetAccountByUserID(ctx context.Context, userID string) (*models.Account, error)
}

// GuildStore returns guild snapshots including roles, members and channels
type GuildStore interface {
	GetUsersGuilds(ctx context.Context, userID string) ([]*models.Guild, error)
	GetGuildByID(ctx context.Context, guildID string) (*models.Guild, error)
}

// SettingsStore persists user settings
type SettingsStore interface {
	UpdateSettings(ctx context.Context, userID string, settings models.UserSettings) error
}

// UserDataStore provides the per-user collections sent in READY
type UserDataStore interface {
	GetPrivateChannels(ctx context.Context, userID string) ([]models.Channel, error)
	GetRelationships(ctx context.Context, userID string) ([]models.Relationship, error)
	GetReadStates(ctx context.Context, userID string) ([]models.ReadState, error)
	GetConnectedAccounts(ctx context.Context, userID string) ([]models.ConnectedAccount, error)
	GetNotes(ctx context.Context, userID string) (map[string]string, error)
}

// PresenceMirror publishes visible presences outside this process. Errors are logged by callers.
type PresenceMirror interface {
	Publish(ctx context.Context, presence models.Presence) error
	Clear(ctx context.Context, userID string) error
}

type noopMirror struct{}

func (noopMirror) Publish(context.Context, models.Presence) error { return nil }
func (noopMirror) Clear(context.Context, string) error            { return nil }
