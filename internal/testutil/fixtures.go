package testutil

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/permissions"
)

// EveryonePermissions is the @everyone grant used by GenerateGuild
const EveryonePermissions = permissions.ReadMessages | permissions.SendMessages |
	permissions.ReadMessageHistory | permissions.Connect | permissions.Speak | permissions.UseVAD

// GenerateAccount creates a test account; its token is "token-<id>".
func GenerateAccount(userID string) *models.Account {
	email := fmt.Sprintf("%s@test.com", userID)
	return &models.Account{
		User: models.User{
			ID:            userID,
			Username:      fmt.Sprintf("testuser_%s", userID),
			Discriminator: "0001",
		},
		Email:     &email,
		Verified:  true,
		Token:     TokenFor(userID),
		Settings:  models.UserSettings{Status: models.StatusOnline, Theme: "dark", Locale: "en-US"},
		CreatedAt: time.Now().UTC(),
	}
}

// TokenFor is the token GenerateAccount assigns to a user
func TokenFor(userID string) string {
	return "token-" + userID
}

// TextChannelID is the id of the text channel GenerateGuild creates
func TextChannelID(guildID string) string {
	return guildID + "-text"
}

// VoiceChannelID is the id of the voice channel GenerateGuild creates
func VoiceChannelID(guildID string) string {
	return guildID + "-voice"
}

// GenerateGuild creates a guild owned by ownerID with one text channel, one voice
// channel, an @everyone role and a membership for every given user.
func GenerateGuild(guildID, ownerID string, memberIDs ...string) *models.Guild {
	guild := &models.Guild{
		ID:      guildID,
		Name:    fmt.Sprintf("guild_%s", guildID),
		Region:  "us-east",
		OwnerID: ownerID,
		Roles: []models.Role{
			{ID: guildID, Name: "@everyone", Permissions: int64(EveryonePermissions)},
		},
		Channels: []models.Channel{
			{ID: TextChannelID(guildID), GuildID: guildID, Type: models.ChannelTypeGuildText, Name: "general"},
			{ID: VoiceChannelID(guildID), GuildID: guildID, Type: models.ChannelTypeGuildVoice, Name: "General", Position: 1},
		},
		CreatedAt: time.Now().UTC(),
	}

	seen := map[string]bool{}
	for _, id := range append([]string{ownerID}, memberIDs...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		guild.Members = append(guild.Members, GenerateMember(id))
	}
	return guild
}

// GenerateMember creates a membership with no extra roles
func GenerateMember(userID string) models.Member {
	return models.Member{
		User:     GenerateAccount(userID).Public(),
		Roles:    []string{},
		JoinedAt: time.Now().UTC().Truncate(time.Second),
	}
}

// AddRole appends a role to the guild and grants it to the given members
func AddRole(guild *models.Guild, role models.Role, memberIDs ...string) {
	guild.Roles = append(guild.Roles, role)
	for _, id := range memberIDs {
		if m := guild.Member(id); m != nil {
			m.Roles = append(m.Roles, role.ID)
		}
	}
}

// GenerateDM creates a private channel between the given users
func GenerateDM(channelID string, userIDs ...string) models.Channel {
	ch := models.Channel{ID: channelID, Type: models.ChannelTypeDM}
	if len(userIDs) > 2 {
		ch.Type = models.ChannelTypeGroupDM
		ch.OwnerID = userIDs[0]
	}
	for _, id := range userIDs {
		ch.Recipients = append(ch.Recipients, GenerateAccount(id).Public())
	}
	return ch
}

// GenerateSessionID generates a random session ID
func GenerateSessionID() string {
	return uuid.New().String()
}

// ReleaseDate builds a release date at midnight UTC
func ReleaseDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// GenerateTestConfig creates a test configuration with valid values
func GenerateTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			HTTPPort: "8080",
			GRPCPort: "50051",
			Host:     "localhost",
			Env:      "test",
		},
		Database: config.DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "testuser",
			Password:     "testpass",
			Name:         "testdb",
			SSLMode:      "disable",
			MaxOpenConns: 5,
			MaxIdleConns: 2,
		},
		Gateway: config.GatewayConfig{
			HeartbeatInterval:  45 * time.Second,
			HeartbeatGrace:     20 * time.Second,
			ResumeTimeout:      10 * time.Second,
			ReplayBufferSize:   500,
			DefaultReleaseDate: ReleaseDate(2017, time.October, 5),
			InboundRateLimit:   120,
			InboundRateWindow:  time.Minute,
			BroadcastPerMinute: 6,
			GuildCacheTTL:      30 * time.Second,
		},
		Compat: config.CompatConfig{
			Epoch2016:      ReleaseDate(2016, time.January, 1),
			Epoch2017:      ReleaseDate(2017, time.January, 1),
			Epoch2018:      ReleaseDate(2018, time.January, 1),
			PresenceCutoff: ReleaseDate(2016, time.August, 1),
		},
		Voice: config.VoiceConfig{
			Endpoint:          "voice.test:443",
			HeartbeatInterval: 13750 * time.Millisecond,
			InboundRateLimit:  120,
			InboundRateWindow: time.Minute,
		},
		Snowflake: config.SnowflakeConfig{WorkerID: 1},
		Logging: config.LoggingConfig{
			Level:  "debug",
			Format: "console",
		},
	}
}
