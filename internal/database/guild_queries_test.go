package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

func TestCreateAndGetGuild(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createAccounts(t, db, "1", "2")

	guild := generateGuild("g1", "1", "2")
	guild.Exclusions = []string{"2015"}
	guild.Members[1].Roles = []string{"g1-mod"}
	guild.Members[1].Nick = strPtr("moddy")
	require.NoError(t, db.CreateGuild(ctx, guild))

	got, err := db.GetGuildByID(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "guild g1", got.Name)
	assert.Equal(t, "1", got.OwnerID)
	assert.Equal(t, []string{"INVITE_SPLASH"}, got.Features)
	assert.True(t, got.ExcludedFor("2015"))

	require.Len(t, got.Roles, 2)
	assert.Equal(t, "@everyone", got.EveryoneRole().Name)
	assert.Equal(t, int64(8), got.Role("g1-mod").Permissions)

	require.Len(t, got.Channels, 2)
	voice := got.Channel("g1-voice")
	require.NotNil(t, voice)
	assert.Equal(t, "g1", voice.GuildID)
	assert.Equal(t, models.ChannelTypeGuildVoice, voice.Type)
	assert.Equal(t, guild.Channels[1].PermissionOverwrites, voice.PermissionOverwrites)
	assert.Empty(t, got.Channel("g1-text").PermissionOverwrites)

	require.Len(t, got.Members, 2)
	member := got.Member("2")
	require.NotNil(t, member)
	assert.Equal(t, "user2", member.User.Username)
	assert.Equal(t, "moddy", member.DisplayName())
	assert.True(t, member.HasRole("g1-mod"))
	assert.False(t, member.JoinedAt.IsZero())
	assert.Empty(t, got.Member("1").Roles)
}

func TestGetGuildByID_NotFound(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetGuildByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateGuild_RollsBackOnFailure(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createAccounts(t, db, "1")

	// member 9 has no account
	guild := generateGuild("g1", "1", "9")
	require.Error(t, db.CreateGuild(ctx, guild))

	got, err := db.GetGuildByID(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetUsersGuilds(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createAccounts(t, db, "1", "2", "3")

	require.NoError(t, db.CreateGuild(ctx, generateGuild("g1", "1", "2")))
	require.NoError(t, db.CreateGuild(ctx, generateGuild("g2", "2")))

	tests := []struct {
		userID string
		want   []string
	}{
		{userID: "1", want: []string{"g1"}},
		{userID: "2", want: []string{"g1", "g2"}},
		{userID: "3", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			guilds, err := db.GetUsersGuilds(ctx, tt.userID)
			require.NoError(t, err)

			var ids []string
			for _, g := range guilds {
				ids = append(ids, g.ID)
				assert.NotEmpty(t, g.Members)
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func TestMembership(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createAccounts(t, db, "1", "2")
	require.NoError(t, db.CreateGuild(ctx, generateGuild("g1", "1")))

	require.NoError(t, db.AddMember(ctx, "g1", models.Member{User: models.User{ID: "2"}}))
	// adding twice is a no-op
	require.NoError(t, db.AddMember(ctx, "g1", models.Member{User: models.User{ID: "2"}}))

	require.NoError(t, db.SetMemberRoles(ctx, "g1", "2", []string{"g1-mod"}))
	guild, err := db.GetGuildByID(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, guild.Members, 2)
	assert.True(t, guild.Member("2").HasRole("g1-mod"))

	require.NoError(t, db.SetMemberRoles(ctx, "g1", "2", nil))
	guild, err = db.GetGuildByID(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, guild.Member("2").Roles)

	require.NoError(t, db.RemoveMember(ctx, "g1", "2"))
	guild, err = db.GetGuildByID(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, guild.Member("2"))

	err = db.SetMemberRoles(ctx, "g1", "2", []string{"g1-mod"})
	assert.Error(t, err)
}

func TestDeleteGuild(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createAccounts(t, db, "1")
	require.NoError(t, db.CreateGuild(ctx, generateGuild("g1", "1")))

	require.NoError(t, db.DeleteGuild(ctx, "g1"))

	guilds, err := db.GetUsersGuilds(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, guilds)

	channel, err := db.GetChannelByID(ctx, "g1-text")
	require.NoError(t, err)
	assert.Nil(t, channel, "channels cascade with the guild")

	assert.Error(t, db.DeleteGuild(ctx, "g1"))
}
