package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/permissions"
	"github.com/parsascontentcorner/retrocord/internal/testutil"
)

func joinVoice(guildID string, channelID any) map[string]any {
	return map[string]any{"guild_id": guildID, "channel_id": channelID, "self_mute": false, "self_deaf": false}
}

func TestVoiceStateUpdateJoinAndLeave(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2")
	e.store.AddGuild(testutil.GenerateGuild("g1", "1", "2"))

	c := e.identify(t, "1")
	watcher := e.identify(t, "2")
	voiceChannel := testutil.VoiceChannelID("g1")

	require.NoError(t, c.send(OpVoiceStateUpdate, joinVoice("g1", voiceChannel)))

	state, ok := e.hub.Registry().VoiceState("1")
	require.True(t, ok)
	assert.Equal(t, c.session().ID(), state.SessionID)
	assert.Len(t, state.Token, 16)

	updates := watcher.ft.DispatchesOf(EventVoiceStateUpdate)
	require.Len(t, updates, 1)
	var broadcast models.VoiceState
	testutil.DecodeData(t, updates[0], &broadcast)
	require.NotNil(t, broadcast.ChannelID)
	assert.Equal(t, voiceChannel, *broadcast.ChannelID)
	assert.Empty(t, broadcast.Token)

	servers := c.ft.DispatchesOf(EventVoiceServerUpdate)
	require.Len(t, servers, 1)
	var server voiceServerUpdate
	testutil.DecodeData(t, servers[0], &server)
	assert.Equal(t, state.Token, server.Token)
	assert.Equal(t, "g1", server.GuildID)
	assert.Equal(t, "voice.test:443", server.Endpoint)
	assert.Empty(t, watcher.ft.DispatchesOf(EventVoiceServerUpdate))

	// muting in the same room keeps the token and does not re-send the server
	mute := joinVoice("g1", voiceChannel)
	mute["self_mute"] = true
	require.NoError(t, c.send(OpVoiceStateUpdate, mute))
	muted, _ := e.hub.Registry().VoiceState("1")
	assert.Equal(t, state.Token, muted.Token)
	assert.True(t, muted.SelfMute)
	assert.Len(t, c.ft.DispatchesOf(EventVoiceServerUpdate), 1)

	require.NoError(t, c.send(OpVoiceStateUpdate, joinVoice("g1", nil)))
	_, ok = e.hub.Registry().VoiceState("1")
	assert.False(t, ok)

	updates = watcher.ft.DispatchesOf(EventVoiceStateUpdate)
	require.Len(t, updates, 3)
	var left models.VoiceState
	testutil.DecodeData(t, updates[2], &left)
	assert.Nil(t, left.ChannelID)
	assert.Equal(t, "1", left.UserID)
}

func TestVoiceStateUpdateRejections(t *testing.T) {
	tests := []struct {
		name    string
		guild   func() *models.Guild
		payload map[string]any
	}{
		{
			name:    "text channel",
			guild:   func() *models.Guild { return testutil.GenerateGuild("g1", "2", "1") },
			payload: joinVoice("g1", testutil.TextChannelID("g1")),
		},
		{
			name:    "unknown guild",
			guild:   func() *models.Guild { return testutil.GenerateGuild("g1", "2", "1") },
			payload: joinVoice("g404", testutil.VoiceChannelID("g404")),
		},
		{
			name:    "not a member",
			guild:   func() *models.Guild { return testutil.GenerateGuild("g1", "2") },
			payload: joinVoice("g1", testutil.VoiceChannelID("g1")),
		},
		{
			name: "connect denied",
			guild: func() *models.Guild {
				g := testutil.GenerateGuild("g1", "2", "1")
				g.Channel(testutil.VoiceChannelID("g1")).PermissionOverwrites = []models.Overwrite{
					{ID: "g1", Type: models.OverwriteRole, Deny: int64(permissions.Connect)},
				}
				return g
			},
			payload: joinVoice("g1", testutil.VoiceChannelID("g1")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.addUsers("1", "2")
			e.store.AddGuild(tt.guild())

			c := e.identify(t, "1")
			require.NoError(t, c.send(OpVoiceStateUpdate, tt.payload))

			testutil.AssertOpen(t, c.ft)
			_, ok := e.hub.Registry().VoiceState("1")
			assert.False(t, ok)
			assert.Empty(t, c.ft.DispatchesOf(EventVoiceServerUpdate))
		})
	}
}

func TestDisconnectClearsVoiceState(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2")
	e.store.AddGuild(testutil.GenerateGuild("g1", "1", "2"))

	c := e.identify(t, "1")
	watcher := e.identify(t, "2")
	require.NoError(t, c.send(OpVoiceStateUpdate, joinVoice("g1", testutil.VoiceChannelID("g1"))))

	c.conn.Close(context.Background())

	_, ok := e.hub.Registry().VoiceState("1")
	assert.False(t, ok)
	updates := watcher.ft.DispatchesOf(EventVoiceStateUpdate)
	require.Len(t, updates, 2)
	var left models.VoiceState
	testutil.DecodeData(t, updates[1], &left)
	assert.Nil(t, left.ChannelID)
}

func TestRequestGuildMembers(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2")
	guild := testutil.GenerateGuild("g1", "1", "2", "3", "30", "4")
	e.store.AddGuild(guild)

	c := e.identify(t, "1")
	e.identify(t, "2")

	t.Run("prefix query with limit", func(t *testing.T) {
		c.ft.Reset()
		require.NoError(t, c.send(OpRequestGuildMembers, map[string]any{"guild_id": "g1", "query": "TESTUSER_3", "limit": 1}))

		chunks := c.ft.DispatchesOf(EventGuildMembersChunk)
		require.Len(t, chunks, 1)
		var chunk guildMembersChunk
		testutil.DecodeData(t, chunks[0], &chunk)
		require.Len(t, chunk.Members, 1)
		assert.Equal(t, "3", chunk.Members[0].User.ID)
		assert.Equal(t, 1, chunk.ChunkCount)
		assert.Empty(t, chunk.Presences)
	})

	t.Run("all members with presences", func(t *testing.T) {
		c.ft.Reset()
		require.NoError(t, c.send(OpRequestGuildMembers, map[string]any{"guild_id": []string{"g1"}, "query": "", "limit": 0}))

		chunks := c.ft.DispatchesOf(EventGuildMembersChunk)
		require.Len(t, chunks, 1)
		var chunk guildMembersChunk
		testutil.DecodeData(t, chunks[0], &chunk)
		assert.Len(t, chunk.Members, 5)
		assert.Len(t, chunk.Presences, 2)
	})

	t.Run("user ids", func(t *testing.T) {
		c.ft.Reset()
		require.NoError(t, c.send(OpRequestGuildMembers, map[string]any{"guild_id": "g1", "user_ids": []string{"4", "99"}}))

		chunks := c.ft.DispatchesOf(EventGuildMembersChunk)
		require.Len(t, chunks, 1)
		var chunk guildMembersChunk
		testutil.DecodeData(t, chunks[0], &chunk)
		require.Len(t, chunk.Members, 1)
		assert.Equal(t, "4", chunk.Members[0].User.ID)
		assert.Equal(t, []string{"99"}, chunk.NotFound)
	})

	t.Run("foreign guild is ignored", func(t *testing.T) {
		c.ft.Reset()
		e.store.AddGuild(testutil.GenerateGuild("g2", "5"))
		require.NoError(t, c.send(OpRequestGuildMembers, map[string]any{"guild_id": "g2"}))
		assert.Empty(t, c.ft.DispatchesOf(EventGuildMembersChunk))
	})
}

func TestGuildSync(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2")
	e.store.AddGuild(testutil.GenerateGuild("g1", "1", "2", "3"))

	c := e.identify(t, "1")
	e.identify(t, "2")

	require.NoError(t, c.send(OpGuildSync, []string{"g1", "g404"}))

	syncs := c.ft.DispatchesOf(EventGuildSync)
	require.Len(t, syncs, 1)
	var sync guildSync
	testutil.DecodeData(t, syncs[0], &sync)
	assert.Equal(t, "g1", sync.ID)
	assert.Len(t, sync.Members, 3)
	assert.Len(t, sync.Presences, 2)
}

func TestLazyRequestBuildsMemberList(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2")
	guild := testutil.GenerateGuild("g1", "1", "2", "3")
	testutil.AddRole(guild, models.Role{ID: "staff", Name: "staff", Hoist: true, Position: 2}, "2")
	e.store.AddGuild(guild)

	c := e.identify(t, "1")
	e.identify(t, "2")

	require.NoError(t, c.send(OpLazyRequest, map[string]any{
		"guild_id": "g1",
		"channels": map[string][][2]int{testutil.TextChannelID("g1"): {{0, 99}}},
	}))

	updates := c.ft.DispatchesOf(EventGuildMemberListUpdate)
	require.Len(t, updates, 1)
	var update MemberListUpdate
	testutil.DecodeData(t, updates[0], &update)

	assert.Equal(t, 3, update.MemberCount)
	assert.Equal(t, 2, update.OnlineCount)
	assert.Equal(t, []MemberListGroup{
		{ID: "staff", Count: 1},
		{ID: groupOnline, Count: 1},
		{ID: groupOffline, Count: 1},
	}, update.Groups)
	require.Len(t, update.Ops, 1)
	assert.Equal(t, "SYNC", update.Ops[0].Op)
	assert.Len(t, update.Ops[0].Items, 6)

	sub, ok := c.session().Subscription("g1")
	require.True(t, ok)
	assert.Equal(t, testutil.TextChannelID("g1"), sub.ChannelID)
}
