package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/permissions"
	"github.com/parsascontentcorner/retrocord/internal/testutil"
)

func TestInChannelRespectsOverwrites(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2", "3")
	guild := testutil.GenerateGuild("g1", "1", "2", "3")
	guild.Channel(testutil.TextChannelID("g1")).PermissionOverwrites = []models.Overwrite{
		{ID: "3", Type: models.OverwriteMember, Deny: int64(permissions.ReadMessages)},
	}
	e.store.AddGuild(guild)

	owner := e.identify(t, "1")
	member := e.identify(t, "2")
	denied := e.identify(t, "3")

	delivered := e.hub.Dispatcher().InChannel(guild, testutil.TextChannelID("g1"), "MESSAGE_CREATE", map[string]string{"content": "hi"})

	assert.Equal(t, 2, delivered)
	assert.Len(t, owner.ft.DispatchesOf("MESSAGE_CREATE"), 1)
	assert.Len(t, member.ft.DispatchesOf("MESSAGE_CREATE"), 1)
	assert.Empty(t, denied.ft.DispatchesOf("MESSAGE_CREATE"))
}

func TestInChannelUnknownChannel(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1")
	guild := testutil.GenerateGuild("g1", "1")
	e.store.AddGuild(guild)
	e.identify(t, "1")

	assert.Zero(t, e.hub.Dispatcher().InChannel(guild, "missing", "MESSAGE_CREATE", map[string]string{}))
	assert.Zero(t, e.hub.Dispatcher().InChannel(nil, "missing", "MESSAGE_CREATE", map[string]string{}))
}

func TestInGuildReachesEverySessionOfEveryMember(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2", "3")
	guild := testutil.GenerateGuild("g1", "1", "2")
	e.store.AddGuild(guild)

	a := e.identify(t, "1")
	b := e.identify(t, "1")
	c := e.identify(t, "2")
	outsider := e.identify(t, "3")

	delivered := e.hub.Dispatcher().InGuild(guild, "GUILD_UPDATE", map[string]string{"id": "g1"})

	assert.Equal(t, 3, delivered)
	for _, client := range []*testClient{a, b, c} {
		assert.Len(t, client.ft.DispatchesOf("GUILD_UPDATE"), 1)
	}
	assert.Empty(t, outsider.ft.DispatchesOf("GUILD_UPDATE"))
}

func TestInPrivateChannel(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2", "3", "4")

	a := e.identify(t, "1")
	b := e.identify(t, "2")
	c := e.identify(t, "3")

	dm := testutil.GenerateDM("dm1", "1", "2")
	assert.Equal(t, 2, e.hub.Dispatcher().InPrivateChannel(&dm, "MESSAGE_CREATE", map[string]string{}))
	assert.Len(t, a.ft.DispatchesOf("MESSAGE_CREATE"), 1)
	assert.Len(t, b.ft.DispatchesOf("MESSAGE_CREATE"), 1)
	assert.Empty(t, c.ft.DispatchesOf("MESSAGE_CREATE"))

	// an owner that is not a recipient still receives group DM events
	group := testutil.GenerateDM("dm2", "2", "4", "1")
	group.OwnerID = "3"
	assert.Equal(t, 3, e.hub.Dispatcher().InPrivateChannel(&group, "CHANNEL_UPDATE", map[string]string{}))
	assert.Len(t, c.ft.DispatchesOf("CHANNEL_UPDATE"), 1)
}

func TestToUser(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1")

	assert.False(t, e.hub.Dispatcher().ToUser("1", "NOTE_UPDATE", map[string]string{}))

	a := e.identify(t, "1")
	b := e.identify(t, "1")
	assert.True(t, e.hub.Dispatcher().ToUser("1", "NOTE_UPDATE", map[string]string{"id": "2"}))
	assert.Len(t, a.ft.DispatchesOf("NOTE_UPDATE"), 1)
	assert.Len(t, b.ft.DispatchesOf("NOTE_UPDATE"), 1)

	a.conn.Close(context.Background())
	assert.True(t, e.hub.Dispatcher().ToUser("1", "NOTE_UPDATE", map[string]string{"id": "3"}))
	assert.Len(t, b.ft.DispatchesOf("NOTE_UPDATE"), 2)

	b.conn.Close(context.Background())
	require.Equal(t, StateDead, b.session().State())
	require.Len(t, e.hub.Registry().ForUser("1"), 2, "dead sessions stay registered until terminated")
	assert.False(t, e.hub.Dispatcher().ToUser("1", "NOTE_UPDATE", map[string]string{"id": "4"}))
	assert.Len(t, a.ft.DispatchesOf("NOTE_UPDATE"), 1)
	assert.Len(t, b.ft.DispatchesOf("NOTE_UPDATE"), 2)
}

func TestToEveryoneIsRateLimited(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2")
	e.identify(t, "1")
	e.identify(t, "2")

	d := e.hub.Dispatcher()
	for i := 0; i < e.cfg.Gateway.BroadcastPerMinute; i++ {
		n, err := d.ToEveryone("ANNOUNCEMENT", map[string]int{"i": i})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}

	_, err := d.ToEveryone("ANNOUNCEMENT", map[string]int{})
	assert.ErrorIs(t, err, ErrBroadcastRateLimited)

	e.clock.Add(time.Minute)
	_, err = d.ToEveryone("ANNOUNCEMENT", map[string]int{})
	assert.NoError(t, err)
}

func TestInGuildSubscribedSyncsMemberListFirst(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2")
	guild := testutil.GenerateGuild("g1", "1", "2")
	e.store.AddGuild(guild)

	subscribed := e.identify(t, "1")
	other := e.identify(t, "2")

	require.NoError(t, subscribed.send(OpLazyRequest, map[string]any{
		"guild_id": "g1",
		"channels": map[string][][2]int{testutil.TextChannelID("g1"): {{0, 99}}},
	}))
	require.Len(t, subscribed.ft.DispatchesOf(EventGuildMemberListUpdate), 1)

	delivered := e.hub.Dispatcher().InGuildSubscribed(context.Background(), guild, "TYPING_START", map[string]string{}, SubscribedOptions{})
	assert.Equal(t, 1, delivered)
	assert.Len(t, subscribed.ft.DispatchesOf("TYPING_START"), 1)
	assert.Empty(t, other.ft.DispatchesOf("TYPING_START"))

	// member list unchanged, so no second update
	assert.Len(t, subscribed.ft.DispatchesOf(EventGuildMemberListUpdate), 1)

	// user 2 goes idle: the list changes and is re-synced ahead of the event
	require.NoError(t, other.send(OpPresenceUpdate, presenceFrame("idle")))
	e.hub.Dispatcher().InGuildSubscribed(context.Background(), guild, "TYPING_START", map[string]string{}, SubscribedOptions{})

	frames := subscribed.ft.Dispatches()
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, EventGuildMemberListUpdate, frames[len(frames)-2].T)
	assert.Equal(t, "TYPING_START", frames[len(frames)-1].T)

	assert.Zero(t, e.hub.Dispatcher().InGuildSubscribed(context.Background(), guild, "TYPING_START", map[string]string{},
		SubscribedOptions{ChannelID: "elsewhere"}))
}

func TestActiveSessionsExcludesDead(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2")

	a := e.identify(t, "1")
	b := e.identify(t, "2")
	a.conn.Close(context.Background())

	active := e.hub.Dispatcher().ActiveSessions()
	require.Len(t, active, 1)
	assert.Same(t, b.session(), active[0])
	assert.Equal(t, 2, e.hub.Registry().Count())
}

func TestPresenceToGuildsCarriesMemberContext(t *testing.T) {
	e := newTestEnv(t)
	e.addUsers("1", "2")
	guild := testutil.GenerateGuild("g1", "1", "2")
	testutil.AddRole(guild, models.Role{ID: "mods", Name: "mods", Hoist: true, Position: 1}, "1")
	nick := "captain"
	guild.Member("1").Nick = &nick
	e.store.AddGuild(guild)

	watcher := e.identify(t, "2")
	e.identify(t, "1")

	p, ok := watcher.lastPresence("1")
	require.True(t, ok)
	assert.Equal(t, "g1", p.GuildID)
	assert.Equal(t, []string{"mods"}, p.Roles)
	require.NotNil(t, p.Nick)
	assert.Equal(t, "captain", *p.Nick)
}
