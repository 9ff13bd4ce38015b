package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

const (
	guildID    = "100000000000000001"
	ownerID    = "200000000000000001"
	aliceID    = "200000000000000002"
	bobID      = "200000000000000003"
	strangerID = "200000000000000009"
	modRoleID  = "300000000000000001"
	muteRole   = "300000000000000002"
	adminRole  = "300000000000000003"
	channelID  = "400000000000000001"
)

func testGuild() *models.Guild {
	return &models.Guild{
		ID:      guildID,
		OwnerID: ownerID,
		Roles: []models.Role{
			{ID: guildID, Name: "@everyone", Permissions: int64(ReadMessages | SendMessages)},
			{ID: modRoleID, Name: "mod", Permissions: int64(KickMembers | ManageMessages), Position: 2},
			{ID: muteRole, Name: "muted", Permissions: 0, Position: 1},
			{ID: adminRole, Name: "admin", Permissions: int64(Administrator), Position: 3},
		},
		Members: []models.Member{
			{User: models.User{ID: ownerID}},
			{User: models.User{ID: aliceID}, Roles: []string{modRoleID}},
			{User: models.User{ID: bobID}, Roles: []string{muteRole}},
		},
	}
}

func TestComputeGuildPermissions(t *testing.T) {
	guild := testGuild()

	tests := []struct {
		name     string
		mutate   func(g *models.Guild)
		userID   string
		expected Permission
	}{
		{"owner gets everything", nil, ownerID, All},
		{"everyone plus role", nil, aliceID, ReadMessages | SendMessages | KickMembers | ManageMessages},
		{"everyone only", nil, bobID, ReadMessages | SendMessages},
		{"non member", nil, strangerID, 0},
		{
			name: "administrator short circuits",
			mutate: func(g *models.Guild) {
				g.Members[2].Roles = append(g.Members[2].Roles, adminRole)
			},
			userID:   bobID,
			expected: All,
		},
		{
			name: "unknown role ignored",
			mutate: func(g *models.Guild) {
				g.Members[1].Roles = []string{"399999999999999999"}
			},
			userID:   aliceID,
			expected: ReadMessages | SendMessages,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGuild()
			if tt.mutate != nil {
				tt.mutate(g)
			}
			assert.Equal(t, tt.expected, ComputeGuildPermissions(g, tt.userID))
		})
	}

	assert.Equal(t, Permission(0), ComputeGuildPermissions(nil, aliceID))
	assert.True(t, HasGuildPermission(guild, aliceID, "KICK_MEMBERS"))
	assert.False(t, HasGuildPermission(guild, bobID, "KICK_MEMBERS"))
	assert.False(t, HasGuildPermission(guild, aliceID, "NOT_A_PERMISSION"))
}

func TestComputeChannelPermissions(t *testing.T) {
	tests := []struct {
		name       string
		overwrites []models.Overwrite
		userID     string
		canRead    bool
		canSend    bool
	}{
		{
			name:    "no overwrites",
			userID:  bobID,
			canRead: true,
			canSend: true,
		},
		{
			name: "everyone deny",
			overwrites: []models.Overwrite{
				{ID: guildID, Type: models.OverwriteRole, Deny: int64(ReadMessages)},
			},
			userID:  bobID,
			canRead: false,
			canSend: true,
		},
		{
			name: "role allow beats everyone deny",
			overwrites: []models.Overwrite{
				{ID: guildID, Type: models.OverwriteRole, Deny: int64(ReadMessages)},
				{ID: modRoleID, Type: models.OverwriteRole, Allow: int64(ReadMessages)},
			},
			userID:  aliceID,
			canRead: true,
			canSend: true,
		},
		{
			name: "role deny only applies to holders",
			overwrites: []models.Overwrite{
				{ID: muteRole, Type: models.OverwriteRole, Deny: int64(SendMessages)},
			},
			userID:  bobID,
			canRead: true,
			canSend: false,
		},
		{
			name: "member deny beats role allow",
			overwrites: []models.Overwrite{
				{ID: modRoleID, Type: models.OverwriteRole, Allow: int64(ReadMessages)},
				{ID: aliceID, Type: models.OverwriteMember, Deny: int64(ReadMessages | SendMessages)},
			},
			userID:  aliceID,
			canRead: false,
			canSend: false,
		},
		{
			name: "member allow beats everyone deny",
			overwrites: []models.Overwrite{
				{ID: guildID, Type: models.OverwriteRole, Deny: int64(ReadMessages)},
				{ID: bobID, Type: models.OverwriteMember, Allow: int64(ReadMessages)},
			},
			userID:  bobID,
			canRead: true,
			canSend: true,
		},
		{
			name: "owner ignores overwrites",
			overwrites: []models.Overwrite{
				{ID: ownerID, Type: models.OverwriteMember, Deny: int64(ReadMessages)},
			},
			userID:  ownerID,
			canRead: true,
			canSend: true,
		},
		{
			name: "overwrite for another member ignored",
			overwrites: []models.Overwrite{
				{ID: aliceID, Type: models.OverwriteMember, Deny: int64(ReadMessages)},
			},
			userID:  bobID,
			canRead: true,
			canSend: true,
		},
		{
			name:    "non member",
			userID:  strangerID,
			canRead: false,
			canSend: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guild := testGuild()
			channel := &models.Channel{ID: channelID, GuildID: guildID, PermissionOverwrites: tt.overwrites}

			assert.Equal(t, tt.canRead, HasChannelPermission(channel, guild, tt.userID, "READ_MESSAGES"))
			assert.Equal(t, tt.canSend, HasChannelPermission(channel, guild, tt.userID, "SEND_MESSAGES"))
			assert.Equal(t, tt.canRead, CanRead(channel, guild, tt.userID))
		})
	}
}

func TestAdministratorSurvivesOverwrites(t *testing.T) {
	guild := testGuild()
	guild.Members[2].Roles = []string{adminRole}
	channel := &models.Channel{
		ID: channelID,
		PermissionOverwrites: []models.Overwrite{
			{ID: guildID, Type: models.OverwriteRole, Deny: int64(All)},
			{ID: bobID, Type: models.OverwriteMember, Deny: int64(Administrator | ReadMessages)},
		},
	}

	assert.Equal(t, All, ComputeChannelPermissions(channel, guild, bobID))
}

func TestOverwriteGrantsAdministrator(t *testing.T) {
	guild := testGuild()
	channel := &models.Channel{
		ID: channelID,
		PermissionOverwrites: []models.Overwrite{
			{ID: bobID, Type: models.OverwriteMember, Allow: int64(Administrator)},
		},
	}

	assert.Equal(t, All, ComputeChannelPermissions(channel, guild, bobID))
}

func TestHighBitPermissions(t *testing.T) {
	guild := testGuild()
	guild.Roles[0].Permissions = int64(ModerateMembers | ReadMessages)

	perms := ComputeGuildPermissions(guild, bobID)
	assert.True(t, perms.Has(ModerateMembers))
	assert.True(t, HasGuildPermission(guild, bobID, "MODERATE_MEMBERS"))
	assert.Greater(t, uint64(ModerateMembers), uint64(1<<31))
}

func TestLookup(t *testing.T) {
	p, ok := Lookup("VIEW_CHANNEL")
	assert.True(t, ok)
	assert.Equal(t, ReadMessages, p)

	_, ok = Lookup("read_messages")
	assert.False(t, ok)
}

func TestRoleOverwritesAggregated(t *testing.T) {
	guild := testGuild()
	guild.Members[1].Roles = []string{modRoleID, muteRole}
	channel := &models.Channel{
		ID: channelID,
		PermissionOverwrites: []models.Overwrite{
			{ID: modRoleID, Type: models.OverwriteRole, Allow: int64(SendMessages)},
			{ID: muteRole, Type: models.OverwriteRole, Deny: int64(SendMessages)},
		},
	}

	assert.True(t, ComputeChannelPermissions(channel, guild, aliceID).Has(SendMessages))
}
