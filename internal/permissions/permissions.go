// Package permissions computes effective guild and channel permission bitmasks.
// All functions are pure over the snapshots passed in and safe for concurrent use.
package permissions

import (
	"github.com/parsascontentcorner/retrocord/internal/models"
)

// Permission is a permission bitmask. Several flags live above bit 31.
type Permission uint64

// Permission flags
const (
	CreateInstantInvite Permission = 1 << 0
	KickMembers         Permission = 1 << 1
	BanMembers          Permission = 1 << 2
	Administrator       Permission = 1 << 3
	ManageChannels      Permission = 1 << 4
	ManageGuild         Permission = 1 << 5
	AddReactions        Permission = 1 << 6
	ViewAuditLog        Permission = 1 << 7
	PrioritySpeaker     Permission = 1 << 8
	Stream              Permission = 1 << 9
	ReadMessages        Permission = 1 << 10
	SendMessages        Permission = 1 << 11
	SendTTSMessages     Permission = 1 << 12
	ManageMessages      Permission = 1 << 13
	EmbedLinks          Permission = 1 << 14
	AttachFiles         Permission = 1 << 15
	ReadMessageHistory  Permission = 1 << 16
	MentionEveryone     Permission = 1 << 17
	UseExternalEmojis   Permission = 1 << 18
	ViewGuildInsights   Permission = 1 << 19
	Connect             Permission = 1 << 20
	Speak               Permission = 1 << 21
	MuteMembers         Permission = 1 << 22
	DeafenMembers       Permission = 1 << 23
	MoveMembers         Permission = 1 << 24
	UseVAD              Permission = 1 << 25
	ChangeNickname      Permission = 1 << 26
	ManageNicknames     Permission = 1 << 27
	ManageRoles         Permission = 1 << 28
	ManageWebhooks      Permission = 1 << 29
	ManageEmojis        Permission = 1 << 30
	UseSlashCommands    Permission = 1 << 31
	RequestToSpeak      Permission = 1 << 32
	ManageEvents        Permission = 1 << 33
	ManageThreads       Permission = 1 << 34
	CreatePublicThreads Permission = 1 << 35
	ModerateMembers     Permission = 1 << 40

	// All is every defined flag
	All Permission = 1<<41 - 1
)

var byName = map[string]Permission{
	"CREATE_INSTANT_INVITE": CreateInstantInvite,
	"KICK_MEMBERS":          KickMembers,
	"BAN_MEMBERS":           BanMembers,
	"ADMINISTRATOR":         Administrator,
	"MANAGE_CHANNELS":       ManageChannels,
	"MANAGE_GUILD":          ManageGuild,
	"ADD_REACTIONS":         AddReactions,
	"VIEW_AUDIT_LOG":        ViewAuditLog,
	"PRIORITY_SPEAKER":      PrioritySpeaker,
	"STREAM":                Stream,
	"READ_MESSAGES":         ReadMessages,
	"VIEW_CHANNEL":          ReadMessages,
	"SEND_MESSAGES":         SendMessages,
	"SEND_TTS_MESSAGES":     SendTTSMessages,
	"MANAGE_MESSAGES":       ManageMessages,
	"EMBED_LINKS":           EmbedLinks,
	"ATTACH_FILES":          AttachFiles,
	"READ_MESSAGE_HISTORY":  ReadMessageHistory,
	"MENTION_EVERYONE":      MentionEveryone,
	"USE_EXTERNAL_EMOJIS":   UseExternalEmojis,
	"VIEW_GUILD_INSIGHTS":   ViewGuildInsights,
	"CONNECT":               Connect,
	"SPEAK":                 Speak,
	"MUTE_MEMBERS":          MuteMembers,
	"DEAFEN_MEMBERS":        DeafenMembers,
	"MOVE_MEMBERS":          MoveMembers,
	"USE_VAD":               UseVAD,
	"CHANGE_NICKNAME":       ChangeNickname,
	"MANAGE_NICKNAMES":      ManageNicknames,
	"MANAGE_ROLES":          ManageRoles,
	"MANAGE_WEBHOOKS":       ManageWebhooks,
	"MANAGE_EMOJIS":         ManageEmojis,
	"USE_SLASH_COMMANDS":    UseSlashCommands,
	"REQUEST_TO_SPEAK":      RequestToSpeak,
	"MANAGE_EVENTS":         ManageEvents,
	"MANAGE_THREADS":        ManageThreads,
	"CREATE_PUBLIC_THREADS": CreatePublicThreads,
	"MODERATE_MEMBERS":      ModerateMembers,
}

// Lookup resolves a permission by its wire name, e.g. "READ_MESSAGES"
func Lookup(name string) (Permission, bool) {
	p, ok := byName[name]
	return p, ok
}

// Has reports whether every bit of flag is set
func (p Permission) Has(flag Permission) bool {
	return flag != 0 && p&flag == flag
}

// ComputeGuildPermissions returns the role-accumulated permissions of a user in a guild.
// Owners and administrators get All; non-members get 0.
func ComputeGuildPermissions(guild *models.Guild, userID string) Permission {
	if guild == nil {
		return 0
	}
	if guild.OwnerID == userID {
		return All
	}
	member := guild.Member(userID)
	if member == nil {
		return 0
	}

	var perms Permission
	if everyone := guild.EveryoneRole(); everyone != nil {
		perms |= Permission(everyone.Permissions)
	}
	for _, roleID := range member.Roles {
		if role := guild.Role(roleID); role != nil {
			perms |= Permission(role.Permissions)
		}
	}

	if perms.Has(Administrator) {
		return All
	}
	return perms
}

// ComputeChannelPermissions applies the channel's overwrites on top of the guild permissions:
// the @everyone overwrite, then the member's role overwrites aggregated, then the member overwrite.
// Within each step denies are cleared before allows are added.
func ComputeChannelPermissions(channel *models.Channel, guild *models.Guild, userID string) Permission {
	base := ComputeGuildPermissions(guild, userID)
	if base == All || channel == nil {
		return base
	}
	member := guild.Member(userID)
	if member == nil {
		return 0
	}

	perms := base

	var roleAllow, roleDeny Permission
	var everyone, own *models.Overwrite
	for i := range channel.PermissionOverwrites {
		ow := &channel.PermissionOverwrites[i]
		switch {
		case ow.Type == models.OverwriteRole && ow.ID == guild.ID:
			everyone = ow
		case ow.Type == models.OverwriteRole && member.HasRole(ow.ID):
			roleAllow |= Permission(ow.Allow)
			roleDeny |= Permission(ow.Deny)
		case ow.Type == models.OverwriteMember && ow.ID == userID:
			own = ow
		}
	}

	if everyone != nil {
		perms &^= Permission(everyone.Deny)
		perms |= Permission(everyone.Allow)
	}

	perms &^= roleDeny
	perms |= roleAllow

	if own != nil {
		perms &^= Permission(own.Deny)
		perms |= Permission(own.Allow)
	}

	if perms.Has(Administrator) {
		return All
	}
	return perms
}

// HasGuildPermission checks a named permission at guild level. Unknown names are denied.
func HasGuildPermission(guild *models.Guild, userID, name string) bool {
	flag, ok := Lookup(name)
	if !ok {
		return false
	}
	return ComputeGuildPermissions(guild, userID).Has(flag)
}

// HasChannelPermission checks a named permission in a channel. Unknown names are denied.
func HasChannelPermission(channel *models.Channel, guild *models.Guild, userID, name string) bool {
	flag, ok := Lookup(name)
	if !ok {
		return false
	}
	return ComputeChannelPermissions(channel, guild, userID).Has(flag)
}

// CanRead is the READ_MESSAGES check used by channel fanout
func CanRead(channel *models.Channel, guild *models.Guild, userID string) bool {
	return ComputeChannelPermissions(channel, guild, userID).Has(ReadMessages)
}
