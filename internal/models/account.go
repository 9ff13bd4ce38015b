// Package models defines the value snapshots exchanged between storage, the gateway and the wire.
package models

import "time"

// User is the public ("mini") representation of an account sent inside payloads
type User struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator"`
	Avatar        *string `json:"avatar"`
	Bot           bool    `json:"bot,omitempty"`
}

// Account is the authenticated owner of a gateway session
type Account struct {
	User
	Email     *string      `json:"email"`
	Verified  bool         `json:"verified"`
	Token     string       `json:"-"`
	Disabled  bool         `json:"-"`
	Settings  UserSettings `json:"-"`
	CreatedAt time.Time    `json:"-"`
}

// Public returns the mini user embedded in other users' payloads
func (a *Account) Public() User {
	return a.User
}

// UserSettings are the persisted client settings, including the last chosen status
type UserSettings struct {
	Status                 Status   `json:"status"`
	Theme                  string   `json:"theme"`
	Locale                 string   `json:"locale"`
	ShowCurrentGame        bool     `json:"show_current_game"`
	InlineEmbedMedia       bool     `json:"inline_embed_media"`
	MessageDisplayCompact  bool     `json:"message_display_compact"`
	DeveloperMode          bool     `json:"developer_mode"`
	GuildPositions         []string `json:"guild_positions"`
	RestrictedGuilds       []string `json:"restricted_guilds"`
	ConvertEmoticons       bool     `json:"convert_emoticons"`
	EnableTTSCommand       bool     `json:"enable_tts_command"`
	RenderEmbeds           bool     `json:"render_embeds"`
	DetectPlatformAccounts bool     `json:"detect_platform_accounts"`
}

// RelationshipType is the direction-specific relation one user holds towards another
type RelationshipType int

// Relationship type constants
const (
	RelationshipFriend          RelationshipType = 1
	RelationshipBlocked         RelationshipType = 2
	RelationshipIncomingRequest RelationshipType = 3
	RelationshipOutgoingRequest RelationshipType = 4
)

// Relationship is one direction of a user-to-user relation. ID is the other user's id.
type Relationship struct {
	ID   string           `json:"id"`
	Type RelationshipType `json:"type"`
	User User             `json:"user"`
}

// ReadState tracks the last acknowledged message of a channel
type ReadState struct {
	ID            string  `json:"id"`
	LastMessageID *string `json:"last_message_id"`
	MentionCount  int     `json:"mention_count"`
}

// ConnectedAccount is an external account linked to a user
type ConnectedAccount struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	Revoked    bool   `json:"revoked"`
	Visibility int    `json:"visibility"`
}
