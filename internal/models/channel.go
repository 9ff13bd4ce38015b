package models

// ChannelType represents channel types
type ChannelType int

// Channel type constants
const (
	ChannelTypeGuildText     ChannelType = 0
	ChannelTypeDM            ChannelType = 1
	ChannelTypeGuildVoice    ChannelType = 2
	ChannelTypeGroupDM       ChannelType = 3
	ChannelTypeGuildCategory ChannelType = 4
)

// OverwriteType says whether an overwrite targets a role or a member
type OverwriteType string

// Overwrite type constants
const (
	OverwriteRole   OverwriteType = "role"
	OverwriteMember OverwriteType = "member"
)

// Overwrite is a per-channel permission exception for a role or member
type Overwrite struct {
	ID    string        `json:"id"`
	Type  OverwriteType `json:"type"`
	Allow int64         `json:"allow"`
	Deny  int64         `json:"deny"`
}

// Channel is a guild channel, DM or group DM
type Channel struct {
	ID                   string      `json:"id"`
	GuildID              string      `json:"guild_id,omitempty"`
	Type                 ChannelType `json:"type"`
	Name                 string      `json:"name,omitempty"`
	Position             int         `json:"position"`
	ParentID             *string     `json:"parent_id,omitempty"`
	Topic                *string     `json:"topic,omitempty"`
	NSFW                 bool        `json:"nsfw"`
	LastMessageID        *string     `json:"last_message_id"`
	OwnerID              string      `json:"owner_id,omitempty"`
	PermissionOverwrites []Overwrite `json:"permission_overwrites,omitempty"`
	Recipients           []User      `json:"recipients,omitempty"`
}

// IsPrivate reports whether the channel is a DM or group DM
func (c *Channel) IsPrivate() bool {
	return c.Type == ChannelTypeDM || c.Type == ChannelTypeGroupDM
}

// HasRecipient reports whether the user is one of the channel's recipients
func (c *Channel) HasRecipient(userID string) bool {
	for _, r := range c.Recipients {
		if r.ID == userID {
			return true
		}
	}
	return false
}
