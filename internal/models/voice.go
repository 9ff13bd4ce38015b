package models

// VoiceState is a user's connection to a guild voice channel
type VoiceState struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	UserID    string  `json:"user_id"`
	SessionID string  `json:"session_id"`
	Deaf      bool    `json:"deaf"`
	Mute      bool    `json:"mute"`
	SelfDeaf  bool    `json:"self_deaf"`
	SelfMute  bool    `json:"self_mute"`
	SelfVideo bool    `json:"self_video"`
	Suppress  bool    `json:"suppress"`
	Token     string  `json:"-"`
}

// RoomKey identifies the voice room of a state, "guildId:channelId"
func (v *VoiceState) RoomKey() string {
	if v.ChannelID == nil {
		return ""
	}
	return v.GuildID + ":" + *v.ChannelID
}
