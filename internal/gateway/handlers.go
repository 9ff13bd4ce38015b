package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/permissions"
)

const membersChunkSize = 1000

type voiceServerUpdate struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

type guildMembersChunk struct {
	GuildID    string            `json:"guild_id"`
	Members    []models.Member   `json:"members"`
	Presences  []models.Presence `json:"presences,omitempty"`
	NotFound   []string          `json:"not_found,omitempty"`
	ChunkIndex int               `json:"chunk_index"`
	ChunkCount int               `json:"chunk_count"`
}

type guildSync struct {
	ID        string            `json:"id"`
	Presences []models.Presence `json:"presences"`
	Members   []models.Member   `json:"members"`
}

func (c *Connection) onPresenceUpdate(ctx context.Context, s *Session, d json.RawMessage) error {
	var p PresencePayload
	if err := decode(d, &p); err != nil {
		return err
	}
	s.UpdatePresence(ctx, models.Status(p.Status), decodeGame(p.Game))
	return nil
}

// memberGuild fetches a guild and checks the session's user belongs to it. Storage failures
// are logged and treated as "not found".
func (c *Connection) memberGuild(ctx context.Context, s *Session, guildID string) *models.Guild {
	guild, err := c.hub.dispatcher.GuildByID(ctx, guildID)
	if err != nil {
		s.logger.Warn("failed to load guild", zap.String("guild_id", guildID), zap.Error(err))
		return nil
	}
	if guild == nil || guild.Unavailable || guild.Member(s.UserID()) == nil {
		return nil
	}
	return guild
}

func (c *Connection) onVoiceStateUpdate(ctx context.Context, s *Session, d json.RawMessage) error {
	var p VoiceStatePayload
	if err := decode(d, &p); err != nil {
		return err
	}

	h := c.hub
	userID := s.UserID()

	if p.ChannelID == nil || *p.ChannelID == "" {
		if prev, ok := h.registry.RemoveVoiceState(userID, ""); ok {
			h.broadcastVoiceLeave(ctx, prev)
		}
		return nil
	}

	guild := c.memberGuild(ctx, s, p.GuildID)
	if guild == nil {
		return nil
	}
	channel := guild.Channel(*p.ChannelID)
	if channel == nil || channel.Type != models.ChannelTypeGuildVoice {
		s.logger.Debug("voice state update for non-voice channel", zap.String("channel_id", *p.ChannelID))
		return nil
	}
	if !permissions.ComputeChannelPermissions(channel, guild, userID).Has(permissions.Connect) {
		s.logger.Debug("missing CONNECT permission", zap.String("channel_id", channel.ID))
		return nil
	}

	member := guild.Member(userID)
	channelID := channel.ID
	state := models.VoiceState{
		GuildID:   guild.ID,
		ChannelID: &channelID,
		UserID:    userID,
		SessionID: s.ID(),
		Deaf:      member.Deaf,
		Mute:      member.Mute,
		SelfDeaf:  p.SelfDeaf,
		SelfMute:  p.SelfMute,
		SelfVideo: p.SelfVideo,
		Token:     newSessionID()[:16],
	}

	prev, hadPrev := h.registry.VoiceState(userID)
	sameRoom := hadPrev && prev.RoomKey() == state.RoomKey() && prev.SessionID == state.SessionID
	if sameRoom {
		state.Token = prev.Token
	}
	h.registry.SetVoiceState(state)

	if hadPrev && prev.GuildID != state.GuildID {
		h.broadcastVoiceLeave(ctx, prev)
	}
	h.dispatcher.InGuild(guild, EventVoiceStateUpdate, state)

	if !sameRoom {
		s.Dispatch(EventVoiceServerUpdate, voiceServerUpdate{
			Token:    state.Token,
			GuildID:  guild.ID,
			Endpoint: h.endpoint,
		})
	}
	return nil
}

func (c *Connection) onRequestGuildMembers(ctx context.Context, s *Session, d json.RawMessage) error {
	var p RequestGuildMembersPayload
	if err := decode(d, &p); err != nil {
		return err
	}

	var guildIDs []string
	if err := json.Unmarshal(p.GuildID, &guildIDs); err != nil {
		var single string
		if err := json.Unmarshal(p.GuildID, &single); err != nil {
			return closeErr(CloseDecodeError, "decode error: guild_id")
		}
		guildIDs = []string{single}
	}

	info := s.Info()
	for _, guildID := range guildIDs {
		guild := c.memberGuild(ctx, s, guildID)
		if guild == nil {
			continue
		}

		members, notFound := selectMembers(guild, p)
		chunks := (len(members) + membersChunkSize - 1) / membersChunkSize
		if chunks == 0 {
			chunks = 1
		}
		for i := 0; i < chunks; i++ {
			start := i * membersChunkSize
			end := start + membersChunkSize
			if end > len(members) {
				end = len(members)
			}
			chunk := guildMembersChunk{
				GuildID:    guild.ID,
				Members:    members[start:end],
				ChunkIndex: i,
				ChunkCount: chunks,
			}
			if chunk.Members == nil {
				chunk.Members = []models.Member{}
			}
			if i == 0 {
				chunk.NotFound = notFound
			}
			for _, m := range chunk.Members {
				if presence, ok := c.hub.registry.PresenceOf(m.User.ID); ok {
					presence.GuildID = guild.ID
					if shaped := info.ShapePresence(presence); shaped.Status != models.StatusOffline {
						chunk.Presences = append(chunk.Presences, shaped)
					}
				}
			}
			s.Dispatch(EventGuildMembersChunk, chunk)
		}
	}
	return nil
}

// selectMembers applies user_ids or a case-insensitive username prefix and the limit
func selectMembers(guild *models.Guild, p RequestGuildMembersPayload) ([]models.Member, []string) {
	var out []models.Member
	var notFound []string

	if len(p.UserIDs) > 0 {
		for _, id := range p.UserIDs {
			if m := guild.Member(id); m != nil {
				out = append(out, *m)
			} else {
				notFound = append(notFound, id)
			}
		}
		return limitMembers(out, p.Limit), notFound
	}

	query := strings.ToLower(p.Query)
	for _, m := range guild.Members {
		if query == "" ||
			strings.HasPrefix(strings.ToLower(m.User.Username), query) ||
			strings.HasPrefix(strings.ToLower(m.DisplayName()), query) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].User.Username) < strings.ToLower(out[j].User.Username)
	})
	return limitMembers(out, p.Limit), notFound
}

func limitMembers(members []models.Member, limit int) []models.Member {
	if limit > 0 && len(members) > limit {
		return members[:limit]
	}
	return members
}

func (c *Connection) onGuildSync(ctx context.Context, s *Session, d json.RawMessage) error {
	var guildIDs []string
	if err := decode(d, &guildIDs); err != nil {
		return err
	}

	for _, guildID := range guildIDs {
		guild := c.memberGuild(ctx, s, guildID)
		if guild == nil {
			continue
		}
		s.Dispatch(EventGuildSync, PayloadResolver(func(s *Session) (any, error) {
			return guildSync{
				ID:        guild.ID,
				Presences: c.hub.guildPresences(guild, s.Info()),
				Members:   guild.Members,
			}, nil
		}))
	}
	return nil
}

func (c *Connection) onLazyRequest(ctx context.Context, s *Session, d json.RawMessage) error {
	var p LazyRequestPayload
	if err := decode(d, &p); err != nil {
		return err
	}

	guild := c.memberGuild(ctx, s, p.GuildID)
	if guild == nil || len(p.Channels) == 0 {
		return nil
	}

	// One active range per guild: the lowest channel id and its first range win
	channelIDs := make([]string, 0, len(p.Channels))
	for id := range p.Channels {
		channelIDs = append(channelIDs, id)
	}
	sort.Strings(channelIDs)
	channelID := channelIDs[0]

	channel := guild.Channel(channelID)
	if channel == nil || !permissions.CanRead(channel, guild, s.UserID()) {
		return nil
	}

	rng := [2]int{0, 99}
	if ranges := p.Channels[channelID]; len(ranges) > 0 {
		rng = ranges[0]
	}
	s.Subscribe(guild.ID, channelID, rng)

	if err := c.hub.syncer.Sync(ctx, s, guild, channelID); err != nil {
		s.logger.Warn("failed to sync member list", zap.String("guild_id", guild.ID), zap.Error(err))
	}
	return nil
}
