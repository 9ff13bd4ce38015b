package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

const (
	defaultLargeThreshold = 50
	maxLargeThreshold     = 250
)

type readyPayload struct {
	V                 int                       `json:"v"`
	User              models.Account            `json:"user"`
	SessionID         string                    `json:"session_id"`
	Guilds            []any                     `json:"guilds"`
	PrivateChannels   []models.Channel          `json:"private_channels"`
	Relationships     []models.Relationship     `json:"relationships"`
	ReadState         []models.ReadState        `json:"read_state"`
	UserSettings      models.UserSettings       `json:"user_settings"`
	ConnectedAccounts []models.ConnectedAccount `json:"connected_accounts"`
	Notes             map[string]string         `json:"notes"`
	Presences         []models.Presence         `json:"presences"`
	UserGuildSettings []any                     `json:"user_guild_settings"`
	Trace             []string                  `json:"_trace"`
}

type guildPayload struct {
	*models.Guild
	JoinedAt    *time.Time          `json:"joined_at,omitempty"`
	MemberCount int                 `json:"member_count"`
	Large       bool                `json:"large"`
	Presences   []models.Presence   `json:"presences"`
	VoiceStates []models.VoiceState `json:"voice_states"`
}

type unavailableGuild struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

// buildReady assembles the READY snapshot. Collaborator failures leave their section empty.
func (h *Hub) buildReady(ctx context.Context, s *Session, largeThreshold int) readyPayload {
	account := s.Account()
	info := s.Info()

	ready := readyPayload{
		V:                 info.Version,
		User:              account,
		SessionID:         s.ID(),
		UserSettings:      account.Settings,
		PrivateChannels:   []models.Channel{},
		Relationships:     []models.Relationship{},
		ReadState:         []models.ReadState{},
		ConnectedAccounts: []models.ConnectedAccount{},
		Notes:             map[string]string{},
		Presences:         []models.Presence{},
		UserGuildSettings: []any{},
		Trace:             []string{"retrocord-gateway"},
	}

	for _, guild := range s.Guilds() {
		if guild.Unavailable {
			ready.Guilds = append(ready.Guilds, unavailableGuild{ID: guild.ID, Unavailable: true})
			continue
		}
		ready.Guilds = append(ready.Guilds, h.guildPayload(guild, s.UserID(), info, largeThreshold))
	}
	if ready.Guilds == nil {
		ready.Guilds = []any{}
	}

	if h.userData == nil {
		return ready
	}

	logFailure := func(section string, err error) {
		s.logger.Error("failed to load ready section", zap.String("section", section), zap.Error(err))
	}

	if channels, err := h.userData.GetPrivateChannels(ctx, account.ID); err != nil {
		logFailure("private_channels", err)
	} else if channels != nil {
		ready.PrivateChannels = channels
	}

	if relationships, err := h.userData.GetRelationships(ctx, account.ID); err != nil {
		logFailure("relationships", err)
	} else if relationships != nil {
		ready.Relationships = relationships
		for _, rel := range relationships {
			if rel.Type != models.RelationshipFriend {
				continue
			}
			if p, ok := h.registry.PresenceOf(rel.ID); ok {
				p.GuildID = ""
				p.Roles = nil
				if shaped := info.ShapePresence(p); shaped.Status != models.StatusOffline {
					ready.Presences = append(ready.Presences, shaped)
				}
			}
		}
	}

	if readStates, err := h.userData.GetReadStates(ctx, account.ID); err != nil {
		logFailure("read_state", err)
	} else if readStates != nil {
		ready.ReadState = readStates
	}

	if connected, err := h.userData.GetConnectedAccounts(ctx, account.ID); err != nil {
		logFailure("connected_accounts", err)
	} else if connected != nil {
		ready.ConnectedAccounts = connected
	}

	if notes, err := h.userData.GetNotes(ctx, account.ID); err != nil {
		logFailure("notes", err)
	} else if notes != nil {
		ready.Notes = notes
	}

	return ready
}

// guildPayload is the GUILD_CREATE-shaped guild object. Large guilds only carry online members.
func (h *Hub) guildPayload(guild *models.Guild, userID string, info ClientInfo, largeThreshold int) guildPayload {
	if largeThreshold <= 0 {
		largeThreshold = defaultLargeThreshold
	}
	if largeThreshold > maxLargeThreshold {
		largeThreshold = maxLargeThreshold
	}

	presences := h.guildPresences(guild, info)

	payload := guildPayload{
		Guild:       guild,
		MemberCount: len(guild.Members),
		Large:       len(guild.Members) > largeThreshold,
		Presences:   presences,
		VoiceStates: h.registry.VoiceStatesInGuild(guild.ID),
	}
	if payload.VoiceStates == nil {
		payload.VoiceStates = []models.VoiceState{}
	}
	if member := guild.Member(userID); member != nil {
		joined := member.JoinedAt
		payload.JoinedAt = &joined
	}

	if payload.Large {
		online := make(map[string]bool, len(presences))
		for _, p := range presences {
			online[p.User.ID] = true
		}
		trimmed := *guild
		trimmed.Members = nil
		for _, m := range guild.Members {
			if online[m.User.ID] || m.User.ID == userID {
				trimmed.Members = append(trimmed.Members, m)
			}
		}
		payload.Guild = &trimmed
	}
	return payload
}

// guildPresences lists the shaped presences of the guild's online members
func (h *Hub) guildPresences(guild *models.Guild, info ClientInfo) []models.Presence {
	out := []models.Presence{}
	for _, member := range guild.Members {
		p, ok := h.registry.PresenceOf(member.User.ID)
		if !ok {
			continue
		}
		p.GuildID = guild.ID
		p.Roles = member.Roles
		p.Nick = member.Nick
		shaped := info.ShapePresence(p)
		if shaped.Status == models.StatusOffline {
			continue
		}
		out = append(out, shaped)
	}
	return out
}

// decodeGame accepts a game object or null
func decodeGame(raw json.RawMessage) *models.Activity {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var game models.Activity
	if err := json.Unmarshal(raw, &game); err != nil || game.Name == "" {
		return nil
	}
	return &game
}
