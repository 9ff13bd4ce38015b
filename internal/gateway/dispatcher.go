package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/permissions"
	"github.com/parsascontentcorner/retrocord/internal/ratelimit"
)

const broadcastKey = "everyone"

// SubscribedOptions narrows InGuildSubscribed
type SubscribedOptions struct {
	// ChannelID limits delivery to sessions subscribed to this channel's member list
	ChannelID string
}

// Dispatcher fans events out to sessions. It keeps no state besides its collaborators.
type Dispatcher struct {
	registry  *Registry
	guilds    GuildStore
	mirror    PresenceMirror
	syncer    MemberListSyncer
	broadcast *ratelimit.RateLimiter
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher over a registry. broadcast may be nil to disable the
// instance-wide broadcast guard.
func NewDispatcher(registry *Registry, guilds GuildStore, mirror PresenceMirror, broadcast *ratelimit.RateLimiter, logger *zap.Logger) *Dispatcher {
	if mirror == nil {
		mirror = noopMirror{}
	}
	return &Dispatcher{
		registry:  registry,
		guilds:    guilds,
		mirror:    mirror,
		broadcast: broadcast,
		logger:    logger.Named("dispatcher"),
	}
}

// SetMemberListSyncer installs the helper run before subscribed dispatches
func (d *Dispatcher) SetMemberListSyncer(syncer MemberListSyncer) {
	d.syncer = syncer
}

// Registry returns the session registry the dispatcher reads
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// ToUser dispatches to every session of a user. It returns false when none of them is ready,
// including when the user only has dead sessions awaiting resume.
func (d *Dispatcher) ToUser(userID, eventType string, payload any) bool {
	delivered := 0
	for _, s := range d.registry.ForUser(userID) {
		if s.Dispatch(eventType, payload) {
			delivered++
		}
	}
	return delivered > 0
}

// ToEveryone dispatches to every session in the process. It is rate limited.
func (d *Dispatcher) ToEveryone(eventType string, payload any) (int, error) {
	if d.broadcast != nil && !d.broadcast.Allow(broadcastKey) {
		d.logger.Warn("instance-wide broadcast rejected", zap.String("event_type", eventType))
		return 0, ErrBroadcastRateLimited
	}

	delivered := 0
	for _, s := range d.registry.All() {
		if s.Dispatch(eventType, payload) {
			delivered++
		}
	}
	d.logger.Info("instance-wide broadcast",
		zap.String("event_type", eventType),
		zap.Int("sessions", delivered),
	)
	return delivered, nil
}

// InGuild dispatches to every session of every guild member
func (d *Dispatcher) InGuild(guild *models.Guild, eventType string, payload any) int {
	if guild == nil {
		return 0
	}
	delivered := 0
	for _, userID := range guild.MemberIDs() {
		for _, s := range d.registry.ForUser(userID) {
			if s.Dispatch(eventType, payload) {
				delivered++
			}
		}
	}
	return delivered
}

// InChannel dispatches to sessions of guild members that can read the channel
func (d *Dispatcher) InChannel(guild *models.Guild, channelID, eventType string, payload any) int {
	if guild == nil {
		return 0
	}
	channel := guild.Channel(channelID)
	if channel == nil {
		d.logger.Warn("channel not found in guild snapshot",
			zap.String("guild_id", guild.ID),
			zap.String("channel_id", channelID),
		)
		return 0
	}

	delivered := 0
	for _, userID := range guild.MemberIDs() {
		sessions := d.registry.ForUser(userID)
		if len(sessions) == 0 {
			continue
		}
		if !d.canRead(channel, guild, userID) {
			continue
		}
		for _, s := range sessions {
			if s.Dispatch(eventType, payload) {
				delivered++
			}
		}
	}
	return delivered
}

func (d *Dispatcher) canRead(channel *models.Channel, guild *models.Guild, userID string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("permission evaluation failed",
				zap.String("guild_id", guild.ID),
				zap.String("user_id", userID),
				zap.Any("panic", r),
			)
			ok = false
		}
	}()
	return permissions.CanRead(channel, guild, userID)
}

// InPrivateChannel dispatches to every recipient of a DM or group DM
func (d *Dispatcher) InPrivateChannel(channel *models.Channel, eventType string, payload any) int {
	if channel == nil {
		return 0
	}

	recipients := make([]string, 0, len(channel.Recipients)+1)
	for _, r := range channel.Recipients {
		recipients = append(recipients, r.ID)
	}
	if channel.OwnerID != "" && !channel.HasRecipient(channel.OwnerID) {
		recipients = append(recipients, channel.OwnerID)
	}

	delivered := 0
	for _, userID := range recipients {
		for _, s := range d.registry.ForUser(userID) {
			if s.Dispatch(eventType, payload) {
				delivered++
			}
		}
	}
	return delivered
}

// InGuildSubscribed dispatches only to sessions holding a member-list subscription on the
// guild, refreshing each session's member list first. A PayloadResolver payload is evaluated
// once per matching session.
func (d *Dispatcher) InGuildSubscribed(ctx context.Context, guild *models.Guild, eventType string, payload any, opts SubscribedOptions) int {
	if guild == nil {
		return 0
	}

	delivered := 0
	for _, s := range d.registry.All() {
		if !s.IsReady() {
			continue
		}
		sub, ok := s.Subscription(guild.ID)
		if !ok {
			continue
		}
		if opts.ChannelID != "" && sub.ChannelID != opts.ChannelID {
			continue
		}

		if sub.ChannelID != "" && d.syncer != nil {
			if err := d.syncer.Sync(ctx, s, guild, sub.ChannelID); err != nil {
				s.logger.Warn("failed to sync member list",
					zap.String("guild_id", guild.ID),
					zap.Error(err),
				)
			}
		}

		if s.Dispatch(eventType, payload) {
			delivered++
		}
	}
	return delivered
}

// ActiveSessions returns every ready session
func (d *Dispatcher) ActiveSessions() []*Session {
	all := d.registry.All()
	out := make([]*Session, 0, len(all))
	for _, s := range all {
		if s.IsReady() {
			out = append(out, s)
		}
	}
	return out
}

// GuildByID fetches a guild snapshot
func (d *Dispatcher) GuildByID(ctx context.Context, guildID string) (*models.Guild, error) {
	guild, err := d.guilds.GetGuildByID(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to get guild %s: %w", guildID, err)
	}
	return guild, nil
}

// PresenceToGuilds dispatches a user's presence to every guild they share with others.
// Guilds are fetched once for the whole fanout.
func (d *Dispatcher) PresenceToGuilds(ctx context.Context, userID string, presence models.Presence) int {
	presence.Status = presence.Status.Visible()
	if presence.Status == models.StatusOffline {
		presence.Game = nil
		presence.Activities = nil
	}
	d.mirrorPresence(ctx, userID, presence)

	guilds, err := d.guilds.GetUsersGuilds(ctx, userID)
	if err != nil {
		d.logger.Error("failed to load guilds for presence update",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return 0
	}

	delivered := 0
	for _, guild := range guilds {
		if guild.Unavailable {
			continue
		}
		p := presence
		p.GuildID = guild.ID
		if member := guild.Member(userID); member != nil {
			p.Roles = member.Roles
			p.Nick = member.Nick
		}
		delivered += d.InGuild(guild, EventPresenceUpdate, p)
	}
	return delivered
}

func (d *Dispatcher) mirrorPresence(ctx context.Context, userID string, presence models.Presence) {
	var err error
	if presence.Status == models.StatusOffline && !d.registry.HasUser(userID) {
		err = d.mirror.Clear(ctx, userID)
	} else {
		err = d.mirror.Publish(ctx, presence)
	}
	if err != nil {
		d.logger.Warn("failed to mirror presence",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
