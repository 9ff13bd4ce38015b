package grpc

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/parsascontentcorner/retrocord/internal/gateway"
	"github.com/parsascontentcorner/retrocord/internal/models"
)

// PrivateChannelStore resolves DMs and group DMs with their recipients
type PrivateChannelStore interface {
	GetPrivateChannel(ctx context.Context, channelID string) (*models.Channel, error)
}

// PresenceLookup reads presences mirrored by other gateway instances
type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) (models.Presence, bool, error)
}

// GuildInvalidator drops cached guild snapshots
type GuildInvalidator interface {
	Invalidate(guildID string)
}

// DispatchServer lets REST collaborators push events into the gateway
type DispatchServer struct {
	dispatcher *gateway.Dispatcher
	channels   PrivateChannelStore
	presences  PresenceLookup
	cache      GuildInvalidator
	logger     *zap.Logger
}

// DispatchOptions are the optional collaborators of a DispatchServer
type DispatchOptions struct {
	// Presences is consulted when the user has no session on this instance
	Presences PresenceLookup
	// Cache is invalidated by InvalidateGuild
	Cache GuildInvalidator
}

// NewDispatchServer creates a dispatch service over the gateway dispatcher
func NewDispatchServer(dispatcher *gateway.Dispatcher, channels PrivateChannelStore, opts DispatchOptions, logger *zap.Logger) *DispatchServer {
	return &DispatchServer{
		dispatcher: dispatcher,
		channels:   channels,
		presences:  opts.Presences,
		cache:      opts.Cache,
		logger:     logger.Named("dispatch_service"),
	}
}

// event is the common shape of dispatch requests
type event struct {
	eventType string
	payload   any
}

func requireString(req *structpb.Struct, field string) (string, error) {
	v, ok := req.GetFields()[field]
	if !ok || v.GetStringValue() == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return v.GetStringValue(), nil
}

func parseEvent(req *structpb.Struct) (event, error) {
	eventType, err := requireString(req, "event_type")
	if err != nil {
		return event{}, err
	}

	var payload any
	if v, ok := req.GetFields()["payload"]; ok {
		payload = v.AsInterface()
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return event{eventType: eventType, payload: payload}, nil
}

func count(n int) *wrapperspb.Int32Value {
	return wrapperspb.Int32(int32(n))
}

// DispatchToUser sends an event to every session of a user
func (s *DispatchServer) DispatchToUser(_ context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error) {
	userID, err := requireString(req, "user_id")
	if err != nil {
		return nil, err
	}
	ev, err := parseEvent(req)
	if err != nil {
		return nil, err
	}

	delivered := 0
	for _, session := range s.dispatcher.Registry().ForUser(userID) {
		if session.Dispatch(ev.eventType, ev.payload) {
			delivered++
		}
	}
	return count(delivered), nil
}

// DispatchToGuild sends an event to every member of a guild, or only to sessions subscribed to
// its member list when "subscribed" is set
func (s *DispatchServer) DispatchToGuild(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error) {
	guildID, err := requireString(req, "guild_id")
	if err != nil {
		return nil, err
	}
	ev, err := parseEvent(req)
	if err != nil {
		return nil, err
	}

	guild, err := s.guild(ctx, guildID)
	if err != nil {
		return nil, err
	}

	if req.GetFields()["subscribed"].GetBoolValue() {
		opts := gateway.SubscribedOptions{ChannelID: req.GetFields()["channel_id"].GetStringValue()}
		return count(s.dispatcher.InGuildSubscribed(ctx, guild, ev.eventType, ev.payload, opts)), nil
	}
	return count(s.dispatcher.InGuild(guild, ev.eventType, ev.payload)), nil
}

// DispatchToChannel sends an event to the guild members that can read a channel
func (s *DispatchServer) DispatchToChannel(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error) {
	guildID, err := requireString(req, "guild_id")
	if err != nil {
		return nil, err
	}
	channelID, err := requireString(req, "channel_id")
	if err != nil {
		return nil, err
	}
	ev, err := parseEvent(req)
	if err != nil {
		return nil, err
	}

	guild, err := s.guild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if guild.Channel(channelID) == nil {
		return nil, status.Errorf(codes.NotFound, "channel %s not found in guild %s", channelID, guildID)
	}
	return count(s.dispatcher.InChannel(guild, channelID, ev.eventType, ev.payload)), nil
}

// DispatchToPrivateChannel sends an event to the recipients of a DM or group DM
func (s *DispatchServer) DispatchToPrivateChannel(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error) {
	channelID, err := requireString(req, "channel_id")
	if err != nil {
		return nil, err
	}
	ev, err := parseEvent(req)
	if err != nil {
		return nil, err
	}

	channel, err := s.channels.GetPrivateChannel(ctx, channelID)
	if err != nil {
		s.logger.Error("failed to load private channel", zap.String("channel_id", channelID), zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to load channel")
	}
	if channel == nil {
		return nil, status.Errorf(codes.NotFound, "channel %s not found", channelID)
	}
	return count(s.dispatcher.InPrivateChannel(channel, ev.eventType, ev.payload)), nil
}

// Broadcast sends an event to every session on this instance
func (s *DispatchServer) Broadcast(_ context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error) {
	ev, err := parseEvent(req)
	if err != nil {
		return nil, err
	}

	delivered, err := s.dispatcher.ToEveryone(ev.eventType, ev.payload)
	if errors.Is(err, gateway.ErrBroadcastRateLimited) {
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return count(delivered), nil
}

// GetPresence returns the visible presence of a user, preferring a local session over the
// mirrored copy
func (s *DispatchServer) GetPresence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requireString(req, "user_id")
	if err != nil {
		return nil, err
	}

	presence, ok := s.dispatcher.Registry().PresenceOf(userID)
	if ok {
		presence.Status = presence.Status.Visible()
		if presence.Status == models.StatusOffline {
			presence.Game = nil
			presence.Activities = nil
		}
	} else if s.presences != nil {
		presence, ok, err = s.presences.Lookup(ctx, userID)
		if err != nil {
			s.logger.Warn("failed to look up mirrored presence", zap.String("user_id", userID), zap.Error(err))
			return nil, status.Error(codes.Unavailable, "presence mirror unavailable")
		}
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no presence for user %s", userID)
	}

	data, err := json.Marshal(presence)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// InvalidateGuild drops the cached snapshot of a guild after a membership or role change.
// It reports false when no cache is configured.
func (s *DispatchServer) InvalidateGuild(_ context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	guildID, err := requireString(req, "guild_id")
	if err != nil {
		return nil, err
	}
	if s.cache == nil {
		return wrapperspb.Bool(false), nil
	}
	s.cache.Invalidate(guildID)
	return wrapperspb.Bool(true), nil
}

func (s *DispatchServer) guild(ctx context.Context, guildID string) (*models.Guild, error) {
	guild, err := s.dispatcher.GuildByID(ctx, guildID)
	if err != nil {
		s.logger.Error("failed to load guild", zap.String("guild_id", guildID), zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to load guild")
	}
	if guild == nil {
		return nil, status.Errorf(codes.NotFound, "guild %s not found", guildID)
	}
	return guild, nil
}
