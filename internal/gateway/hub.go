package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/ratelimit"
)

// Deps are the collaborators a Hub calls into
type Deps struct {
	Accounts AccountStore
	Guilds   GuildStore
	Settings SettingsStore
	UserData UserDataStore
	Mirror   PresenceMirror
	Clock    clock.Clock

	// VoiceEndpoint is advertised in VOICE_SERVER_UPDATE
	VoiceEndpoint string
}

// Hub owns the session lifecycle: identify, resume, disconnect and termination
type Hub struct {
	cfg        config.GatewayConfig
	compat     *Compat
	registry   *Registry
	dispatcher *Dispatcher
	syncer     MemberListSyncer
	accounts   AccountStore
	guilds     GuildStore
	settings   SettingsStore
	userData   UserDataStore
	inbound    *ratelimit.RateLimiter
	clock      clock.Clock
	endpoint   string
	logger     *zap.Logger
}

// NewHub wires a registry and dispatcher around the given collaborators
func NewHub(cfg config.GatewayConfig, compat *Compat, deps Deps, logger *zap.Logger) *Hub {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger = logger.Named("gateway")

	registry := NewRegistry()

	var broadcast *ratelimit.RateLimiter
	if cfg.BroadcastPerMinute > 0 {
		broadcast = ratelimit.NewRateLimiter(cfg.BroadcastPerMinute, time.Minute, clk, logger)
	}
	dispatcher := NewDispatcher(registry, deps.Guilds, deps.Mirror, broadcast, logger)
	syncer := NewMemberListSyncer(registry, logger)
	dispatcher.SetMemberListSyncer(syncer)

	return &Hub{
		cfg:        cfg,
		compat:     compat,
		registry:   registry,
		dispatcher: dispatcher,
		syncer:     syncer,
		accounts:   deps.Accounts,
		guilds:     deps.Guilds,
		settings:   deps.Settings,
		userData:   deps.UserData,
		inbound:    ratelimit.NewRateLimiter(cfg.InboundRateLimit, cfg.InboundRateWindow, clk, logger),
		clock:      clk,
		endpoint:   deps.VoiceEndpoint,
		logger:     logger,
	}
}

// Registry returns the session registry
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Dispatcher returns the fanout dispatcher
func (h *Hub) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// Compat returns the compatibility table used for negotiation
func (h *Hub) Compat() *Compat {
	return h.compat
}

// InboundLimiter returns the per-connection frame limiter
func (h *Hub) InboundLimiter() *ratelimit.RateLimiter {
	return h.inbound
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Identify authenticates a connection, registers a new session and sends READY
func (h *Hub) Identify(ctx context.Context, t Transport, info ClientInfo, p IdentifyPayload) (*Session, error) {
	if p.Token == "" {
		return nil, closeErr(CloseAuthenticationFailed, "authentication failed")
	}

	account, err := h.accounts.GetAccountByToken(ctx, p.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if account == nil || account.Disabled {
		return nil, closeErr(CloseAuthenticationFailed, "authentication failed")
	}

	s := newSession(h, newSessionID(), account, info, t)

	guilds, err := h.guilds.GetUsersGuilds(ctx, account.ID)
	if err != nil {
		s.logger.Error("failed to load guilds for ready", zap.Error(err))
	}
	s.guilds = filterGuilds(guilds, info.Epoch)

	h.registry.Add(s)
	s.ready(EventReady, PayloadResolver(func(s *Session) (any, error) {
		return h.buildReady(ctx, s, p.LargeThreshold), nil
	}))

	s.logger.Info("session identified",
		zap.String("client_epoch", info.Epoch.String()),
		zap.Int("guilds", len(s.guilds)),
	)

	status := s.savedStatus()
	var game *models.Activity
	if p.Presence != nil {
		if requested := models.Status(p.Presence.Status); requested.Valid() {
			status = requested
		}
		game = decodeGame(p.Presence.Game)
	}
	if presence, changed := s.setPresence(status, game); changed {
		h.dispatcher.PresenceToGuilds(ctx, s.userID, presence)
	}

	return s, nil
}

// filterGuilds drops guilds hidden from the client's epoch
func filterGuilds(guilds []*models.Guild, epoch ClientEpoch) []*models.Guild {
	out := make([]*models.Guild, 0, len(guilds))
	for _, g := range guilds {
		if g == nil || g.ExcludedFor(epoch.String()) {
			continue
		}
		out = append(out, g)
	}
	return out
}

// Resume reattaches a transport to an existing session and replays missed events
func (h *Hub) Resume(ctx context.Context, t Transport, info ClientInfo, p ResumePayload) (*Session, error) {
	s := h.registry.Get(p.SessionID)
	if s == nil {
		return nil, ErrSessionNotFound
	}

	account, err := h.accounts.GetAccountByToken(ctx, p.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if account == nil || account.Disabled || account.ID != s.UserID() {
		return nil, closeErr(CloseAuthenticationFailed, "authentication failed")
	}

	if err := s.resume(t, info, p.Seq); err != nil {
		return nil, err
	}

	s.Dispatch(EventResumed, map[string]any{"_trace": []string{"retrocord-gateway"}})

	if presence, changed := s.setPresence(s.savedStatus(), s.Presence().Game); changed {
		h.dispatcher.PresenceToGuilds(ctx, s.userID, presence)
	}
	return s, nil
}

// Disconnect handles loss of a session's transport: the user's voice state is cleared and the
// session waits for a resume until the resume timeout.
func (h *Hub) Disconnect(ctx context.Context, s *Session, t Transport) {
	if !s.owns(t) {
		return
	}

	if state, ok := h.registry.RemoveVoiceState(s.userID, s.id); ok {
		h.broadcastVoiceLeave(ctx, state)
	}

	if s.markDead(t, h.cfg.ResumeTimeout) {
		s.logger.Info("session disconnected, awaiting resume",
			zap.Duration("resume_timeout", h.cfg.ResumeTimeout),
		)
	}
}

// GoOffline broadcasts an offline presence for the session without persisting it
func (h *Hub) GoOffline(ctx context.Context, s *Session) {
	if presence, changed := s.setPresence(models.StatusOffline, nil); changed {
		h.dispatcher.PresenceToGuilds(ctx, s.userID, presence)
	}
}

// onTerminated removes a session for good. The user's presence falls back to their most
// recently registered remaining session, or offline.
func (h *Hub) onTerminated(ctx context.Context, s *Session) {
	remaining := h.registry.Remove(s)
	s.logger.Info("session terminated", zap.Int("remaining_sessions", len(remaining)))

	if len(remaining) == 0 {
		offline := s.Presence()
		offline.Status = models.StatusOffline
		offline.Game = nil
		offline.Activities = nil
		h.dispatcher.PresenceToGuilds(ctx, s.userID, offline)
		return
	}

	latest := remaining[len(remaining)-1]
	h.dispatcher.PresenceToGuilds(ctx, s.userID, latest.Presence())
}

// Terminate ends a session immediately, e.g. when its account is disabled
func (h *Hub) Terminate(ctx context.Context, sessionID string, code int, reason string) bool {
	s := h.registry.Get(sessionID)
	if s == nil || !s.kill(code, reason) {
		return false
	}
	h.onTerminated(ctx, s)
	return true
}

// Shutdown terminates every session, used on process exit
func (h *Hub) Shutdown(ctx context.Context) {
	for _, s := range h.registry.All() {
		if s.kill(CloseUnknownError, "server shutting down") {
			h.registry.Remove(s)
		}
	}
	h.logger.Info("gateway hub shut down")
}

func (h *Hub) broadcastVoiceLeave(ctx context.Context, state models.VoiceState) {
	guild, err := h.dispatcher.GuildByID(ctx, state.GuildID)
	if err != nil || guild == nil {
		h.logger.Warn("failed to load guild for voice state removal",
			zap.String("guild_id", state.GuildID),
			zap.Error(err),
		)
		return
	}
	state.ChannelID = nil
	h.dispatcher.InGuild(guild, EventVoiceStateUpdate, state)
}
