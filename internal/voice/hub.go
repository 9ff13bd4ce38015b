package voice

import (
	"context"
	"crypto/subtle"
	"net"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/gateway"
	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/ratelimit"
)

const (
	protocolVersion = 4
	defaultPort     = 443
)

// Deps are the collaborators a voice Hub calls into
type Deps struct {
	Sessions *gateway.Registry
	// Forwarder terminates webrtc media; nil disables the webrtc protocol
	Forwarder MediaForwarder
	// IDs generates media session ids; nil uses random hex ids
	IDs   IDGenerator
	Clock clock.Clock
}

// IDGenerator produces unique ids, e.g. a snowflake generator
type IDGenerator interface {
	Generate() string
}

// Hub owns voice participants and their rooms
type Hub struct {
	cfg       config.VoiceConfig
	sessions  *gateway.Registry
	rooms     *Rooms
	ssrcs     *SSRCAllocator
	forwarder MediaForwarder
	ids       IDGenerator
	inbound   *ratelimit.RateLimiter
	clock     clock.Clock
	ip        string
	port      int
	logger    *zap.Logger
}

// NewHub creates a voice hub bound to the gateway's session registry. Leaving a voice channel
// on the gateway disconnects the matching voice connection.
func NewHub(cfg config.VoiceConfig, deps Deps, logger *zap.Logger) *Hub {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger = logger.Named("voice")

	ip, port := splitEndpoint(cfg.Endpoint)
	h := &Hub{
		cfg:       cfg,
		sessions:  deps.Sessions,
		rooms:     NewRooms(),
		ssrcs:     NewSSRCAllocator(),
		forwarder: deps.Forwarder,
		ids:       deps.IDs,
		inbound:   ratelimit.NewRateLimiter(cfg.InboundRateLimit, cfg.InboundRateWindow, clk, logger),
		clock:     clk,
		ip:        ip,
		port:      port,
		logger:    logger,
	}
	deps.Sessions.OnVoiceLeave(h.onVoiceLeave)
	return h
}

func splitEndpoint(endpoint string) (string, int) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}

// Rooms returns the room index
func (h *Hub) Rooms() *Rooms {
	return h.rooms
}

func (h *Hub) heartbeatTimeout() time.Duration {
	return h.cfg.HeartbeatInterval + h.cfg.HeartbeatInterval/2
}

// Identify binds a voice connection to the user's gateway session and voice state, assigns
// SSRCs and sends READY.
func (h *Hub) Identify(ctx context.Context, t gateway.Transport, p IdentifyPayload) (*Participant, error) {
	if p.UserID == "" || p.SessionID == "" || p.Token == "" {
		return nil, closeErr(CloseAuthenticationFailed, "authentication failed")
	}

	gw := h.sessions.Get(p.SessionID)
	if gw == nil || gw.State() == gateway.StateTerminated {
		return nil, closeErr(CloseSessionInvalid, "session no longer valid")
	}
	if gw.UserID() != p.UserID {
		return nil, closeErr(CloseAuthenticationFailed, "authentication failed")
	}

	state, ok := h.sessions.VoiceState(p.UserID)
	if !ok || state.ChannelID == nil || state.SessionID != gw.ID() {
		return nil, closeErr(CloseSessionInvalid, "session no longer valid")
	}
	if state.GuildID != p.ServerID {
		return nil, closeErr(CloseServerNotFound, "server not found")
	}
	if subtle.ConstantTimeCompare([]byte(state.Token), []byte(p.Token)) != 1 {
		return nil, closeErr(CloseAuthenticationFailed, "authentication failed")
	}

	roomKey := state.RoomKey()
	logger := h.logger.With(
		zap.String("user_id", p.UserID),
		zap.String("room", roomKey),
	)
	participant := newParticipant(t, h.ssrcs.Allocate(roomKey), logger)
	participant.UserID = p.UserID
	participant.SessionID = "voice:" + gw.ID()
	participant.GatewaySessionID = gw.ID()
	participant.GuildID = state.GuildID
	participant.ChannelID = *state.ChannelID
	participant.RoomKey = roomKey

	if replaced := h.rooms.Join(participant); replaced != nil {
		logger.Info("replacing previous voice connection")
		_ = replaced.transport.Close(CloseDisconnected, "replaced by a new connection")
		h.forwarderLeave(ctx, replaced)
		for _, other := range h.rooms.Others(participant) {
			other.stopConsuming(participant.UserID)
		}
	}

	if h.forwarder != nil {
		if err := h.forwarder.Join(ctx, roomKey, p.UserID); err != nil {
			logger.Error("failed to join media forwarder room", zap.Error(err))
		}
	}

	ssrcs := participant.SSRCs()
	participant.send(OpReady, ReadyPayload{
		SSRC:  ssrcs.Audio,
		IP:    h.ip,
		Port:  h.port,
		Modes: []string{ModeXSalsa20Poly1305},
		Streams: []Stream{{
			Type:    "video",
			RID:     "100",
			Quality: 100,
			SSRC:    ssrcs.Video,
			RTXSSRC: ssrcs.RTX,
		}},
		Experiments: []string{},
	})

	for _, other := range h.rooms.Others(participant) {
		if other.Production().Producing() {
			participant.send(OpVideo, videoPayload(other))
		}
	}

	logger.Info("voice session identified",
		zap.String("session_id", participant.SessionID),
		zap.Uint32("audio_ssrc", ssrcs.Audio),
	)
	return participant, nil
}

func videoPayload(p *Participant) VideoPayload {
	ssrcs := p.SSRCs()
	production := p.Production()
	v := VideoPayload{UserID: p.UserID}
	if production.Audio {
		v.AudioSSRC = ssrcs.Audio
	}
	if production.Video {
		v.VideoSSRC = ssrcs.Video
		v.RTXSSRC = ssrcs.RTX
	}
	return v
}

// broadcast sends a frame to everyone in p's room except p
func (h *Hub) broadcast(p *Participant, op int, d any) {
	for _, other := range h.rooms.Others(p) {
		other.send(op, d)
	}
}

// publish announces p's production to the media forwarder and subscribes the room's webrtc
// participants to what they are not consuming yet
func (h *Hub) publish(ctx context.Context, p *Participant) {
	if h.forwarder == nil {
		return
	}
	if p.Protocol() == ProtocolWebRTC {
		if err := h.forwarder.PublishTrack(ctx, p.RoomKey, p.UserID, p.SSRCs(), p.Production()); err != nil {
			p.logger.Error("failed to publish track", zap.Error(err))
		}
	}
	h.syncConsumption(ctx, p.RoomKey)
}

// syncConsumption subscribes every webrtc participant to every other producing webrtc
// participant once
func (h *Hub) syncConsumption(ctx context.Context, roomKey string) {
	if h.forwarder == nil {
		return
	}
	participants := h.rooms.Participants(roomKey)
	for _, consumer := range participants {
		if consumer.Protocol() != ProtocolWebRTC {
			continue
		}
		for _, producer := range participants {
			if producer == consumer || producer.Protocol() != ProtocolWebRTC || !producer.Production().Producing() {
				continue
			}
			if !consumer.startConsuming(producer.UserID) {
				continue
			}
			if err := h.forwarder.SubscribeToTrack(ctx, roomKey, consumer.UserID, producer.UserID); err != nil {
				consumer.stopConsuming(producer.UserID)
				consumer.logger.Error("failed to subscribe to track",
					zap.String("producer_id", producer.UserID),
					zap.Error(err),
				)
			}
		}
	}
}

// leave removes p from its room and tells the remaining participants
func (h *Hub) leave(ctx context.Context, p *Participant) {
	remaining, ok := h.rooms.Leave(p)
	if !ok {
		return
	}
	h.forwarderLeave(ctx, p)

	for _, other := range h.rooms.Participants(p.RoomKey) {
		other.stopConsuming(p.UserID)
		other.send(OpClientDisconnect, ClientDisconnectPayload{UserID: p.UserID})
	}
	if remaining == 0 {
		h.ssrcs.Release(p.RoomKey)
	}
	p.logger.Info("left voice room", zap.Int("remaining", remaining))
}

func (h *Hub) forwarderLeave(ctx context.Context, p *Participant) {
	if h.forwarder == nil {
		return
	}
	if err := h.forwarder.Leave(ctx, p.RoomKey, p.UserID); err != nil {
		p.logger.Warn("failed to leave media forwarder room", zap.Error(err))
	}
}

func (h *Hub) onVoiceLeave(state models.VoiceState) {
	p := h.rooms.Find(state.RoomKey(), state.UserID)
	if p == nil || p.GatewaySessionID != state.SessionID {
		return
	}
	_ = p.transport.Close(CloseDisconnected, "disconnected")
	h.leave(context.Background(), p)
}

// Shutdown disconnects every participant
func (h *Hub) Shutdown(ctx context.Context) {
	h.rooms.mu.RLock()
	var all []*Participant
	for _, room := range h.rooms.rooms {
		for _, p := range room {
			all = append(all, p)
		}
	}
	h.rooms.mu.RUnlock()

	for _, p := range all {
		_ = p.transport.Close(CloseDisconnected, "server shutting down")
		h.leave(ctx, p)
	}
	h.logger.Info("voice hub shut down", zap.Int("participants", len(all)))
}
