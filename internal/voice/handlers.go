package voice

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/gateway"
)

const (
	defaultAudioCodec = "opus"
	defaultVideoCodec = "H264"
)

func (c *Connection) onIdentify(ctx context.Context, d json.RawMessage) error {
	if c.Participant() != nil {
		return closeErr(CloseAlreadyAuthenticated, "already authenticated")
	}

	var payload IdentifyPayload
	if err := decode(d, &payload); err != nil {
		return err
	}

	p, err := c.hub.Identify(ctx, c.transport, payload)
	if err != nil {
		var ce *gateway.CloseError
		if errors.As(err, &ce) {
			return err
		}
		c.logger.Error("voice identify failed", zap.Error(err))
		return closeErr(CloseAuthenticationFailed, "identify failed")
	}

	c.mu.Lock()
	c.participant = p
	c.mu.Unlock()
	return nil
}

func (c *Connection) onSelectProtocol(ctx context.Context, p *Participant, d json.RawMessage) error {
	var payload SelectProtocolPayload
	if err := decode(d, &payload); err != nil {
		return err
	}

	switch strings.ToLower(payload.Protocol) {
	case ProtocolUDP:
		return c.selectUDP(p, payload)
	case ProtocolWebRTC:
		return c.selectWebRTC(ctx, p, payload)
	case ProtocolWebRTCP2P:
		return c.selectP2P(p, payload)
	default:
		c.logger.Info("rejecting protocol", zap.String("protocol", payload.Protocol))
		return closeErr(CloseUnknownProtocol, ErrUnknownProtocol.Error())
	}
}

func (c *Connection) selectUDP(p *Participant, payload SelectProtocolPayload) error {
	var data UDPData
	if len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return closeErr(CloseDecodeError, fmt.Sprintf("decode error: %v", err))
		}
	}
	if data.Mode != "" && data.Mode != ModeXSalsa20Poly1305 {
		return closeErr(CloseUnknownEncryptionMode, ErrUnknownEncryptionMode.Error())
	}

	key, err := newSecretKey()
	if err != nil {
		return err
	}

	p.setProtocol(ProtocolUDP)
	p.send(OpSessionDescription, SessionDescriptionPayload{
		Mode:           ModeXSalsa20Poly1305,
		SecretKey:      key,
		AudioCodec:     pickCodec(payload.Codecs, "audio", defaultAudioCodec),
		MediaSessionID: c.hub.newMediaSessionID(),
	})
	return nil
}

// newSecretKey returns 32 random bytes as the integer list clients expect
func newSecretKey() ([]int, error) {
	raw := make([]byte, secretKeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	key := make([]int, len(raw))
	for i, b := range raw {
		key[i] = int(b)
	}
	return key, nil
}

func (c *Connection) selectWebRTC(ctx context.Context, p *Participant, payload SelectProtocolPayload) error {
	if c.hub.forwarder == nil {
		c.logger.Warn("webrtc requested", zap.Error(ErrNoMediaForwarder))
		return closeErr(CloseUnknownProtocol, ErrUnknownProtocol.Error())
	}

	sdp := offerSDP(payload)
	if sdp == "" {
		return closeErr(CloseDecodeError, "missing sdp")
	}

	answer, err := c.hub.forwarder.Offer(ctx, p.RoomKey, p.UserID, sdp, payload.Codecs)
	if err != nil {
		return fmt.Errorf("failed to negotiate sdp: %w", err)
	}

	p.setProtocol(ProtocolWebRTC)
	p.send(OpSessionDescription, SessionDescriptionPayload{
		SDP:            answer,
		AudioCodec:     pickCodec(payload.Codecs, "audio", defaultAudioCodec),
		VideoCodec:     pickCodec(payload.Codecs, "video", defaultVideoCodec),
		MediaSessionID: c.hub.newMediaSessionID(),
	})

	if p.Production().Producing() {
		c.hub.publish(ctx, p)
		return nil
	}
	c.hub.syncConsumption(ctx, p.RoomKey)
	return nil
}

func (c *Connection) selectP2P(p *Participant, payload SelectProtocolPayload) error {
	p.setProtocol(ProtocolWebRTCP2P)

	sdp := offerSDP(payload)
	if sdp != "" {
		c.hub.broadcast(p, OpSessionDescription, SessionDescriptionPayload{
			SDP:        sdp,
			AudioCodec: pickCodec(payload.Codecs, "audio", defaultAudioCodec),
			UserID:     p.UserID,
		})
	}

	p.send(OpSessionDescription, SessionDescriptionPayload{
		AudioCodec:     pickCodec(payload.Codecs, "audio", defaultAudioCodec),
		MediaSessionID: c.hub.newMediaSessionID(),
	})
	return nil
}

// offerSDP finds the offer at the top level, inside data, or as data itself
func offerSDP(payload SelectProtocolPayload) string {
	if payload.SDP != "" {
		return payload.SDP
	}
	data := gjson.ParseBytes(payload.Data)
	if data.Type == gjson.String {
		return data.String()
	}
	return data.Get("sdp").String()
}

// pickCodec returns the highest priority (lowest value) codec name of a kind
func pickCodec(codecs []Codec, kind, fallback string) string {
	var matching []Codec
	for _, codec := range codecs {
		if codec.Type == kind && codec.Name != "" {
			matching = append(matching, codec)
		}
	}
	if len(matching) == 0 {
		return fallback
	}
	sort.SliceStable(matching, func(i, j int) bool { return matching[i].Priority < matching[j].Priority })
	return matching[0].Name
}

func (h *Hub) newMediaSessionID() string {
	if h.ids != nil {
		return h.ids.Generate()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (c *Connection) onSpeaking(ctx context.Context, p *Participant, d json.RawMessage) error {
	var payload SpeakingPayload
	if err := decode(d, &payload); err != nil {
		return err
	}

	ssrcs := p.SSRCs()
	if payload.SSRC == 0 {
		payload.SSRC = ssrcs.Audio
	}
	payload.UserID = p.UserID
	c.hub.broadcast(p, OpSpeaking, payload)

	if payload.Speaking != 0 {
		production := p.Production()
		production.Audio = true
		ssrcs.Audio = payload.SSRC
		if changed, _ := p.setProduction(production, ssrcs); changed {
			c.hub.publish(ctx, p)
		}
	}
	return nil
}

func (c *Connection) onVideo(ctx context.Context, p *Participant, d json.RawMessage) error {
	var payload VideoPayload
	if err := decode(d, &payload); err != nil {
		return err
	}

	ssrcs := p.SSRCs()
	if payload.AudioSSRC != 0 {
		ssrcs.Audio = payload.AudioSSRC
	}
	if payload.VideoSSRC != 0 {
		ssrcs.Video = payload.VideoSSRC
		if payload.RTXSSRC != 0 {
			ssrcs.RTX = payload.RTXSSRC
		}
	}
	production := Production{
		Audio: payload.AudioSSRC != 0,
		Video: payload.VideoSSRC != 0,
	}

	productionChanged, ssrcsChanged := p.setProduction(production, ssrcs)
	if !productionChanged && !ssrcsChanged {
		return nil
	}

	if !production.Producing() {
		for _, other := range c.hub.rooms.Others(p) {
			other.stopConsuming(p.UserID)
		}
	}

	relayed := payload
	relayed.UserID = p.UserID
	c.hub.broadcast(p, OpVideo, relayed)

	if productionChanged {
		c.hub.publish(ctx, p)
	}
	return nil
}

func (c *Connection) onICECandidate(p *Participant, d json.RawMessage) error {
	var candidate map[string]any
	if err := decode(d, &candidate); err != nil {
		return err
	}
	candidate["user_id"] = p.UserID
	c.hub.broadcast(p, OpICECandidate, candidate)
	return nil
}
