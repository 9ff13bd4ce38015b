// Package gateway implements the persistent event-streaming connection: sessions with ordered,
// replayable dispatch, the registry of live sessions, fanout strategies and the websocket acceptor.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Gateway opcodes
const (
	OpDispatch            = 0  // Send: Event dispatch
	OpHeartbeat           = 1  // Receive: Heartbeat
	OpIdentify            = 2  // Receive: Identify (begin session)
	OpPresenceUpdate      = 3  // Receive: Presence update
	OpVoiceStateUpdate    = 4  // Receive: Voice state update
	OpResume              = 6  // Receive: Resume session
	OpReconnect           = 7  // Send: Reconnect
	OpRequestGuildMembers = 8  // Receive: Request guild members
	OpInvalidSession      = 9  // Send: Invalid session
	OpHello               = 10 // Send: Hello (heartbeat interval)
	OpHeartbeatACK        = 11 // Send: Heartbeat ACK
	OpGuildSync           = 12 // Receive: Lazy fetch of guild presences/members
	OpLazyRequest         = 14 // Receive: Member list subscription
)

// Gateway close codes
const (
	CloseNormalClosure        = 1000
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
)

// Dispatch event names
const (
	EventReady                 = "READY"
	EventResumed               = "RESUMED"
	EventPresenceUpdate        = "PRESENCE_UPDATE"
	EventVoiceStateUpdate      = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate     = "VOICE_SERVER_UPDATE"
	EventGuildSync             = "GUILD_SYNC"
	EventGuildMembersChunk     = "GUILD_MEMBERS_CHUNK"
	EventGuildMemberListUpdate = "GUILD_MEMBER_LIST_UPDATE"
	EventUserSettingsUpdate    = "USER_SETTINGS_UPDATE"
)

// Sentinel errors
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrReplayUnavailable    = errors.New("requested sequence is no longer buffered")
	ErrBroadcastRateLimited = errors.New("broadcast rate limit exceeded")
	ErrTransportClosed      = errors.New("transport closed")
	ErrSendBufferFull       = errors.New("send buffer full")
	ErrChannelNotFound      = errors.New("channel not found")
)

// GatewayPayload is a client frame; the server frame shape is the same with T and S set on dispatches
type GatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s,omitempty"`
	T  *string         `json:"t,omitempty"`
}

// outboundFrame is what the server writes; t and s only appear on dispatch frames
type outboundFrame struct {
	Op int    `json:"op"`
	T  string `json:"t,omitempty"`
	S  int64  `json:"s,omitempty"`
	D  any    `json:"d"`
}

// HelloPayload represents the HELLO event data
type HelloPayload struct {
	HeartbeatInterval int      `json:"heartbeat_interval"`
	Trace             []string `json:"_trace"`
}

// IdentifyPayload is the d of an IDENTIFY frame
type IdentifyPayload struct {
	Token          string            `json:"token"`
	Properties     map[string]string `json:"properties"`
	Compress       bool              `json:"compress"`
	LargeThreshold int               `json:"large_threshold"`
	Presence       *PresencePayload  `json:"presence"`
}

// ResumePayload is the d of a RESUME frame
type ResumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// PresencePayload is the d of a PRESENCE_UPDATE frame
type PresencePayload struct {
	Status     string          `json:"status"`
	Since      *int64          `json:"since"`
	AFK        bool            `json:"afk"`
	Game       json.RawMessage `json:"game"`
	Activities json.RawMessage `json:"activities"`
}

// VoiceStatePayload is the d of a VOICE_STATE_UPDATE frame. A null channel_id leaves voice.
type VoiceStatePayload struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
	SelfVideo bool    `json:"self_video"`
}

// RequestGuildMembersPayload is the d of a REQUEST_GUILD_MEMBERS frame
type RequestGuildMembersPayload struct {
	GuildID json.RawMessage `json:"guild_id"`
	Query   string          `json:"query"`
	Limit   int             `json:"limit"`
	UserIDs []string        `json:"user_ids"`
}

// LazyRequestPayload is the d of a member list subscription frame
type LazyRequestPayload struct {
	GuildID    string              `json:"guild_id"`
	Channels   map[string][][2]int `json:"channels"`
	Typing     bool                `json:"typing"`
	Activities bool                `json:"activities"`
	Members    []string            `json:"members"`
}

// CloseError ends a connection with a gateway close code
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway close %d: %s", e.Code, e.Reason)
}

func closeErr(code int, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason}
}

func encodeFrame(op int, eventType string, seq int64, d any) ([]byte, error) {
	data, err := json.Marshal(outboundFrame{Op: op, T: eventType, S: seq, D: d})
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}
