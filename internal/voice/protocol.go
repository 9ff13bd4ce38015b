// Package voice implements the voice signalling websocket: identify against a gateway
// session, SSRC assignment, protocol negotiation and relaying of speaking/video state
// between the participants of a voice room.
package voice

import (
	"encoding/json"
	"errors"

	"github.com/parsascontentcorner/retrocord/internal/gateway"
)

// Voice opcodes
const (
	OpIdentify           = 0  // Receive: begin a voice session
	OpSelectProtocol     = 1  // Receive: choose udp, webrtc or webrtc-p2p
	OpReady              = 2  // Send: SSRC and endpoint
	OpHeartbeat          = 3  // Receive: keepalive with a nonce
	OpSessionDescription = 4  // Send: secret key or SDP answer
	OpSpeaking           = 5  // Send/Receive: speaking indicator
	OpHeartbeatACK       = 6  // Send: echoes the heartbeat nonce
	OpHello              = 8  // Send: heartbeat interval
	OpVideo              = 12 // Send/Receive: produced stream SSRCs
	OpClientDisconnect   = 13 // Send: a participant left
	OpICECandidate       = 15 // Send/Receive: peer-to-peer candidate relay
)

// Voice close codes
const (
	CloseUnknownOpcode         = 4001
	CloseDecodeError           = 4002
	CloseNotAuthenticated      = 4003
	CloseAuthenticationFailed  = 4004
	CloseAlreadyAuthenticated  = 4005
	CloseSessionInvalid        = 4006
	CloseSessionTimeout        = 4009
	CloseServerNotFound        = 4011
	CloseUnknownProtocol       = 4012
	CloseDisconnected          = 4014
	CloseUnknownEncryptionMode = 4016
)

// Signalling protocols
const (
	ProtocolUDP       = "udp"
	ProtocolWebRTC    = "webrtc"
	ProtocolWebRTCP2P = "webrtc-p2p"
)

// ModeXSalsa20Poly1305 is the only encryption mode offered to udp clients
const ModeXSalsa20Poly1305 = "xsalsa20_poly1305"

const secretKeySize = 32

// Sentinel errors
var (
	ErrUnknownProtocol       = errors.New("unknown voice protocol")
	ErrUnknownEncryptionMode = errors.New("unknown encryption mode")
	ErrNoMediaForwarder      = errors.New("no media forwarder configured")
)

// IdentifyPayload is the d of a voice IDENTIFY frame
type IdentifyPayload struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	Video     bool   `json:"video"`
}

// Codec is a codec the client offers during protocol selection
type Codec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Priority    int    `json:"priority"`
	PayloadType int    `json:"payload_type"`
	RTXPayload  *int   `json:"rtx_payload_type,omitempty"`
}

// SelectProtocolPayload is the d of a SELECT_PROTOCOL frame. Older clients put the SDP inside
// data, newer ones at the top level.
type SelectProtocolPayload struct {
	Protocol        string          `json:"protocol"`
	Data            json.RawMessage `json:"data"`
	SDP             string          `json:"sdp"`
	Codecs          []Codec         `json:"codecs"`
	RTCConnectionID string          `json:"rtc_connection_id"`
}

// UDPData is the data of a udp protocol selection
type UDPData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

// Stream describes one video stream slot advertised in READY
type Stream struct {
	Type    string `json:"type"`
	RID     string `json:"rid"`
	Quality int    `json:"quality"`
	Active  bool   `json:"active"`
	SSRC    uint32 `json:"ssrc"`
	RTXSSRC uint32 `json:"rtx_ssrc"`
}

// ReadyPayload is the d of a voice READY frame
type ReadyPayload struct {
	SSRC        uint32   `json:"ssrc"`
	IP          string   `json:"ip"`
	Port        int      `json:"port"`
	Modes       []string `json:"modes"`
	Streams     []Stream `json:"streams"`
	Experiments []string `json:"experiments"`
}

// HelloPayload is the d of a voice HELLO frame
type HelloPayload struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
	V                 int `json:"v"`
}

// SessionDescriptionPayload answers a protocol selection
type SessionDescriptionPayload struct {
	Mode           string `json:"mode,omitempty"`
	SecretKey      []int  `json:"secret_key,omitempty"`
	SDP            string `json:"sdp,omitempty"`
	AudioCodec     string `json:"audio_codec"`
	VideoCodec     string `json:"video_codec,omitempty"`
	MediaSessionID string `json:"media_session_id"`
	UserID         string `json:"user_id,omitempty"`
}

// SpeakingPayload is the d of a SPEAKING frame; UserID is set when relayed
type SpeakingPayload struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
	UserID   string `json:"user_id,omitempty"`
}

// VideoPayload is the d of a VIDEO frame; UserID is set when relayed
type VideoPayload struct {
	AudioSSRC uint32          `json:"audio_ssrc"`
	VideoSSRC uint32          `json:"video_ssrc"`
	RTXSSRC   uint32          `json:"rtx_ssrc"`
	Streams   json.RawMessage `json:"streams,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
}

// ClientDisconnectPayload tells participants someone left the room
type ClientDisconnectPayload struct {
	UserID string `json:"user_id"`
}

type frame struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

func encode(op int, d any) ([]byte, error) {
	return json.Marshal(frame{Op: op, D: d})
}

func closeErr(code int, reason string) *gateway.CloseError {
	return &gateway.CloseError{Code: code, Reason: reason}
}
