package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/gateway"
)

// Connection routes the frames of one voice websocket
type Connection struct {
	id        string
	hub       *Hub
	transport gateway.Transport
	logger    *zap.Logger

	mu          sync.Mutex
	participant *Participant
	heartbeat   *clock.Timer
	closed      bool
}

// Accept starts a voice connection: HELLO is sent and the heartbeat timeout armed
func (h *Hub) Accept(t gateway.Transport) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		hub:       h,
		transport: t,
	}
	c.logger = h.logger.With(zap.String("connection_id", c.id))

	c.mu.Lock()
	c.heartbeat = h.clock.AfterFunc(h.heartbeatTimeout(), c.onHeartbeatTimeout)
	c.mu.Unlock()

	c.send(OpHello, HelloPayload{
		HeartbeatInterval: int(h.cfg.HeartbeatInterval.Milliseconds()),
		V:                 protocolVersion,
	})
	return c
}

// ID returns the connection id
func (c *Connection) ID() string {
	return c.id
}

// Participant returns the identified participant, or nil before IDENTIFY
func (c *Connection) Participant() *Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant
}

func (c *Connection) send(op int, d any) {
	data, err := encode(op, d)
	if err != nil {
		c.logger.Error("failed to encode voice frame", zap.Int("opcode", op), zap.Error(err))
		return
	}
	if err := c.transport.Send(data); err != nil {
		c.logger.Debug("failed to send voice frame", zap.Int("opcode", op), zap.Error(err))
	}
}

// HandleFrame processes one inbound frame. Protocol failures close the transport with the
// matching code and are returned.
func (c *Connection) HandleFrame(ctx context.Context, data []byte) error {
	if !c.hub.inbound.Allow(c.id) {
		return c.fail(closeErr(CloseDisconnected, "rate limited"))
	}

	if !gjson.ValidBytes(data) {
		return c.fail(closeErr(CloseDecodeError, "decode error"))
	}
	op := gjson.GetBytes(data, "op")
	if op.Type != gjson.Number {
		return c.fail(closeErr(CloseDecodeError, "decode error"))
	}
	d := json.RawMessage(gjson.GetBytes(data, "d").Raw)

	if err := c.route(ctx, int(op.Int()), d); err != nil {
		var ce *gateway.CloseError
		if errors.As(err, &ce) {
			return c.fail(ce)
		}
		return err
	}
	return nil
}

func (c *Connection) route(ctx context.Context, op int, d json.RawMessage) error {
	switch op {
	case OpHeartbeat:
		c.onHeartbeat(d)
		return nil
	case OpIdentify:
		return c.onIdentify(ctx, d)
	case OpSelectProtocol, OpSpeaking, OpVideo, OpICECandidate:
	default:
		return closeErr(CloseUnknownOpcode, "unknown opcode")
	}

	p := c.Participant()
	if p == nil {
		return closeErr(CloseNotAuthenticated, "not authenticated")
	}

	switch op {
	case OpSelectProtocol:
		return c.onSelectProtocol(ctx, p, d)
	case OpSpeaking:
		return c.onSpeaking(ctx, p, d)
	case OpVideo:
		return c.onVideo(ctx, p, d)
	default:
		return c.onICECandidate(p, d)
	}
}

func decode(d json.RawMessage, v any) error {
	if len(d) == 0 || string(d) == "null" {
		return closeErr(CloseDecodeError, "decode error")
	}
	if err := json.Unmarshal(d, v); err != nil {
		return closeErr(CloseDecodeError, fmt.Sprintf("decode error: %v", err))
	}
	return nil
}

func (c *Connection) onHeartbeat(d json.RawMessage) {
	c.mu.Lock()
	if c.heartbeat != nil {
		c.heartbeat.Reset(c.hub.heartbeatTimeout())
	}
	c.mu.Unlock()

	// The nonce is echoed as sent
	if len(d) == 0 {
		c.send(OpHeartbeatACK, nil)
		return
	}
	c.send(OpHeartbeatACK, d)
}

func (c *Connection) onHeartbeatTimeout() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	p := c.participant
	c.mu.Unlock()

	c.logger.Info("voice heartbeat timed out")
	_ = c.transport.Close(CloseSessionTimeout, "session timed out")
	if p != nil {
		c.hub.leave(context.Background(), p)
	}
}

// fail closes the transport with the error's code
func (c *Connection) fail(ce *gateway.CloseError) error {
	c.logger.Info("closing voice connection",
		zap.Int("close_code", ce.Code),
		zap.String("reason", ce.Reason),
	)
	_ = c.transport.Close(ce.Code, ce.Reason)
	return ce
}

// Close is called once the transport's read side ends
func (c *Connection) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	p := c.participant
	c.mu.Unlock()

	c.hub.inbound.Remove(c.id)
	if p != nil {
		c.hub.leave(ctx, p)
	}
}
