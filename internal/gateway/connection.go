package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Connection routes the inbound frames of one transport. It exists before authentication
// and owns the heartbeat timer; after IDENTIFY or RESUME it is bound to a Session.
type Connection struct {
	id        string
	hub       *Hub
	transport Transport
	info      ClientInfo
	logger    *zap.Logger

	mu        sync.Mutex
	session   *Session
	heartbeat *clock.Timer
	closed    bool
}

// Accept starts a connection: HELLO is sent and the heartbeat timeout armed
func (h *Hub) Accept(t Transport, info ClientInfo) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		hub:       h,
		transport: t,
		info:      info,
	}
	c.logger = h.logger.With(zap.String("connection_id", c.id))

	c.mu.Lock()
	c.heartbeat = h.clock.AfterFunc(h.heartbeatTimeout(), c.onHeartbeatTimeout)
	c.mu.Unlock()

	c.send(OpHello, HelloPayload{
		HeartbeatInterval: int(h.cfg.HeartbeatInterval.Milliseconds()),
		Trace:             []string{"retrocord-gateway"},
	})
	return c
}

func (h *Hub) heartbeatTimeout() time.Duration {
	return h.cfg.HeartbeatInterval + h.cfg.HeartbeatGrace
}

// ID returns the connection id
func (c *Connection) ID() string {
	return c.id
}

// Session returns the bound session, or nil before IDENTIFY/RESUME
func (c *Connection) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Connection) send(op int, d any) {
	data, err := encodeFrame(op, "", 0, d)
	if err != nil {
		c.logger.Error("failed to encode frame", zap.Int("opcode", op), zap.Error(err))
		return
	}
	if err := c.transport.Send(data); err != nil {
		c.logger.Debug("failed to send frame", zap.Int("opcode", op), zap.Error(err))
	}
}

// HandleFrame processes one inbound frame. Protocol failures close the transport with the
// matching code and are returned.
func (c *Connection) HandleFrame(ctx context.Context, data []byte) error {
	if !c.hub.inbound.Allow(c.id) {
		return c.fail(closeErr(CloseRateLimited, "you are being rate limited"))
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
		var ce *CloseError
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
		c.onHeartbeat()
		return nil
	case OpIdentify:
		return c.onIdentify(ctx, d)
	case OpResume:
		return c.onResume(ctx, d)
	case OpPresenceUpdate, OpVoiceStateUpdate, OpRequestGuildMembers, OpGuildSync, OpLazyRequest:
	default:
		c.logger.Debug("ignoring unknown opcode", zap.Int("opcode", op))
		return nil
	}

	s := c.Session()
	if s == nil {
		return closeErr(CloseNotAuthenticated, "not authenticated")
	}

	switch op {
	case OpPresenceUpdate:
		return c.onPresenceUpdate(ctx, s, d)
	case OpVoiceStateUpdate:
		return c.onVoiceStateUpdate(ctx, s, d)
	case OpRequestGuildMembers:
		return c.onRequestGuildMembers(ctx, s, d)
	case OpGuildSync:
		return c.onGuildSync(ctx, s, d)
	default:
		return c.onLazyRequest(ctx, s, d)
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

func (c *Connection) onHeartbeat() {
	c.mu.Lock()
	if c.heartbeat != nil {
		c.heartbeat.Reset(c.hub.heartbeatTimeout())
	}
	c.mu.Unlock()

	c.send(OpHeartbeatACK, nil)
}

func (c *Connection) onHeartbeatTimeout() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	s := c.session
	c.mu.Unlock()

	c.logger.Info("heartbeat timed out")
	if s != nil {
		c.hub.GoOffline(context.Background(), s)
	}
	_ = c.transport.Close(CloseSessionTimedOut, "session timed out")
}

func (c *Connection) onIdentify(ctx context.Context, d json.RawMessage) error {
	if c.Session() != nil {
		return closeErr(CloseAlreadyAuthenticated, "already authenticated")
	}

	var p IdentifyPayload
	if err := decode(d, &p); err != nil {
		return err
	}

	s, err := c.hub.Identify(ctx, c.transport, c.info, p)
	if err != nil {
		var ce *CloseError
		if errors.As(err, &ce) {
			return err
		}
		c.logger.Error("identify failed", zap.Error(err))
		return closeErr(CloseUnknownError, "identify failed")
	}
	c.bind(s)
	return nil
}

func (c *Connection) onResume(ctx context.Context, d json.RawMessage) error {
	if c.Session() != nil {
		return closeErr(CloseAlreadyAuthenticated, "already authenticated")
	}

	var p ResumePayload
	if err := decode(d, &p); err != nil {
		return err
	}

	s, err := c.hub.Resume(ctx, c.transport, c.info, p)
	switch {
	case err == nil:
		c.bind(s)
		return nil
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrReplayUnavailable):
		c.logger.Info("resume rejected, asking client to identify",
			zap.String("session_id", p.SessionID),
			zap.Int64("seq", p.Seq),
			zap.Error(err),
		)
		c.send(OpInvalidSession, false)
		return nil
	default:
		var ce *CloseError
		if errors.As(err, &ce) {
			return err
		}
		c.logger.Error("resume failed", zap.Error(err))
		return closeErr(CloseUnknownError, "resume failed")
	}
}

func (c *Connection) bind(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// fail closes the transport with the error's code
func (c *Connection) fail(ce *CloseError) error {
	c.logger.Info("closing connection",
		zap.Int("close_code", ce.Code),
		zap.String("reason", ce.Reason),
	)
	_ = c.transport.Close(ce.Code, ce.Reason)
	return ce
}

// Close is called once the transport's read side ends. A bound session becomes dead and
// waits for a resume.
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
	s := c.session
	c.mu.Unlock()

	c.hub.inbound.Remove(c.id)
	if s != nil {
		c.hub.Disconnect(ctx, s, c.transport)
	}
}
