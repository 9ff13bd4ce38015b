package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/voice"
)

const queueGroup = "retrocord-media"

// Responder answers relay requests by calling a local media forwarder
type Responder struct {
	target  voice.MediaForwarder
	prefix  string
	timeout time.Duration
	sub     *nats.Subscription
	logger  *zap.Logger
}

// NewResponder creates a responder for subjects under prefix
func NewResponder(target voice.MediaForwarder, prefix string, timeout time.Duration, logger *zap.Logger) *Responder {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Responder{
		target:  target,
		prefix:  strings.TrimSuffix(prefix, "."),
		timeout: timeout,
		logger:  logger.Named("relay_responder"),
	}
}

// Start subscribes to "<prefix>.*" in a queue group so several media servers share the load
func (r *Responder) Start(nc *nats.Conn) error {
	sub, err := nc.QueueSubscribe(r.prefix+".*", queueGroup, func(msg *nats.Msg) {
		method := strings.TrimPrefix(msg.Subject, r.prefix+".")
		reply := r.Handle(context.Background(), method, msg.Data)

		body, err := json.Marshal(reply)
		if err != nil {
			r.logger.Error("failed to encode relay reply", zap.Error(err))
			return
		}
		if err := msg.Respond(body); err != nil {
			r.logger.Warn("failed to respond to relay request",
				zap.String("method", method),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s.*: %w", r.prefix, err)
	}
	r.sub = sub
	r.logger.Info("relay responder started", zap.String("subject", r.prefix+".*"))
	return nil
}

// Stop drains the subscription
func (r *Responder) Stop() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Drain()
}

// Handle runs one decoded request against the local forwarder
func (r *Responder) Handle(ctx context.Context, method string, data []byte) Reply {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Reply{Error: fmt.Sprintf("invalid request: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		reply Reply
		err   error
	)
	switch method {
	case MethodJoin:
		err = r.target.Join(ctx, req.RoomKey, req.UserID)
	case MethodOffer:
		reply.Answer, err = r.target.Offer(ctx, req.RoomKey, req.UserID, req.SDP, req.Codecs)
	case MethodPublish:
		var ssrcs voice.SSRCs
		var production voice.Production
		if req.SSRCs != nil {
			ssrcs = *req.SSRCs
		}
		if req.Production != nil {
			production = *req.Production
		}
		err = r.target.PublishTrack(ctx, req.RoomKey, req.UserID, ssrcs, production)
	case MethodSubscribe:
		err = r.target.SubscribeToTrack(ctx, req.RoomKey, req.ConsumerID, req.ProducerID)
	case MethodLeave:
		err = r.target.Leave(ctx, req.RoomKey, req.UserID)
	default:
		return Reply{Error: fmt.Sprintf("unknown method %q", method)}
	}

	if err != nil {
		r.logger.Warn("media forwarder call failed",
			zap.String("method", method),
			zap.String("room", req.RoomKey),
			zap.Error(err),
		)
		return Reply{Error: err.Error()}
	}
	return reply
}
