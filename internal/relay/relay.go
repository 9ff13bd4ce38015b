// Package relay carries voice media negotiation to a separate media-server process over NATS
// request/reply. Forwarder is the gateway side; Responder runs next to the media server and
// calls its local MediaForwarder.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/voice"
)

// Relay methods, appended to the subject prefix
const (
	MethodJoin      = "join"
	MethodOffer     = "offer"
	MethodPublish   = "publish"
	MethodSubscribe = "subscribe"
	MethodLeave     = "leave"
)

// ErrRemote wraps an error reported by the media server
var ErrRemote = errors.New("media server error")

// Request is the body of every relay request
type Request struct {
	RoomKey    string            `json:"room_key"`
	UserID     string            `json:"user_id,omitempty"`
	SDP        string            `json:"sdp,omitempty"`
	Codecs     []voice.Codec     `json:"codecs,omitempty"`
	SSRCs      *voice.SSRCs      `json:"ssrcs,omitempty"`
	Production *voice.Production `json:"production,omitempty"`
	ConsumerID string            `json:"consumer_id,omitempty"`
	ProducerID string            `json:"producer_id,omitempty"`
}

// Reply is the body of every relay response
type Reply struct {
	Answer string `json:"answer,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Requester sends a request and waits for one reply; *nats.Conn satisfies it
type Requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// Connect dials NATS with reconnects enabled
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// Forwarder is a voice.MediaForwarder backed by NATS request/reply
type Forwarder struct {
	conn    Requester
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

var _ voice.MediaForwarder = (*Forwarder)(nil)

// NewForwarder creates a forwarder publishing on "<prefix>.<method>"
func NewForwarder(conn Requester, cfg config.NATSConfig, logger *zap.Logger) *Forwarder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Forwarder{
		conn:    conn,
		prefix:  strings.TrimSuffix(cfg.SubjectPrefix, "."),
		timeout: timeout,
		logger:  logger.Named("relay"),
	}
}

func (f *Forwarder) subject(method string) string {
	return f.prefix + "." + method
}

func (f *Forwarder) request(ctx context.Context, method string, req Request) (Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	msg, err := f.conn.RequestWithContext(ctx, f.subject(method), body)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to relay %s: %w", method, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("failed to decode %s reply: %w", method, err)
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("%w: %s", ErrRemote, reply.Error)
	}

	f.logger.Debug("relayed media request",
		zap.String("method", method),
		zap.String("room", req.RoomKey),
	)
	return reply, nil
}

// Join registers a participant with the media server
func (f *Forwarder) Join(ctx context.Context, roomKey, userID string) error {
	_, err := f.request(ctx, MethodJoin, Request{RoomKey: roomKey, UserID: userID})
	return err
}

// Offer sends the client's SDP offer and returns the media server's answer
func (f *Forwarder) Offer(ctx context.Context, roomKey, userID, sdp string, codecs []voice.Codec) (string, error) {
	reply, err := f.request(ctx, MethodOffer, Request{
		RoomKey: roomKey,
		UserID:  userID,
		SDP:     sdp,
		Codecs:  codecs,
	})
	if err != nil {
		return "", err
	}
	return reply.Answer, nil
}

// PublishTrack announces a participant's streams
func (f *Forwarder) PublishTrack(ctx context.Context, roomKey, userID string, ssrcs voice.SSRCs, production voice.Production) error {
	_, err := f.request(ctx, MethodPublish, Request{
		RoomKey:    roomKey,
		UserID:     userID,
		SSRCs:      &ssrcs,
		Production: &production,
	})
	return err
}

// SubscribeToTrack forwards producer's streams to consumer
func (f *Forwarder) SubscribeToTrack(ctx context.Context, roomKey, consumerID, producerID string) error {
	_, err := f.request(ctx, MethodSubscribe, Request{
		RoomKey:    roomKey,
		ConsumerID: consumerID,
		ProducerID: producerID,
	})
	return err
}

// Leave removes a participant from the media server
func (f *Forwarder) Leave(ctx context.Context, roomKey, userID string) error {
	_, err := f.request(ctx, MethodLeave, Request{RoomKey: roomKey, UserID: userID})
	return err
}
