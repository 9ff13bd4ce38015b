package voice

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/gateway"
)

const (
	maxFrameSize = 64 * 1024
	readSlack    = 30 * time.Second
)

// Server accepts voice websocket connections
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates the voice acceptor
func NewServer(hub *Hub, logger *zap.Logger) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("voice_acceptor"),
	}
}

// ServeHTTP upgrades the request and runs the read loop
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("failed to upgrade voice connection", zap.Error(err))
		return
	}
	// SDP offers are larger than gateway frames
	conn.SetReadLimit(maxFrameSize)

	transport := gateway.NewWSTransport(conn, false, srv.logger)
	c := srv.hub.Accept(transport)

	srv.logger.Debug("voice connection accepted",
		zap.String("connection_id", c.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	srv.readLoop(context.WithoutCancel(r.Context()), conn, transport, c)
}

func (srv *Server) readLoop(ctx context.Context, conn *websocket.Conn, transport *gateway.WSTransport, c *Connection) {
	defer c.Close(ctx)
	defer transport.Close(websocket.CloseNormalClosure, "")

	for {
		deadline := time.Now().Add(srv.hub.heartbeatTimeout() + readSlack)
		if err := conn.SetReadDeadline(deadline); err != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				srv.logger.Debug("voice client closed connection",
					zap.String("connection_id", c.ID()),
					zap.Int("close_code", ce.Code),
				)
			}
			return
		}

		if err := c.HandleFrame(ctx, data); err != nil {
			var ce *gateway.CloseError
			if errors.As(err, &ce) {
				return
			}
			srv.logger.Error("failed to handle voice frame",
				zap.String("connection_id", c.ID()),
				zap.Error(err),
			)
		}
	}
}
