package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxFrameSize = 16 * 1024
	readSlack    = 30 * time.Second
)

// Server accepts gateway websocket connections
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates the gateway acceptor
func NewServer(hub *Hub, logger *zap.Logger) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Old clients connect from their own origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("acceptor"),
	}
}

// ServeHTTP negotiates the client parameters, upgrades and runs the read loop
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info, err := srv.hub.compat.Negotiate(r)
	if err != nil {
		srv.logger.Info("rejecting gateway connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("failed to upgrade gateway connection", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameSize)

	transport := NewWSTransport(conn, info.Compression == CompressionZlibStream, srv.logger)
	c := srv.hub.Accept(transport, info)

	srv.logger.Debug("gateway connection accepted",
		zap.String("connection_id", c.ID()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("client_epoch", info.Epoch.String()),
		zap.Int("version", info.Version),
	)

	srv.readLoop(r.Context(), conn, transport, c)
}

func (srv *Server) readLoop(ctx context.Context, conn *websocket.Conn, transport *WSTransport, c *Connection) {
	// Detached: the request context ends with the handler, sessions outlive it
	ctx = context.WithoutCancel(ctx)
	defer c.Close(ctx)
	defer transport.Close(CloseNormalClosure, "")

	for {
		// The heartbeat timer enforces liveness; the deadline only reaps dead sockets
		deadline := time.Now().Add(srv.hub.heartbeatTimeout() + readSlack)
		if err := conn.SetReadDeadline(deadline); err != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				srv.logger.Debug("client closed connection",
					zap.String("connection_id", c.ID()),
					zap.Int("close_code", ce.Code),
				)
			}
			return
		}

		if err := c.HandleFrame(ctx, data); err != nil {
			var ce *CloseError
			if errors.As(err, &ce) {
				return
			}
			srv.logger.Error("failed to handle frame",
				zap.String("connection_id", c.ID()),
				zap.Error(err),
			)
		}
	}
}
