package gateway

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// Transport is the write side of a client connection. Send must not block; frames are
// delivered in the order Send was called.
type Transport interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

type outbound struct {
	data   []byte
	close  bool
	code   int
	reason string
}

// WSTransport writes frames to a gorilla websocket from a single writer goroutine
type WSTransport struct {
	conn   *websocket.Conn
	send   chan outbound
	done   chan struct{}
	zlib   *zlibStream
	logger *zap.Logger

	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// NewWSTransport starts the write pump for conn. With compress set every frame is written as
// a binary message flushed from one shared zlib stream.
func NewWSTransport(conn *websocket.Conn, compress bool, logger *zap.Logger) *WSTransport {
	t := &WSTransport{
		conn:   conn,
		send:   make(chan outbound, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	if compress {
		t.zlib = newZlibStream()
	}
	go t.writePump()
	return t
}

// Send enqueues a frame. A full buffer closes the connection so the client resumes instead of
// silently missing events.
func (t *WSTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	select {
	case t.send <- outbound{data: data}:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		t.logger.Warn("send buffer full, closing connection")
		go t.Close(CloseUnknownError, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close writes a close frame after already queued frames and shuts the connection down
func (t *WSTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		select {
		case t.send <- outbound{close: true, code: code, reason: reason}:
		default:
			t.shutdown(code, reason)
		}
	})
	return nil
}

// Done is closed once the connection is shut down
func (t *WSTransport) Done() <-chan struct{} {
	return t.done
}

func (t *WSTransport) writePump() {
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.send:
			if msg.close {
				t.shutdown(msg.code, msg.reason)
				return
			}
			if err := t.write(msg.data); err != nil {
				t.logger.Debug("failed to write frame", zap.Error(err))
				t.shutdown(CloseUnknownError, "write failed")
				return
			}
		}
	}
}

func (t *WSTransport) write(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if t.zlib == nil {
		return t.conn.WriteMessage(websocket.TextMessage, data)
	}
	compressed, err := t.zlib.compress(data)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, compressed)
}

func (t *WSTransport) shutdown(code int, reason string) {
	t.shutdownOnce.Do(func() {
		close(t.done)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			t.logger.Debug("failed to write close frame", zap.Error(err))
		}
		if err := t.conn.Close(); err != nil {
			t.logger.Debug("failed to close websocket", zap.Error(err))
		}
	})
}

// zlibStream compresses consecutive frames with one zlib context, sync-flushing after each
type zlibStream struct {
	buf    bytes.Buffer
	writer *zlib.Writer
}

func newZlibStream() *zlibStream {
	z := &zlibStream{}
	z.writer = zlib.NewWriter(&z.buf)
	return z
}

func (z *zlibStream) compress(data []byte) ([]byte, error) {
	z.buf.Reset()
	if _, err := z.writer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress frame: %w", err)
	}
	if err := z.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush zlib stream: %w", err)
	}
	out := make([]byte, z.buf.Len())
	copy(out, z.buf.Bytes())
	return out, nil
}
