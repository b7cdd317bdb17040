package streamapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linnemanlabs/corerecon/internal/hub"
)

// ErrSlowConsumer is returned by Send when a connection's queue is full.
var ErrSlowConsumer = errors.New("slow consumer: send queue full")

// wsConn adapts a websocket to hub.Conn. Messages are queued and written in
// order by a single writer goroutine.
type wsConn struct {
	ws     *websocket.Conn
	queue  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newWSConn(ws *websocket.Conn, queueSize int) *wsConn {
	return &wsConn{
		ws:     ws,
		queue:  make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
}

// Send enqueues msg without blocking.
func (c *wsConn) Send(_ context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return hub.ErrClosed
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops the writer, which sends a close frame and closes the socket.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// writeLoop drains the queue and keeps the connection alive with pings. It
// owns all writes to the socket and closes it on exit.
func (c *wsConn) writeLoop(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.queue:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
