package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type frame struct {
	binary bool
	data   []byte
}

// Conn wraps one client websocket. All writes funnel through a buffered
// outbound queue drained by a single pump, so the bus receiver, the registry
// and the speaker pipeline can all deliver without racing on the socket. A
// full queue drops for this connection only.
type Conn struct {
	id           string
	ws           *websocket.Conn
	send         chan frame
	writeTimeout time.Duration
	log          *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, id string, buffer int, writeTimeout time.Duration, log *slog.Logger) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	c := &Conn{
		id:           id,
		ws:           ws,
		send:         make(chan frame, buffer),
		writeTimeout: writeTimeout,
		log:          log,
		closed:       make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// EnqueueText queues a JSON control frame. Reports false when the connection
// is closed or saturated; the frame is then dropped for this recipient only.
func (c *Conn) EnqueueText(data []byte) bool {
	return c.enqueue(frame{binary: false, data: data})
}

// EnqueueBinary queues a raw audio or video frame.
func (c *Conn) EnqueueBinary(data []byte) bool {
	return c.enqueue(frame{binary: true, data: data})
}

func (c *Conn) enqueue(f frame) bool {
	if !c.Alive() {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.send:
			msgType := websocket.TextMessage
			if f.binary {
				msgType = websocket.BinaryMessage
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(msgType, f.data); err != nil {
				c.log.Debug("write failed, closing connection",
					slog.String("conn", c.id), slog.String("error", err.Error()))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// CloseWithPolicyViolation rejects a connection that failed handshake
// validation, before any relay state exists for it.
func (c *Conn) CloseWithPolicyViolation(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	c.Close()
}

// Close tears the socket down. Idempotent: the read loop, the write pump and
// the server shutdown path may all invoke it.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
