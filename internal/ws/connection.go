package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	sendBuffer  = 128
	maxReadSize = 64 << 10
)

var (
	errConnClosed = errors.New("connection closed")
	errBufferFull = errors.New("connection buffer exceeded")
)

// socket is the part of *websocket.Conn the write loop uses.
type socket interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Connection serializes outbound writes for one websocket through a
// buffered channel drained by a single goroutine.
type Connection struct {
	Info ConnInfo

	ws     socket
	send   chan []byte
	flush  chan closeFrame
	once   sync.Once
	closed chan struct{}
}

type closeFrame struct {
	code   int
	reason string
}

// NewConnection wraps ws. Call Start once to begin writing.
func NewConnection(info ConnInfo, ws socket) *Connection {
	return &Connection{
		Info:   info,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		flush:  make(chan closeFrame, 1),
		closed: make(chan struct{}),
	}
}

// Start launches the write loop.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload. A client that cannot keep up is disconnected.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errBufferFull
	}
}

// Close sends a close frame and tears the socket down. Safe to call repeatedly.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// Shutdown asks the write loop to deliver what is queued and then close.
func (c *Connection) Shutdown(code int, reason string) {
	select {
	case <-c.closed:
	case c.flush <- closeFrame{code: code, reason: reason}:
	default:
	}
}

// Done is closed after Close.
func (c *Connection) Done() <-chan struct{} { return c.closed }

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case f := <-c.flush:
			c.drain()
			c.Close(f.code, f.reason)
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
