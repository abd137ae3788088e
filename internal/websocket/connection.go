// Package websocket wraps gorilla connections with a single-writer goroutine
// so concurrent event delivery never races on the underlying socket.
package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeBuffer  = 100
	writeTimeout = 5 * time.Second
)

// Connection wraps one live WebSocket tagged with its participant identity.
// The identity tag is what restart rehydration reads to rebuild hub and
// presence state without re-running the handshake.
type Connection struct {
	conn      *websocket.Conn
	writeCh   chan []byte
	id        string
	userID    string
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps an upgraded socket for userID. The connection id is
// server-generated and unique per attach.
func NewConnection(conn *websocket.Conn, userID string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		writeCh: make(chan []byte, writeBuffer),
		id:      uuid.NewString(),
		userID:  userID,
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

// ID returns the server-generated connection id.
func (c *Connection) ID() string { return c.id }

// UserID returns the participant identity this connection is tagged with.
func (c *Connection) UserID() string { return c.userID }

// Done is closed when the connection is shut down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// writeLoop is the single writer for the underlying socket.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send marshals v and queues it for delivery. Returns ErrConnectionClosed
// after Close, ErrWriteTimeout when the write buffer stays full.
func (c *Connection) Send(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// ReadLoop pumps inbound text frames to onFrame until the socket errors or
// closes. It owns the read deadline and ping/pong heartbeat; callers run it
// on the connection's serving goroutine and handle disconnect afterwards.
func (c *Connection) ReadLoop(readTimeout, pingInterval time.Duration, onFrame func(data []byte)) {
	if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read error for user %s: %v", c.userID, err)
			}
			return
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			onFrame(data)
		}
	}
}

// Close sends a close frame with the given code and reason, then tears the
// connection down. Safe to call more than once.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeTimeout)
		message := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)

		c.cancel()
		err = c.conn.Close()
	})
	return err
}
