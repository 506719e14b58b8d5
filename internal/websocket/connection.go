package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"emolearn/pkg/types"
)

// Connection wraps a WebSocket handle admitted to one of the two channels.
// All writes funnel through a single writer goroutine; callers may invoke
// WriteJSON from any goroutine without extra locking.
type Connection struct {
	conn         *websocket.Conn
	identity     types.Identity
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection creates a connection wrapper for an admitted identity.
// The buffer absorbs broadcast bursts; a full buffer surfaces as a write
// timeout rather than blocking the fan-out path.
func NewConnection(conn *websocket.Conn, identity types.Identity, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		identity:     identity,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// writeCh is never closed: WriteJSON may race a concurrent Close, and a
// send on a closed channel would panic. Cancellation is the only shutdown
// signal; the channel is collected along with the connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
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

// WriteJSON marshals v and queues it for the writer goroutine.
func (c *Connection) WriteJSON(v interface{}) error {
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
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close shuts the connection down exactly once and stops the writer.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// IsOpen reports whether the connection can still accept writes. A stale
// handle found here at send time is evicted by the registry, not treated
// as an error.
func (c *Connection) IsOpen() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

// GetUserID returns the connected user's ID.
func (c *Connection) GetUserID() string {
	return c.identity.UserID
}

// GetRole returns the role the credential decoded to.
func (c *Connection) GetRole() string {
	return c.identity.Role
}

// Identity returns the full decoded identity.
func (c *Connection) Identity() types.Identity {
	return c.identity
}
