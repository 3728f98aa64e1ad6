package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/observer/watchparty/internal/auth"
	"github.com/observer/watchparty/internal/domain"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer (signaling payloads are small)
	maxMessageSize = 8192
)

// Client represents a connected WebSocket connection. Identity is fixed at
// upgrade time; the room binding is set on a successful join. The hub never
// touches the underlying conn, only the pumps do.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string // connection id, unique per socket
	identity *auth.Identity
	mu       sync.RWMutex
	roomID   string
	role     domain.Role
	closed   bool
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// NewClient creates a client for an authenticated, upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, identity *auth.Identity, logger *slog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		id:       uuid.NewString(),
		identity: identity,
		logger:   logger,
	}
}

// SetCancelFunc sets the context cancel function for cleanup
func (c *Client) SetCancelFunc(cancel context.CancelFunc) {
	c.cancel = cancel
}

// ConnID returns the connection id.
func (c *Client) ConnID() string { return c.id }

// UserID returns the authenticated user id.
func (c *Client) UserID() string { return c.identity.UserID }

// Identity returns the verified identity for this connection.
func (c *Client) Identity() *auth.Identity { return c.identity }

// SetRoom binds the connection to a room after a successful join.
func (c *Client) SetRoom(roomID string, role domain.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.role = role
}

// ClearRoom drops the room binding.
func (c *Client) ClearRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = ""
	c.role = ""
}

// RoomID returns the bound room, or "" if the connection has not joined.
func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// Role returns the role the connection joined with.
func (c *Client) Role() domain.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.logger.Warn("websocket read error", "error", err, "user_id", c.UserID())
				}
				return
			}

			var msg Message
			if err := json.Unmarshal(message, &msg); err != nil {
				c.sendError(CodeInvalidPayload, "Failed to parse message")
				continue
			}

			c.hub.HandleMessage(c, &msg)
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message for the write pump. Queueing to a connection the
// hub has already torn down is a no-op.
func (c *Client) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, drop message
		c.logger.Warn("client send buffer full, dropping message", "user_id", c.UserID())
	}
	return nil
}

// closeSend closes the outbound queue exactly once. Send queues under the
// read lock, so a queue-in-flight can never race the close.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// sendError sends an error event to this connection only.
func (c *Client) sendError(code, message string) {
	msg, _ := NewMessage(EventError, ErrorPayload{
		Code:    code,
		Message: message,
	})
	_ = c.Send(msg)
}

// sendErrorPayload sends a fully populated error event, used when the error
// carries extra fields such as the mismatching hashes.
func (c *Client) sendErrorPayload(p ErrorPayload) {
	msg, _ := NewMessage(EventError, p)
	_ = c.Send(msg)
}
