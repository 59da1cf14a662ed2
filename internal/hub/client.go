package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/domain"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
)

// Client is one push subscriber watching a single stream key.
type Client struct {
	ID        string
	StreamKey string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// Owned by the hub run loop.
	lastRevision uint64
	delivered    bool
}

// NewClient wraps conn as a subscriber of streamKey.
func NewClient(h *Hub, conn *websocket.Conn, streamKey string) *Client {
	return &Client{
		ID:        uuid.New().String(),
		StreamKey: streamKey,
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, h.config.SendBuffer),
	}
}

// accept reports whether update is newer than anything already delivered.
func (c *Client) accept(update domain.StatusUpdate) bool {
	if c.delivered && update.Revision <= c.lastRevision {
		return false
	}
	c.delivered = true
	c.lastRevision = update.Revision
	return true
}

// ReadPump consumes control frames until the connection fails. The push
// channel is one-way; any data frames from the subscriber are ignored.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Leave(c)
		c.conn.Close()
	}()

	cfg := c.hub.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l := log.L()
				l.Debug().Err(err).Str("client_id", c.ID).Msg("push connection closed")
			}
			return
		}
	}
}

// WritePump sends queued updates and keepalive pings. It exits when the
// hub closes the send queue or a write fails.
func (c *Client) WritePump() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
