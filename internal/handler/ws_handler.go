package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/stream-status-service/internal/hub"
	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades status subscriptions to push connections.
type WSHandler struct {
	hub *hub.Hub
}

func NewWSHandler(h *hub.Hub) *WSHandler {
	return &WSHandler{hub: h}
}

// RegisterRoutes registers the push route.
func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws/stream/:streamKey", h.HandleWebSocket)
}

// HandleWebSocket subscribes the caller to one stream key. The first
// message is the current status, followed by every change.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	key := c.Param("streamKey")
	_, l := log.ForStream(c.Request.Context(), key)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(h.hub, conn, key)
	if err := h.hub.Join(client); err != nil {
		l.Debug().Err(err).Msg("subscription refused")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
