package handlers

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/server/websocket"
	"github.com/coursechain/cvs/pkg/config"
)

// WebSocketHandler upgrades /status connections and hands them to the hub.
// Clients subscribe with ?address=0x... and receive their own intent updates
// plus global source health transitions.
type WebSocketHandler struct {
	hub      *websocket.WsHub
	upgrader gorillaws.Upgrader
	logger   zerolog.Logger
}

func NewWebSocketHandler(hub *websocket.WsHub, cfg config.WebSocketConfig, logger zerolog.Logger) *WebSocketHandler {
	readBuffer := cfg.ReadBufferSize
	if readBuffer == 0 {
		readBuffer = 1024
	}
	writeBuffer := cfg.WriteBufferSize
	if writeBuffer == 0 {
		writeBuffer = 1024
	}

	return &WebSocketHandler{
		hub:    hub,
		logger: logger,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
			CheckOrigin: func(r *http.Request) bool {
				return !cfg.CheckOrigin || r.Header.Get("Origin") == ""
			},
		},
	}
}

func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	address := c.Query("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "valid address query parameter required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &websocket.WsClient{
		Address: strings.ToLower(address),
		Conn:    conn,
	}
	h.hub.Register <- client

	go h.readLoop(client)
}

// readLoop drains the connection until it closes; inbound messages are not
// part of the protocol and are discarded.
func (h *WebSocketHandler) readLoop(client *websocket.WsClient) {
	defer func() {
		h.hub.Unregister <- client
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("address", client.Address).Msg("WebSocket read error")
			}
			return
		}
	}
}
