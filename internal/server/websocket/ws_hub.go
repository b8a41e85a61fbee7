package websocket

import (
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coursechain/cvs/internal/domain"
)

// WsHub fans purchase intent updates out to the buyer's connections and
// source health transitions out to everyone. Connections are keyed by
// lower-cased wallet address.
type WsHub struct {
	Clients    map[string]map[*websocket.Conn]bool
	Broadcast  chan WsMessage
	Register   chan *WsClient
	Unregister chan *WsClient
	Logger     zerolog.Logger
}

type WsClient struct {
	Address string
	Conn    *websocket.Conn
}

type WsMessage struct {
	Type   string                 `json:"type"`
	Intent *domain.PurchaseIntent `json:"intent,omitempty"`
	Health *domain.HealthStatus   `json:"health,omitempty"`
}

func NewWsHub(logger zerolog.Logger) *WsHub {
	return &WsHub{
		Clients:    make(map[string]map[*websocket.Conn]bool),
		Broadcast:  make(chan WsMessage, 100),
		Register:   make(chan *WsClient, 100),
		Unregister: make(chan *WsClient, 100),
		Logger:     logger,
	}
}

func (h *WsHub) Run() {
	for {
		select {
		case client := <-h.Register:
			if h.Clients[client.Address] == nil {
				h.Clients[client.Address] = make(map[*websocket.Conn]bool)
			}
			h.Clients[client.Address][client.Conn] = true
			h.Logger.Info().
				Str("address", client.Address).
				Int("connection_count", len(h.Clients[client.Address])).
				Msg("WebSocket client registered")

		case client := <-h.Unregister:
			if clients, ok := h.Clients[client.Address]; ok {
				delete(clients, client.Conn)
				if len(clients) == 0 {
					delete(h.Clients, client.Address)
				}
				client.Conn.Close()
				h.Logger.Info().
					Str("address", client.Address).
					Msg("WebSocket client unregistered")
			}

		case message := <-h.Broadcast:
			switch message.Type {
			case "intent":
				if message.Intent != nil {
					h.sendToAddress(message.Intent.BuyerAddress, message)
				}
			case "health":
				h.sendToAll(message)
			}
		}
	}
}

func (h *WsHub) sendToAddress(address string, message WsMessage) {
	clients, ok := h.Clients[strings.ToLower(address)]
	if !ok {
		return
	}
	for conn := range clients {
		if err := conn.WriteJSON(message); err != nil {
			h.Logger.Err(err).
				Str("address", address).
				Str("type", message.Type).
				Msg("Failed to send WebSocket message")
			conn.Close()
			delete(clients, conn)
		}
	}
	if len(clients) == 0 {
		delete(h.Clients, strings.ToLower(address))
	}
}

func (h *WsHub) sendToAll(message WsMessage) {
	for address, clients := range h.Clients {
		for conn := range clients {
			if err := conn.WriteJSON(message); err != nil {
				h.Logger.Err(err).
					Str("address", address).
					Str("type", message.Type).
					Msg("Failed to send WebSocket message")
				conn.Close()
				delete(clients, conn)
			}
		}
		if len(clients) == 0 {
			delete(h.Clients, address)
		}
	}
}

// BroadcastIntent pushes an intent state change to the buyer's connections.
func (h *WsHub) BroadcastIntent(intent *domain.PurchaseIntent) {
	clone := *intent
	h.Broadcast <- WsMessage{
		Type:   "intent",
		Intent: &clone,
	}
}

// BroadcastHealth pushes a source health transition to all connections.
func (h *WsHub) BroadcastHealth(status domain.HealthStatus) {
	h.Broadcast <- WsMessage{
		Type:   "health",
		Health: &status,
	}
}
