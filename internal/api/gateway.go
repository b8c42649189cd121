package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/accord-chat/accord-server/internal/gateway"
	"github.com/accord-chat/accord-server/internal/httputil"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the real-time gateway.
type GatewayHandler struct {
	hub *gateway.Hub
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(hub *gateway.Hub) *GatewayHandler {
	return &GatewayHandler{hub: hub}
}

// Info handles GET /api/gateway, returning the WebSocket endpoint a client
// should connect to.
func (h *GatewayHandler) Info(c fiber.Ctx) error {
	scheme := "ws"
	if c.Protocol() == "https" {
		scheme = "wss"
	}
	return httputil.Success(c, fiber.Map{
		"url": scheme + "://" + c.Hostname() + "/api/gateway/connect",
	})
}

// Upgrade handles GET /api/gateway/connect. It upgrades the HTTP connection
// to a WebSocket and hands it to the Hub.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn)
	})(c)
}
