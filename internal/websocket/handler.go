package websocket

import (
	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.FastHTTPUpgrader
}

// NewHandler builds the /ws endpoint. allowOrigin decides which browser origins may
// connect; nil allows all.
func NewHandler(hub *Hub, allowOrigin func(origin string) bool) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.FastHTTPUpgrader{
			CheckOrigin: func(ctx *fasthttp.RequestCtx) bool {
				origin := string(ctx.Request.Header.Peek("Origin"))
				if origin == "" || allowOrigin == nil {
					return true
				}
				return allowOrigin(origin)
			},
		},
	}
}

// HandleFastHTTP upgrades the connection and serves progress events until the client
// goes away.
func (h *Handler) HandleFastHTTP(ctx *fasthttp.RequestCtx) {
	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		client := NewClient(h.hub, conn)
		h.hub.Register(client)

		client.send <- &OutgoingMessage{
			Type:     MessageTypeConnected,
			ClientID: client.id,
		}

		log.Info().
			Str("clientId", client.id).
			Str("remoteAddr", conn.RemoteAddr().String()).
			Msg("[WS] Client connected")

		go client.WritePump()
		client.ReadPump() // Blocks until disconnect
	})

	if err != nil {
		log.Error().Err(err).Msg("[WS] Failed to upgrade connection")
		return
	}
}
