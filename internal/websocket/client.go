package websocket

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4 * 1024
	sendBufferSize = 256
)

type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan interface{}
	subscriptions map[string]bool // fileKey -> subscribed
	mu            sync.RWMutex
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:            uuid.NewString(),
		hub:           hub,
		conn:          conn,
		send:          make(chan interface{}, sendBufferSize),
		subscriptions: make(map[string]bool),
	}
}

func (c *Client) Subscribe(fileKey string) {
	c.mu.Lock()
	c.subscriptions[fileKey] = true
	c.mu.Unlock()

	c.hub.Subscribe(c, fileKey)
}

func (c *Client) Unsubscribe(fileKey string) {
	c.mu.Lock()
	delete(c.subscriptions, fileKey)
	c.mu.Unlock()

	c.hub.Unsubscribe(c, fileKey)
}

func (c *Client) IsSubscribed(fileKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[fileKey]
}

func (c *Client) subscriptionSet() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subs := make(map[string]bool, len(c.subscriptions))
	for fileKey := range c.subscriptions {
		subs[fileKey] = true
	}
	return subs
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg IncomingMessage
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().Str("clientId", c.id).Err(err).Msg("[WS] Read error")
			} else {
				log.Debug().Str("clientId", c.id).Msg("[WS] Client disconnected")
			}
			return
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *IncomingMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.FileKey != "" {
			c.Subscribe(msg.FileKey)
		}

	case MessageTypeUnsubscribe:
		if msg.FileKey != "" {
			c.Unsubscribe(msg.FileKey)
		}

	case MessageTypePing:
		c.trySend(&OutgoingMessage{Type: MessageTypePong})

	default:
		c.trySend(&OutgoingMessage{Type: MessageTypeError, Error: "unknown message type"})
	}
}

func (c *Client) trySend(msg interface{}) {
	select {
	case c.send <- msg:
	default:
		log.Debug().Str("clientId", c.id).Msg("[WS] Client send buffer full")
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				log.Debug().Str("clientId", c.id).Err(err).Msg("[WS] Write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Str("clientId", c.id).Err(err).Msg("[WS] Ping error")
				return
			}
		}
	}
}
