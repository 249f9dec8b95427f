package websocket

import (
	"sync"

	"github.com/prappser/chunkd/internal/upload"
	"github.com/rs/zerolog/log"
)

const broadcastBufferSize = 256

// Hub fans progress events out to the clients subscribed to their FileKey.
type Hub struct {
	clients    map[*Client]bool
	byFile     map[string][]*Client // fileKey -> subscribers
	register   chan *Client
	unregister chan *Client
	broadcast  chan *upload.Event
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byFile:     make(map[string][]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *upload.Event, broadcastBufferSize),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case ev := <-h.broadcast:
			h.broadcastToFile(ev)

		case <-h.done:
			return
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true

	log.Info().
		Str("clientId", client.id).
		Int("totalClients", len(h.clients)).
		Msg("[WS] Client registered")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)
	close(client.send)

	for fileKey := range client.subscriptionSet() {
		h.removeFromFileSubscribers(client, fileKey)
	}

	log.Info().
		Str("clientId", client.id).
		Int("totalClients", len(h.clients)).
		Msg("[WS] Client unregistered")
}

func (h *Hub) removeFromFileSubscribers(client *Client, fileKey string) {
	fileClients := h.byFile[fileKey]
	for i, c := range fileClients {
		if c == client {
			h.byFile[fileKey] = append(fileClients[:i], fileClients[i+1:]...)
			break
		}
	}
	if len(h.byFile[fileKey]) == 0 {
		delete(h.byFile, fileKey)
	}
}

func (h *Hub) Subscribe(client *Client, fileKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.byFile[fileKey] {
		if c == client {
			return
		}
	}

	h.byFile[fileKey] = append(h.byFile[fileKey], client)

	log.Debug().
		Str("fileKey", fileKey).
		Int("subscribers", len(h.byFile[fileKey])).
		Msg("[WS] Upload subscription added")
}

func (h *Hub) Unsubscribe(client *Client, fileKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromFileSubscribers(client, fileKey)

	log.Debug().
		Str("fileKey", fileKey).
		Int("subscribers", len(h.byFile[fileKey])).
		Msg("[WS] Upload subscription removed")
}

func (h *Hub) broadcastToFile(ev *upload.Event) {
	h.mu.RLock()
	clients := make([]*Client, len(h.byFile[ev.FileKey]))
	copy(clients, h.byFile[ev.FileKey])
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	msg := &ProgressMessage{
		Type:  MessageTypeProgress,
		Event: ev,
	}

	for _, client := range clients {
		select {
		case client.send <- msg:
		default:
			log.Warn().
				Str("clientId", client.id).
				Str("fileKey", ev.FileKey).
				Msg("[WS] Client send buffer full, dropping message")
		}
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Notify queues ev for delivery. It never blocks the caller; events are dropped when
// the queue is full.
func (h *Hub) Notify(ev *upload.Event) {
	select {
	case h.broadcast <- ev:
	default:
		log.Warn().
			Str("fileKey", ev.FileKey).
			Str("kind", string(ev.Kind)).
			Msg("[WS] Broadcast queue full, dropping event")
	}
}

func (h *Hub) GetStats() (totalClients, totalSubscriptions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	totalClients = len(h.clients)
	for _, clients := range h.byFile {
		totalSubscriptions += len(clients)
	}
	return
}
