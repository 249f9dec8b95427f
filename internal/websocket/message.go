package websocket

import "github.com/prappser/chunkd/internal/upload"

type MessageType string

const (
	MessageTypeProgress    MessageType = "progress"
	MessageTypeConnected   MessageType = "connected"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeError       MessageType = "error"
)

type IncomingMessage struct {
	Type    MessageType `json:"type"`
	FileKey string      `json:"fileKey,omitempty"`
}

type OutgoingMessage struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type ProgressMessage struct {
	Type  MessageType   `json:"type"`
	Event *upload.Event `json:"event"`
}
