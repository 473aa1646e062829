package models

import (
	"encoding/json"
	"time"
)

// Event types carried over the realtime protocol.
const (
	EventTypeMessage   = "message"
	EventTypeBroadcast = "broadcast"
	EventTypePresence  = "presence_update"
	EventTypeHeartbeat = "heartbeat"
)

// Event is the unit of delivery: pushed over a live connection when the
// recipient is online, otherwise queued for a later drain.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	SenderID    int             `json:"sender_id,omitempty"`
	RecipientID int             `json:"recipient_id,omitempty"`
	CommunityID int             `json:"community_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MessagePayload is the payload of message and broadcast events.
type MessagePayload struct {
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// QueuedMessage wraps an event buffered for an offline recipient.
type QueuedMessage struct {
	Event      Event     `json:"event"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// DeviceInfo describes the client device behind a connection.
type DeviceInfo struct {
	Platform string `json:"platform,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}
