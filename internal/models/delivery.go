package models

import "time"

// DeliveryOutcome classifies how the router handled a send.
type DeliveryOutcome string

const (
	DeliveredLive  DeliveryOutcome = "delivered_live"
	DeliveryQueued DeliveryOutcome = "queued"
	DeliveryFailed DeliveryOutcome = "failed"
)

// BroadcastResult aggregates per-member outcomes of a community fan-out.
type BroadcastResult struct {
	Attempted     int `json:"attempted"`
	DeliveredLive int `json:"delivered_live"`
	Queued        int `json:"queued"`
}

// PushNotification is the payload handed off to the push dispatcher for
// recipients without a live connection.
type PushNotification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// MessageRecord is the persisted record of a send, written after the
// delivery attempt with its outcome.
type MessageRecord struct {
	ID          string    `db:"id" json:"id"`
	SenderID    int       `db:"sender_id" json:"sender_id"`
	RecipientID int       `db:"recipient_id" json:"recipient_id"`
	CommunityID int       `db:"community_id" json:"community_id,omitempty"`
	Content     string    `db:"content" json:"content"`
	ContentType string    `db:"content_type" json:"content_type"`
	Outcome     string    `db:"outcome" json:"outcome"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
