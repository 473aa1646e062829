package models

import "time"

// PresenceStatus enumerates user availability states.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a status a client may set explicitly.
func (s PresenceStatus) Valid() bool {
	return s == PresenceOnline || s == PresenceAway
}

// PresenceRecord is the stored presence state for one user. Records are
// never deleted; a user who fully disconnects transitions to offline and
// keeps the last-activity timestamp for "last seen" queries.
type PresenceRecord struct {
	UserID       int            `json:"user_id"`
	Status       PresenceStatus `json:"status"`
	LastActivity time.Time      `json:"last_activity"`
	Device       *DeviceInfo    `json:"device,omitempty"`
}

// PresenceEvent notifies observers of a status transition.
type PresenceEvent struct {
	UserID    int            `json:"user_id"`
	OldStatus PresenceStatus `json:"old_status"`
	NewStatus PresenceStatus `json:"new_status"`
	Timestamp time.Time      `json:"timestamp"`
}
