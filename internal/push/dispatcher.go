// Package push hands notification commands off to the native push pipeline
// over the event exchange. The actual mobile push delivery lives in a
// separate service consuming that exchange.
package push

import (
	"context"
	"log"
	"time"

	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/rabbitmq"
)

const routingKey = "push_notifications"

// UserPrefs exposes the recipient's push opt-in preference.
type UserPrefs interface {
	PushEnabled(ctx context.Context, userID int) (bool, error)
}

// Dispatcher publishes push commands for users who opted in.
type Dispatcher struct {
	publisher rabbitmq.Publisher
	prefs     UserPrefs
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(publisher rabbitmq.Publisher, prefs UserPrefs) *Dispatcher {
	return &Dispatcher{publisher: publisher, prefs: prefs}
}

type pushCommand struct {
	UserID int               `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
	SentAt time.Time         `json:"sent_at"`
}

// PushToUser publishes a notification command if the user has push enabled.
// Returns whether a command was published.
func (d *Dispatcher) PushToUser(ctx context.Context, userID int, notification models.PushNotification) bool {
	enabled, err := d.prefs.PushEnabled(ctx, userID)
	if err != nil {
		log.Printf("push prefs lookup failed user_id=%d: %v", userID, err)
		observability.IncPushDispatchError()
		return false
	}
	if !enabled {
		return false
	}

	cmd := pushCommand{
		UserID: userID,
		Title:  notification.Title,
		Body:   notification.Body,
		Data:   notification.Data,
		SentAt: time.Now().UTC(),
	}
	if err := d.publisher.Publish(ctx, routingKey, cmd); err != nil {
		log.Printf("push dispatch publish failed user_id=%d: %v", userID, err)
		observability.IncPushDispatchError()
		return false
	}
	return true
}
