// Package delivery routes events to live connections, with queued fallback
// for offline recipients and fire-and-forget push dispatch.
package delivery

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/registry"
)

const (
	defaultSendTimeout  = 2 * time.Second
	pushDispatchTimeout = 5 * time.Second
)

// Deliverer is the router surface used by the facade, the websocket layer
// and the broadcaster.
type Deliverer interface {
	Deliver(ctx context.Context, recipientID int, event models.Event) models.DeliveryOutcome
}

// ConnSource is the registry surface the router needs.
type ConnSource interface {
	ListConnections(userID int) []*registry.Conn
	Unregister(conn *registry.Conn)
}

// EventQueue is the offline fallback buffer.
type EventQueue interface {
	Enqueue(userID int, event models.Event)
}

// PushDispatcher hands a notification off to the native push pipeline.
// Its result never changes a delivery outcome.
type PushDispatcher interface {
	PushToUser(ctx context.Context, userID int, notification models.PushNotification) bool
}

// Router is the central delivery decision point.
type Router struct {
	conns       ConnSource
	queue       EventQueue
	push        PushDispatcher
	sendTimeout time.Duration
}

// NewRouter builds a Router. push may be nil when push dispatch is disabled.
func NewRouter(conns ConnSource, queue EventQueue, push PushDispatcher, sendTimeout time.Duration) *Router {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Router{conns: conns, queue: queue, push: push, sendTimeout: sendTimeout}
}

// Deliver pushes the event to every live connection of the recipient. At
// least one successful push is delivered_live; with no live connection the
// event is queued and a push notification is dispatched fire-and-forget.
// The router never errors for a valid recipient: transport failures
// unregister the dead connection and fall back to queueing.
func (r *Router) Deliver(ctx context.Context, recipientID int, event models.Event) models.DeliveryOutcome {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("delivery marshal failed event_id=%s: %v", event.ID, err)
		observability.IncDeliveryOutcome(string(models.DeliveryFailed))
		return models.DeliveryFailed
	}

	delivered := 0
	for _, conn := range r.conns.ListConnections(recipientID) {
		if err := conn.Send(payload, r.sendTimeout); err != nil {
			log.Printf("delivery push failed conn_id=%s user_id=%d: %v", conn.ID, recipientID, err)
			r.conns.Unregister(conn)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		observability.IncDeliveryOutcome(string(models.DeliveredLive))
		return models.DeliveredLive
	}

	r.queue.Enqueue(recipientID, event)
	r.dispatchPush(recipientID, event)
	observability.IncDeliveryOutcome(string(models.DeliveryQueued))
	return models.DeliveryQueued
}

// dispatchPush notifies the recipient out of band. Fire-and-forget; failures
// are logged and counted but never surface to the sender.
func (r *Router) dispatchPush(recipientID int, event models.Event) {
	if r.push == nil {
		return
	}
	notification := models.PushNotification{
		Title: "New message",
		Body:  "You have a new message waiting.",
		Data: map[string]string{
			"event_id":   event.ID,
			"event_type": event.Type,
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushDispatchTimeout)
		defer cancel()
		if !r.push.PushToUser(ctx, recipientID, notification) {
			log.Printf("push dispatch skipped or failed user_id=%d event_id=%s", recipientID, event.ID)
		}
	}()
}
