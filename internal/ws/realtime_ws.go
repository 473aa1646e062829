// Package ws serves the persistent connection protocol: handshake, backlog
// drain, heartbeats, presence updates and inbound sends.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"realtime-service/internal/delivery"
	"realtime-service/internal/middleware"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/presence"
	"realtime-service/internal/queue"
	"realtime-service/internal/registry"
	"realtime-service/internal/repositories"
)

// Broadcaster is the community fan-out surface used for inbound broadcast
// frames.
type Broadcaster interface {
	Broadcast(ctx context.Context, communityID int, event models.Event, excludeUserID int) (models.BroadcastResult, error)
}

// RealtimeWSHandler upgrades client connections and runs their read loops.
type RealtimeWSHandler struct {
	registry      *registry.Registry
	presence      *presence.Tracker
	queue         *queue.Queue
	deliverer     delivery.Deliverer
	broadcaster   Broadcaster
	userRepo      repositories.UserRepository
	communityRepo repositories.CommunityRepository
	messageRepo   repositories.MessageRecordRepository
	jwtSecret     []byte
}

// NewRealtimeWSHandler constructs a RealtimeWSHandler.
func NewRealtimeWSHandler(
	reg *registry.Registry,
	tracker *presence.Tracker,
	eventQueue *queue.Queue,
	deliverer delivery.Deliverer,
	broadcaster Broadcaster,
	userRepo repositories.UserRepository,
	communityRepo repositories.CommunityRepository,
	messageRepo repositories.MessageRecordRepository,
	jwtSecret []byte,
) *RealtimeWSHandler {
	return &RealtimeWSHandler{
		registry:      reg,
		presence:      tracker,
		queue:         eventQueue,
		deliverer:     deliverer,
		broadcaster:   broadcaster,
		userRepo:      userRepo,
		communityRepo: communityRepo,
		messageRepo:   messageRepo,
		jwtSecret:     jwtSecret,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is one inbound protocol frame.
type clientFrame struct {
	Type        string `json:"type"`
	RecipientID int    `json:"recipient_id,omitempty"`
	CommunityID int    `json:"community_id,omitempty"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Status      string `json:"status,omitempty"`
}

// ackFrame reports the outcome of an inbound send back to its sender.
type ackFrame struct {
	Type      string                  `json:"type"`
	EventID   string                  `json:"event_id,omitempty"`
	Outcome   models.DeliveryOutcome  `json:"outcome,omitempty"`
	Broadcast *models.BroadcastResult `json:"broadcast,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// Handle upgrades the connection, registers it and drains the caller's
// backlog into the socket before any live push, preserving causal order for
// the reconnecting client. The handshake is the sole drain trigger.
func (h *RealtimeWSHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("realtime-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		if q := c.Query("token"); q != "" {
			token = "Bearer " + q
		}
	}
	userID, err := h.validateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	device := models.DeviceInfo{
		Platform: observability.PlatformFromRequest(c.Request),
		DeviceID: observability.DeviceIDFromRequest(c.Request),
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	conn := h.registry.NewConn(userID, device, wsConn)
	h.registry.Register(conn)

	// Events routed between Register and Drain land in the send channel and
	// are written only after the backlog below.
	backlog := h.queue.Drain(userID)
	payloads := make([][]byte, 0, len(backlog))
	for _, event := range backlog {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("backlog marshal failed event_id=%s: %v", event.ID, err)
			continue
		}
		payloads = append(payloads, payload)
	}
	conn.Start(payloads)

	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	ip := observability.IPFromRequest(c.Request)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	_ = observability.PublishEvent(ctx, observability.RoutingKeyWSEvents, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_connect",
		Payload:   h.lifecyclePayload("ws_connect", conn, ip, 0, ""),
	}, observability.EventHeaders(requestID, traceID))

	go h.readLoop(ctx, conn, wsConn, ip, requestID, traceID)
}

func (h *RealtimeWSHandler) readLoop(ctx context.Context, conn *registry.Conn, wsConn *websocket.Conn, ip, requestID, traceID string) {
	var closeReason string
	defer func() {
		h.registry.Unregister(conn)
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		_ = observability.PublishEvent(ctx, observability.RoutingKeyWSEvents, observability.EventEnvelope{
			EventType: "ws_events",
			EventName: "ws_disconnect",
			Payload:   h.lifecyclePayload("ws_disconnect", conn, ip, time.Since(conn.EstablishedAt).Milliseconds(), closeReason),
		}, observability.EventHeaders(requestID, traceID))
	}()

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				_ = observability.PublishEvent(ctx, observability.RoutingKeyWSEvents, observability.EventEnvelope{
					EventType: "ws_events",
					EventName: "ws_error",
					Payload:   h.lifecyclePayload("ws_error", conn, ip, time.Since(conn.EstablishedAt).Milliseconds(), closeReason),
				}, observability.EventHeaders(requestID, traceID))
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendAck(conn, ackFrame{Type: "error", Error: "invalid frame"})
			continue
		}
		h.handleFrame(ctx, conn, frame)
	}
}

func (h *RealtimeWSHandler) handleFrame(ctx context.Context, conn *registry.Conn, frame clientFrame) {
	switch frame.Type {
	case models.EventTypeHeartbeat:
		conn.Touch()
		h.presence.Touch(conn.UserID)

	case models.EventTypePresence:
		status := models.PresenceStatus(frame.Status)
		if !status.Valid() {
			h.sendAck(conn, ackFrame{Type: "error", Error: "status must be online or away"})
			return
		}
		h.presence.SetPresence(conn.UserID, status, &conn.Device)

	case models.EventTypeMessage:
		if frame.RecipientID == 0 || frame.Content == "" {
			h.sendAck(conn, ackFrame{Type: "error", Error: "recipient_id and content required"})
			return
		}
		active, err := h.userRepo.IsActive(ctx, frame.RecipientID)
		if err != nil || !active {
			h.sendAck(conn, ackFrame{Type: "error", Error: "recipient not found or deactivated"})
			return
		}
		event, err := newMessageEvent(conn.UserID, frame.RecipientID, 0, frame.Content, frame.ContentType)
		if err != nil {
			h.sendAck(conn, ackFrame{Type: "error", Error: "failed to build event"})
			return
		}
		outcome := h.deliverer.Deliver(ctx, frame.RecipientID, event)
		h.recordOutcome(ctx, event, frame.Content, frame.ContentType, outcome)
		h.sendAck(conn, ackFrame{Type: "ack", EventID: event.ID, Outcome: outcome})

	case models.EventTypeBroadcast:
		if frame.CommunityID == 0 || frame.Content == "" {
			h.sendAck(conn, ackFrame{Type: "error", Error: "community_id and content required"})
			return
		}
		member, err := h.communityRepo.IsMember(ctx, frame.CommunityID, conn.UserID)
		if err != nil {
			h.sendAck(conn, ackFrame{Type: "error", Error: "failed to verify membership"})
			return
		}
		if !member {
			h.sendAck(conn, ackFrame{Type: "error", Error: "not a community member"})
			return
		}
		event, err := newMessageEvent(conn.UserID, 0, frame.CommunityID, frame.Content, frame.ContentType)
		if err != nil {
			h.sendAck(conn, ackFrame{Type: "error", Error: "failed to build event"})
			return
		}
		result, err := h.broadcaster.Broadcast(ctx, frame.CommunityID, event, conn.UserID)
		if err != nil {
			h.sendAck(conn, ackFrame{Type: "error", EventID: event.ID, Error: "broadcast failed"})
			return
		}
		outcome := models.DeliveredLive
		if result.DeliveredLive == 0 {
			outcome = models.DeliveryQueued
		}
		h.recordOutcome(ctx, event, frame.Content, frame.ContentType, outcome)
		h.sendAck(conn, ackFrame{Type: "ack", EventID: event.ID, Broadcast: &result})

	default:
		h.sendAck(conn, ackFrame{Type: "error", Error: "unknown frame type"})
	}
}

// recordOutcome persists the send after the fact, mirroring the HTTP facade.
// Failures never undo a delivery that already happened.
func (h *RealtimeWSHandler) recordOutcome(ctx context.Context, event models.Event, content, contentType string, outcome models.DeliveryOutcome) {
	if contentType == "" {
		contentType = "text"
	}
	record := models.MessageRecord{
		ID:          event.ID,
		SenderID:    event.SenderID,
		RecipientID: event.RecipientID,
		CommunityID: event.CommunityID,
		Content:     content,
		ContentType: contentType,
		Outcome:     string(outcome),
	}
	if err := h.messageRepo.RecordMessage(ctx, record); err != nil {
		log.Printf("message record persist failed message_id=%s: %v", event.ID, err)
	}
}

func (h *RealtimeWSHandler) sendAck(conn *registry.Conn, frame ackFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := conn.Send(payload, time.Second); err != nil {
		log.Printf("ack send failed conn_id=%s: %v", conn.ID, err)
	}
}

func (h *RealtimeWSHandler) lifecyclePayload(event string, conn *registry.Conn, ip string, durationMs int64, reason string) map[string]interface{} {
	return map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     conn.ID,
			"duration_ms": durationMs,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   conn.UserID,
			"device_id": conn.Device.DeviceID,
			"platform":  conn.Device.Platform,
			"ip":        ip,
		},
	}
}

func (h *RealtimeWSHandler) validateToken(header string) (int, error) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return middleware.ParseToken(h.jwtSecret, header[len(prefix):])
	}
	return 0, middleware.ErrInvalidToken
}

func newMessageEvent(senderID, recipientID, communityID int, content, contentType string) (models.Event, error) {
	if contentType == "" {
		contentType = "text"
	}
	payload, err := json.Marshal(models.MessagePayload{Content: content, ContentType: contentType})
	if err != nil {
		return models.Event{}, err
	}
	return models.Event{
		ID:          uuid.NewString(),
		Type:        models.EventTypeMessage,
		SenderID:    senderID,
		RecipientID: recipientID,
		CommunityID: communityID,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
